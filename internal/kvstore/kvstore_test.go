// Copyright 2025 The Modagent Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvstore

import (
	"bytes"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3" // Load drivers for sqlite3
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open temporary in-memory DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	for _, test := range []struct {
		desc   string
		module string
		key    string
		values [][]byte
	}{
		{
			desc:   "simple",
			module: "sg",
			key:    "odometer",
			values: [][]byte{[]byte("1234")},
		},
		{
			desc:   "replace keeps last value",
			module: "sg",
			key:    "odometer",
			values: [][]byte{[]byte("1234"), []byte("5678")},
		},
		{
			desc:   "empty value allowed",
			module: "sg",
			key:    "flag",
			values: [][]byte{{}},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			s := newStore(t)
			for _, v := range test.values {
				if err := s.Save(test.module, test.key, v); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}
			got, err := s.Load(test.module, test.key)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			want := test.values[len(test.values)-1]
			if !bytes.Equal(got, want) {
				t.Errorf("Load = %q, want %q", got, want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)
	if _, err := s.Load("sg", "never-saved"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load: %v, want ErrNotFound", err)
	}
}

func TestModulesIsolated(t *testing.T) {
	s := newStore(t)
	if err := s.Save("sg", "odometer", []byte("sg value")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save("ds", "odometer", []byte("ds value")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("sg", "odometer")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := []byte("sg value"); !bytes.Equal(got, want) {
		t.Errorf("Load = %q, want %q", got, want)
	}
	if _, err := s.Load("ds", "trip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(ds, trip): %v, want ErrNotFound", err)
	}
}

func TestSurvivesReopen(t *testing.T) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("failed to open temporary in-memory DB: %v", err)
	}
	defer db.Close()

	s1, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s1.Save("sg", "odometer", []byte("1234")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A second store over the same DB sees the data, as after an agent
	// restart.
	s2, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got, err := s2.Load("sg", "odometer")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := []byte("1234"); !bytes.Equal(got, want) {
		t.Errorf("Load = %q, want %q", got, want)
	}
}
