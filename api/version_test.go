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

package api

import "testing"

func TestParseVersion(t *testing.T) {
	for _, test := range []struct {
		desc    string
		in      string
		want    Version
		wantErr bool
	}{
		{
			desc: "plain triple",
			in:   "1.2.3",
			want: Version{1, 2, 3},
		}, {
			desc: "v prefix",
			in:   "v10.0.7",
			want: Version{10, 0, 7},
		}, {
			desc: "zeros",
			in:   "0.0.0",
			want: Version{},
		}, {
			desc:    "empty",
			in:      "",
			wantErr: true,
		}, {
			desc:    "two components",
			in:      "1.2",
			wantErr: true,
		}, {
			desc:    "four components",
			in:      "1.2.3.4",
			wantErr: true,
		}, {
			desc:    "prerelease suffix",
			in:      "1.2.3-rc1",
			wantErr: true,
		}, {
			desc:    "build metadata",
			in:      "1.2.3+hotfix",
			wantErr: true,
		}, {
			desc:    "signed component",
			in:      "1.-2.3",
			wantErr: true,
		}, {
			desc:    "plus component",
			in:      "1.+2.3",
			wantErr: true,
		}, {
			desc:    "empty component",
			in:      "1..3",
			wantErr: true,
		}, {
			desc:    "non-numeric",
			in:      "a.b.c",
			wantErr: true,
		}, {
			desc:    "spaces",
			in:      " 1.2.3",
			wantErr: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, err := ParseVersion(test.in)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("ParseVersion(%q) = err %v, wantErr %t", test.in, err, test.wantErr)
			}
			if err != nil {
				return
			}
			if got != test.want {
				t.Errorf("ParseVersion(%q) = %v, want %v", test.in, got, test.want)
			}
		})
	}
}

func TestVersionCompare(t *testing.T) {
	for _, test := range []struct {
		desc string
		a, b Version
		want int
	}{
		{desc: "equal", a: Version{1, 2, 3}, b: Version{1, 2, 3}, want: 0},
		{desc: "major wins", a: Version{2, 0, 0}, b: Version{1, 9, 9}, want: 1},
		{desc: "minor wins", a: Version{1, 1, 0}, b: Version{1, 0, 9}, want: 1},
		{desc: "patch wins", a: Version{1, 0, 1}, b: Version{1, 0, 2}, want: -1},
		{desc: "numeric not lexicographic", a: Version{1, 10, 0}, b: Version{1, 9, 0}, want: 1},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if got := test.a.Compare(test.b); got != test.want {
				t.Errorf("%v.Compare(%v) = %d, want %d", test.a, test.b, got, test.want)
			}
			if got := test.b.Compare(test.a); got != -test.want {
				t.Errorf("%v.Compare(%v) = %d, want %d", test.b, test.a, got, -test.want)
			}
			if got, want := test.a.Less(test.b), test.want < 0; got != want {
				t.Errorf("%v.Less(%v) = %t, want %t", test.a, test.b, got, want)
			}
		})
	}
}

func TestVersionString(t *testing.T) {
	v := Version{3, 0, 12}
	if got, want := v.String(), "3.0.12"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	rt, err := ParseVersion(v.String())
	if err != nil {
		t.Fatalf("ParseVersion(String()): %v", err)
	}
	if rt != v {
		t.Errorf("round trip = %v, want %v", rt, v)
	}
}
