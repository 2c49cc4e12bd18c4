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

// Package kvstore persists small per-module records across reboots. Modules
// reach it through the host API's data_save/data_load calls.
package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound marks a load of a key the module never saved.
var ErrNotFound = errors.New("no data")

// Store is a per-module key-value store backed by a SQL database.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over the given DB, initializing the schema if
// needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	return s, s.init()
}

func (s *Store) init() error {
	_, err := s.db.Exec("CREATE TABLE IF NOT EXISTS module_data (module TEXT NOT NULL, key TEXT NOT NULL, data BLOB, PRIMARY KEY (module, key))")
	return err
}

// Save stores data under (module, key), replacing any prior value.
func (s *Store) Save(module, key string, data []byte) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO module_data (module, key, data) VALUES (?, ?, ?)", module, key, data)
	return err
}

// Load returns the data last saved under (module, key), or ErrNotFound.
func (s *Store) Load(module, key string) ([]byte, error) {
	var res []byte
	row := s.db.QueryRow("SELECT data FROM module_data WHERE module=? AND key=?", module, key)
	if err := row.Scan(&res); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("module %s key %q: %w", module, key, ErrNotFound)
		}
		return nil, err
	}
	return res, nil
}
