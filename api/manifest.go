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

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// MaxNameLen bounds module names. Names beyond this do not fit the fixed
// slot in the module interface table.
const MaxNameLen = 31

// CheckName reports whether name is a well-formed module name:
// 1..31 bytes of [A-Za-z0-9_-].
func CheckName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("module name is empty")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("module name %q: %d bytes exceeds %d", name, len(name), MaxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return fmt.Errorf("module name %q: invalid byte %q at %d", name, c, i)
		}
	}
	return nil
}

// Priority orders pending updates. Unset is equivalent to PriorityNormal.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank maps a priority onto an integer for sorting; higher drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Known reports whether p is one of the named priorities or unset.
func (p Priority) Known() bool {
	switch p {
	case "", PriorityCritical, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ModuleRelease describes the latest published artifact for one module, as
// carried by a manifest entry. The manifest is the sole source of the
// verification inputs (digest, size, signature); artifact side files are
// never consulted.
type ModuleRelease struct {
	// LatestVersion is the "vMAJOR.MINOR.PATCH" string of the newest release.
	LatestVersion string `json:"latest_version"`
	// SHA256 is the lowercase or uppercase hex digest of the artifact bytes.
	SHA256 string `json:"sha256"`
	// FileSize is the exact artifact size in bytes.
	FileSize uint64 `json:"file_size"`
	// Signature is the optional base64 RSA signature over the SHA-256 digest.
	Signature string `json:"signature,omitempty"`
	// UpdatedAt is the optional RFC3339 publication time. Display only.
	UpdatedAt string `json:"updated_at,omitempty"`
	// Priority is the optional drain priority; empty means normal.
	Priority Priority `json:"priority,omitempty"`
}

// Version parses the entry's LatestVersion.
func (r ModuleRelease) Version() (Version, error) {
	return ParseVersion(r.LatestVersion)
}

// Digest decodes the entry's SHA256 field.
func (r ModuleRelease) Digest() ([]byte, error) {
	if len(r.SHA256) != hex.EncodedLen(32) {
		return nil, fmt.Errorf("sha256 %q: want %d hex chars, got %d", r.SHA256, hex.EncodedLen(32), len(r.SHA256))
	}
	d, err := hex.DecodeString(r.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sha256 %q: %v", r.SHA256, err)
	}
	return d, nil
}

// Published parses the entry's UpdatedAt field; ok is false when absent
// or unparseable.
func (r ModuleRelease) Published() (t time.Time, ok bool) {
	if r.UpdatedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, r.UpdatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Validate checks the entry fields a consumer relies on. A failing entry is
// skipped by the update check; it does not invalidate the whole manifest.
func (r ModuleRelease) Validate() error {
	if r.LatestVersion == "" {
		return fmt.Errorf("missing field %q", "latest_version")
	}
	if _, err := r.Version(); err != nil {
		return err
	}
	if r.SHA256 == "" {
		return fmt.Errorf("missing field %q", "sha256")
	}
	if _, err := r.Digest(); err != nil {
		return err
	}
	if r.FileSize == 0 {
		return fmt.Errorf("missing field %q", "file_size")
	}
	if !r.Priority.Known() {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	if r.Signature != "" {
		if _, err := base64.StdEncoding.DecodeString(r.Signature); err != nil {
			return fmt.Errorf("signature: %v", err)
		}
	}
	return nil
}

// Manifest lists the latest release of every module the catalog serves.
type Manifest struct {
	Modules map[string]ModuleRelease `json:"modules"`
}

// ParseManifest decodes a manifest document. The current shape nests the
// entries under a top-level "modules" key; the legacy flat shape (a bare
// name to entry map) is also accepted. A document carrying a "modules" key
// is always decoded as the nested shape, so a legacy catalog cannot serve a
// module literally named "modules".
func ParseManifest(data []byte) (*Manifest, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("manifest parse: %v", err)
	}
	if raw, ok := probe["modules"]; ok {
		var mods map[string]ModuleRelease
		if err := json.Unmarshal(raw, &mods); err != nil {
			return nil, fmt.Errorf("manifest parse: modules: %v", err)
		}
		return &Manifest{Modules: mods}, nil
	}
	var flat map[string]ModuleRelease
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("manifest parse: legacy shape: %v", err)
	}
	return &Manifest{Modules: flat}, nil
}

// Encode renders m in the nested manifest shape.
func (m *Manifest) Encode() ([]byte, error) {
	if m.Modules == nil {
		m.Modules = map[string]ModuleRelease{}
	}
	return json.MarshalIndent(m, "", "  ")
}
