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
	"fmt"
	"strconv"
	"strings"
)

// Version is a strict semantic version triple.
//
// The grammar accepted by ParseVersion is exactly MAJOR.MINOR.PATCH with
// unsigned decimal components, optionally prefixed with "v" (the manifest
// writes "v1.2.3", modules report "1.2.3"). Anything else, including
// prerelease or build suffixes, is outside the grammar: such strings never
// parse, never compare equal to a valid triple, and are never selected as
// an upgrade target.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64
}

// ParseVersion parses s into a Version. The zero Version is returned
// alongside the error for strings outside the strict triple grammar.
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimPrefix(s, "v")
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q: want 3 components, got %d", s, len(parts))
	}
	var c [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: component %d: %v", s, i, err)
		}
		c[i] = n
	}
	return Version{Major: c[0], Minor: c[1], Patch: c[2]}, nil
}

// String renders the triple without a "v" prefix, matching what modules
// report through their interface table.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 ordering v against o component-wise.
func (v Version) Compare(o Version) int {
	for _, d := range [][2]uint64{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		switch {
		case d[0] < d[1]:
			return -1
		case d[0] > d[1]:
			return 1
		}
	}
	return 0
}

// Less reports whether v orders strictly before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}
