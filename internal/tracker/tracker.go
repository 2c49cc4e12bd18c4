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

// Package tracker records the currently active version of every installed
// module. The mapping is updated as the final step of a successful load or
// reload, so a tracked version always describes code that actually came up.
package tracker

import (
	"sort"

	"github.com/edgefleet/modagent/api"
)

// Tracker is the in-memory name to version mapping. Like the rest of the
// agent core it belongs to the single agent goroutine; callers from module
// update hooks re-enter on the same goroutine.
type Tracker struct {
	versions map[string]api.Version
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{versions: map[string]api.Version{}}
}

// Set records v as the active version of the named module.
func (t *Tracker) Set(name string, v api.Version) {
	t.versions[name] = v
}

// Get returns the tracked version of the named module; ok is false when the
// module is not installed.
func (t *Tracker) Get(name string) (v api.Version, ok bool) {
	v, ok = t.versions[name]
	return v, ok
}

// Remove forgets the named module. Removing an untracked name is a no-op.
func (t *Tracker) Remove(name string) {
	delete(t.versions, name)
}

// Names returns the tracked module names in sorted order.
func (t *Tracker) Names() []string {
	names := make([]string, 0, len(t.versions))
	for name := range t.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tracked modules.
func (t *Tracker) Len() int {
	return len(t.versions)
}
