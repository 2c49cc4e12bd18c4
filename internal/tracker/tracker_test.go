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

package tracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/edgefleet/modagent/api"
)

func TestTracker(t *testing.T) {
	tr := New()
	if _, ok := tr.Get("sg"); ok {
		t.Error("Get on empty tracker reported a version")
	}

	tr.Set("sg", api.Version{Major: 1})
	tr.Set("ds", api.Version{Major: 1, Minor: 1})

	if got, ok := tr.Get("sg"); !ok || got != (api.Version{Major: 1}) {
		t.Errorf("Get(sg) = %v, %t; want 1.0.0, true", got, ok)
	}
	if got := tr.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	if diff := cmp.Diff([]string{"ds", "sg"}, tr.Names()); diff != "" {
		t.Errorf("Names diff (-want +got):\n%s", diff)
	}

	// Set overwrites in place.
	tr.Set("sg", api.Version{Major: 1, Minor: 2})
	if got, _ := tr.Get("sg"); got != (api.Version{Major: 1, Minor: 2}) {
		t.Errorf("Get(sg) after overwrite = %v, want 1.2.0", got)
	}
	if got := tr.Len(); got != 2 {
		t.Errorf("Len after overwrite = %d, want 2", got)
	}

	tr.Remove("sg")
	if _, ok := tr.Get("sg"); ok {
		t.Error("Get after Remove reported a version")
	}
	// Removing an absent name must not panic or change anything.
	tr.Remove("sg")
	if got := tr.Len(); got != 1 {
		t.Errorf("Len after removes = %d, want 1", got)
	}
}
