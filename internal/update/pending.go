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

package update

import (
	"sort"
	"time"

	"github.com/edgefleet/modagent/api"
)

// PendingUpdate is one queued module update, created by a manifest diff and
// consumed when the orchestrator picks it for download. Release keeps the
// manifest entry it was queued from; its digest and signature are the only
// verification inputs used later.
type PendingUpdate struct {
	Name     string
	Version  api.Version
	Release  api.ModuleRelease
	QueuedAt time.Time
}

// enqueue inserts p keeping the queue in drain order: priority rank
// descending, ties by name ascending.
func (o *Orchestrator) enqueue(p *PendingUpdate) {
	o.queue = append(o.queue, p)
	sort.SliceStable(o.queue, func(i, j int) bool {
		a, b := o.queue[i], o.queue[j]
		if ar, br := a.Release.Priority.Rank(), b.Release.Priority.Rank(); ar != br {
			return ar > br
		}
		return a.Name < b.Name
	})
}

// findPending returns the queued update for name, or nil.
func (o *Orchestrator) findPending(name string) *PendingUpdate {
	for _, p := range o.queue {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Pending returns the names of queued updates in drain order.
func (o *Orchestrator) Pending() []string {
	names := make([]string, 0, len(o.queue))
	for _, p := range o.queue {
		names = append(names, p.Name)
	}
	return names
}
