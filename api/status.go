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

import "fmt"

// Status is the user-visible update condition streamed to the host, which
// renders it (e.g. as LED patterns). It is an edge-triggered signal: the
// agent reports changes, the host latches the last value.
type Status int

const (
	StatusIdle Status = iota
	StatusCheckingUpdates
	StatusUpdateAvailable
	StatusDownloading
	// StatusDownloadingFast covers the post-commit stretch of an apply,
	// where interrupting power costs a rollback rather than a retry.
	StatusDownloadingFast
	StatusApplying
	StatusSuccess
	StatusFailure
	StatusError
)

// String returns the canonical name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusCheckingUpdates:
		return "CheckingUpdates"
	case StatusUpdateAvailable:
		return "UpdateAvailable"
	case StatusDownloading:
		return "Downloading"
	case StatusDownloadingFast:
		return "DownloadingFast"
	case StatusApplying:
		return "Applying"
	case StatusSuccess:
		return "Success"
	case StatusFailure:
		return "Failure"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// EventKind names a notable agent occurrence reported to the host.
type EventKind int

const (
	// EventCheckFailed reports a manifest fetch or parse failure.
	EventCheckFailed EventKind = iota
	// EventUpdateQueued reports a new pending update after a manifest diff.
	EventUpdateQueued
	// EventUpdateApplied reports a commit plus reload that completed.
	EventUpdateApplied
	// EventUpdateFailed reports an update aborted before or at apply.
	EventUpdateFailed
	// EventRolledBack reports a post-commit failure undone from backup.
	EventRolledBack
	// EventReloadFailedAfterRollback is a device-level fault: neither the
	// new nor the restored artifact would load. The module stays unloaded.
	EventReloadFailedAfterRollback
	// EventBootLoadFailed reports a module whose active artifact did not
	// load during agent start.
	EventBootLoadFailed
)

// String returns the canonical name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventCheckFailed:
		return "CheckFailed"
	case EventUpdateQueued:
		return "UpdateQueued"
	case EventUpdateApplied:
		return "UpdateApplied"
	case EventUpdateFailed:
		return "UpdateFailed"
	case EventRolledBack:
		return "RolledBack"
	case EventReloadFailedAfterRollback:
		return "ReloadFailedAfterRollback"
	case EventBootLoadFailed:
		return "BootLoadFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a host-visible notification about one module.
type Event struct {
	Module string
	Kind   EventKind
	// Err carries the triggering error for failure kinds, nil otherwise.
	Err error
}

// String returns a one-line rendering for log sinks. Device-level events
// carry no module name.
func (e Event) String() string {
	s := e.Kind.String()
	if e.Module != "" {
		s = fmt.Sprintf("%s(%s)", s, e.Module)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}
