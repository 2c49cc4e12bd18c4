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

import "time"

// Defaults for Config fields left at their zero value.
const (
	DefaultCheckInterval       = 30 * time.Second
	DefaultRetryBackoffInitial = time.Second
	DefaultRetryBackoffCap     = 30 * time.Second
	DefaultCancelThreshold     = 5 * time.Second
	DefaultPostCommitGrace     = 30 * time.Second
	DefaultFailureDisplay      = 8 * time.Second
	DefaultDownloadRetries     = 3
)

// Config carries the orchestrator's timing and policy knobs. Durations left
// at zero take the package defaults; DownloadRetries zero means a single
// download attempt.
type Config struct {
	// CheckInterval is the period between manifest checks.
	CheckInterval time.Duration
	// DownloadRetries is the number of retries after a failed artifact
	// fetch; the total attempt count is DownloadRetries+1.
	DownloadRetries int
	// RetryBackoffInitial is the delay before the first retry; subsequent
	// delays double up to RetryBackoffCap.
	RetryBackoffInitial time.Duration
	RetryBackoffCap     time.Duration
	// CancelThreshold is how long the safe window may stay lost during a
	// download before the update is canceled back to the pending queue.
	CancelThreshold time.Duration
	// PostCommitGrace is how long a committed update holds Success before
	// its backup is dropped.
	PostCommitGrace time.Duration
	// FailureDisplay is how long a failed update holds Failure.
	FailureDisplay time.Duration
	// CriticalBypass lets critical-priority updates skip the safe-window
	// gate. Host policy; off by default.
	CriticalBypass bool
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.DownloadRetries < 0 {
		c.DownloadRetries = 0
	}
	if c.RetryBackoffInitial <= 0 {
		c.RetryBackoffInitial = DefaultRetryBackoffInitial
	}
	if c.RetryBackoffCap <= 0 {
		c.RetryBackoffCap = DefaultRetryBackoffCap
	}
	if c.CancelThreshold <= 0 {
		c.CancelThreshold = DefaultCancelThreshold
	}
	if c.PostCommitGrace <= 0 {
		c.PostCommitGrace = DefaultPostCommitGrace
	}
	if c.FailureDisplay <= 0 {
		c.FailureDisplay = DefaultFailureDisplay
	}
	return c
}
