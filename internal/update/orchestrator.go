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

// Package update drives the over-the-air update state machine: manifest
// checks, the pending queue, download with retry, verification, atomic
// commit, reload and rollback. The host calls Tick from its main loop; all
// work, including blocking I/O, happens inside a tick. There is no other
// goroutine and no lock.
package update

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/edgefleet/modagent/api"
	"github.com/edgefleet/modagent/internal/loader"
	"github.com/edgefleet/modagent/internal/staging"
	"github.com/edgefleet/modagent/internal/tracker"
	"github.com/edgefleet/modagent/internal/verify"
)

// Fetcher is the catalog surface the orchestrator consumes.
type Fetcher interface {
	FetchManifest(ctx context.Context) (*api.Manifest, error)
	FetchArtifact(ctx context.Context, path string) ([]byte, error)
}

// Host supplies device policy and renders agent state. SafeWindow reports
// whether the device tolerates a module unload right now; SetStatus and
// Event receive the user-visible condition stream. Host callbacks must not
// re-enter the orchestrator.
type Host interface {
	SafeWindow() bool
	SetStatus(api.Status)
	Event(api.Event)
}

// Deps are the collaborators an Orchestrator drives. All are required.
type Deps struct {
	Catalog Fetcher
	Store   *staging.Store
	Verify  *verify.Verifier
	Loader  *loader.Loader
	Tracker *tracker.Tracker
	Host    Host
}

func (d Deps) validate() error {
	switch {
	case d.Catalog == nil:
		return errors.New("update: Catalog is required")
	case d.Store == nil:
		return errors.New("update: Store is required")
	case d.Verify == nil:
		return errors.New("update: Verify is required")
	case d.Loader == nil:
		return errors.New("update: Loader is required")
	case d.Tracker == nil:
		return errors.New("update: Tracker is required")
	case d.Host == nil:
		return errors.New("update: Host is required")
	}
	return nil
}

// phase is the orchestrator's internal state. The user-visible api.Status
// stream is derived from it but not identical: checking and applying are
// transient within a tick, and the post-commit stretch of an apply reports
// DownloadingFast.
type phase int

const (
	phaseBoot phase = iota
	phaseIdle
	phaseAvailable
	phaseDownloading
	phaseSuccess
	phaseFailure
)

func (p phase) String() string {
	switch p {
	case phaseBoot:
		return "Boot"
	case phaseIdle:
		return "Idle"
	case phaseAvailable:
		return "Available"
	case phaseDownloading:
		return "Downloading"
	case phaseSuccess:
		return "Success"
	case phaseFailure:
		return "Failure"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Orchestrator owns the update lifecycle for every module on the device.
// It is single-goroutine: the host calls Tick, ModuleVersion and CallModule
// from the same loop, never concurrently.
type Orchestrator struct {
	cfg  Config
	deps Deps
	ctx  context.Context

	phase  phase
	status api.Status

	queue   []*PendingUpdate
	current *PendingUpdate

	// Download bookkeeping for the in-flight update.
	attempt  int
	retry    *backoff.ExponentialBackOff
	retryAt  time.Time
	unsafeAt time.Time

	nextCheck time.Time
	graceEnd  time.Time
	failEnd   time.Time
	// successes are committed modules awaiting FinalizeSuccess at graceEnd.
	successes []string
}

// New builds an Orchestrator. The first Tick runs staging recovery and
// loads every module with an active artifact.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:  cfg.withDefaults(),
		deps: deps,
		ctx:  context.Background(),
		// Sentinel so the first real status is always reported.
		status: api.Status(-1),
		phase:  phaseBoot,
	}, nil
}

// Tick advances the machine. now must be monotone non-decreasing across
// calls; the orchestrator never reads the wall clock itself.
func (o *Orchestrator) Tick(now time.Time) {
	if o.phase == phaseBoot {
		o.boot(now)
		o.deps.Loader.Tick()
		return
	}
	o.deps.Loader.Tick()
	switch o.phase {
	case phaseIdle:
		if !now.Before(o.nextCheck) {
			o.check(now)
		}
	case phaseAvailable:
		o.tickAvailable(now)
	case phaseDownloading:
		o.tickDownloading(now)
	case phaseSuccess:
		o.tickSuccess(now)
	case phaseFailure:
		o.tickFailure(now)
	}
}

// ModuleVersion returns the tracked version of a module, the host side of
// the module version query.
func (o *Orchestrator) ModuleVersion(name string) (api.Version, bool) {
	return o.deps.Tracker.Get(name)
}

// CallModule dispatches a slot function on a loaded module by index in its
// interface table.
func (o *Orchestrator) CallModule(name string, slot int, args ...int64) (int64, error) {
	return o.deps.Loader.Call(name, slot, args...)
}

// Status returns the last status reported to the host.
func (o *Orchestrator) Status() api.Status {
	return o.status
}

// boot recovers the staging store, loads every active artifact and rebuilds
// the tracker. Modules committed but not finalized before the restart enter
// the post-commit grace hold, measured from boot.
func (o *Orchestrator) boot(now time.Time) {
	recs, err := o.deps.Store.Recover()
	if err != nil {
		glog.Errorf("Staging recovery: %v", err)
	}
	unfinalized := map[string]bool{}
	for _, r := range recs {
		if r.CommitCompleted || r.BackupRetained {
			unfinalized[r.Name] = true
		}
	}

	names, err := o.deps.Store.List()
	if err != nil {
		glog.Errorf("Listing staging store: %v", err)
	}
	for _, name := range names {
		if !o.deps.Store.Has(name, staging.Active) {
			continue
		}
		o.bootLoad(name, now)
	}

	o.nextCheck = now
	if len(unfinalized) > 0 {
		for name := range unfinalized {
			o.successes = append(o.successes, name)
		}
		sort.Strings(o.successes)
		o.graceEnd = now.Add(o.cfg.PostCommitGrace)
		o.phase = phaseSuccess
		o.setStatus(api.StatusSuccess)
		glog.Infof("Boot: %d unfinalized commit(s), holding Success until %s", len(o.successes), o.graceEnd.Format(time.RFC3339))
		return
	}
	o.phase = phaseIdle
	o.setStatus(api.StatusIdle)
}

// bootLoad brings up one module from its active slot, rolling back to the
// backup when the active artifact does not load.
func (o *Orchestrator) bootLoad(name string, now time.Time) {
	data, err := o.deps.Store.Read(name, staging.Active)
	if err != nil {
		glog.Errorf("Boot: reading active for %s: %v", name, err)
		o.event(api.Event{Module: name, Kind: api.EventBootLoadFailed, Err: err})
		return
	}
	m, err := o.deps.Loader.Load(name, data, now)
	if err == nil {
		o.deps.Tracker.Set(m.Name, m.Version)
		return
	}
	glog.Errorf("Boot: loading %s: %v; trying rollback", name, err)

	if rerr := o.deps.Store.Rollback(name); rerr != nil {
		if !errors.Is(rerr, staging.ErrNoBackup) {
			glog.Errorf("Boot: rollback of %s: %v", name, rerr)
		}
		o.event(api.Event{Module: name, Kind: api.EventBootLoadFailed, Err: err})
		return
	}
	data, err = o.deps.Store.Read(name, staging.Active)
	if err == nil {
		if m, err = o.deps.Loader.Load(name, data, now); err == nil {
			o.deps.Tracker.Set(m.Name, m.Version)
			glog.Warningf("Boot: %s rolled back to %s", m.Name, m.Version)
			return
		}
	}
	glog.Errorf("Boot: %s failed to load from restored backup: %v", name, err)
	o.event(api.Event{Module: name, Kind: api.EventBootLoadFailed, Err: err})
}

// check fetches the manifest and queues an update for every module whose
// published version is ahead of the tracked one.
func (o *Orchestrator) check(now time.Time) {
	o.setStatus(api.StatusCheckingUpdates)
	o.nextCheck = now.Add(o.cfg.CheckInterval)

	m, err := o.deps.Catalog.FetchManifest(o.ctx)
	if err != nil {
		glog.Warningf("Manifest fetch failed: %v", err)
		o.event(api.Event{Kind: api.EventCheckFailed, Err: err})
		// Error latches until the next check reports something fresher.
		o.setStatus(api.StatusError)
		return
	}

	o.diffManifest(m, now)
	if len(o.queue) > 0 {
		o.phase = phaseAvailable
		o.setStatus(api.StatusUpdateAvailable)
		return
	}
	o.setStatus(api.StatusIdle)
}

// diffManifest queues updates for manifest entries ahead of the tracker.
// Unknown modules are treated as baseline v0.0.0 (fresh install). Invalid
// entries are skipped and do not invalidate the rest of the manifest.
func (o *Orchestrator) diffManifest(m *api.Manifest, now time.Time) {
	names := make([]string, 0, len(m.Modules))
	for name := range m.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := m.Modules[name]
		if err := api.CheckName(name); err != nil {
			glog.Warningf("Manifest entry skipped: %v", err)
			continue
		}
		if err := entry.Validate(); err != nil {
			glog.Warningf("Manifest entry %q skipped: %v", name, err)
			continue
		}
		v, _ := entry.Version()
		tracked, _ := o.deps.Tracker.Get(name)
		if !tracked.Less(v) {
			continue
		}
		if o.current != nil && o.current.Name == name {
			continue
		}
		if p := o.findPending(name); p != nil {
			// Already queued; refresh to the newest release.
			p.Version = v
			p.Release = entry
			continue
		}
		o.enqueue(&PendingUpdate{Name: name, Version: v, Release: entry, QueuedAt: now})
		o.event(api.Event{Module: name, Kind: api.EventUpdateQueued})
		glog.Infof("Update queued: %s %s -> %s", name, tracked, v)
	}
}

// tickAvailable starts the highest-priority pending update once the safe
// window (or a critical bypass) allows it.
func (o *Orchestrator) tickAvailable(now time.Time) {
	if len(o.queue) == 0 {
		o.phase = phaseIdle
		o.setStatus(api.StatusIdle)
		return
	}
	head := o.queue[0]
	if !o.safeToUpdate(head) {
		return
	}
	o.queue = o.queue[1:]
	o.current = head
	o.attempt = 0
	o.retry = o.newBackoff()
	o.retryAt = time.Time{}
	o.unsafeAt = time.Time{}
	o.phase = phaseDownloading
	o.setStatus(api.StatusDownloading)
	glog.Infof("Updating %s to %s", head.Name, head.Version)
	o.tickDownloading(now)
}

// safeToUpdate reports whether p may proceed right now.
func (o *Orchestrator) safeToUpdate(p *PendingUpdate) bool {
	if o.deps.Host.SafeWindow() {
		return true
	}
	return o.cfg.CriticalBypass && p.Release.Priority == api.PriorityCritical
}

// tickDownloading runs one download attempt (when due) and, on success,
// carries the update through verification and apply within the same tick.
func (o *Orchestrator) tickDownloading(now time.Time) {
	cur := o.current

	if o.safeToUpdate(cur) {
		o.unsafeAt = time.Time{}
	} else {
		if o.unsafeAt.IsZero() {
			o.unsafeAt = now
		}
		if now.Sub(o.unsafeAt) >= o.cfg.CancelThreshold {
			o.cancelCurrent(now)
			return
		}
		// A brief dip; hold position and keep waiting.
	}

	if now.Before(o.retryAt) {
		return
	}

	// A release that must be signed but is not gets refused before any
	// bytes are fetched.
	if o.deps.Verify.Required && cur.Release.Signature == "" {
		o.failUpdate(now, cur.Name, fmt.Errorf("release %s %s: %w", cur.Name, cur.Version, verify.ErrSignatureMissing))
		return
	}

	path := api.ArtifactPath(cur.Name, cur.Version)
	data, err := o.deps.Catalog.FetchArtifact(o.ctx, path)
	if err != nil {
		o.attempt++
		if o.attempt > o.cfg.DownloadRetries {
			o.failUpdate(now, cur.Name, fmt.Errorf("downloading %s: %d attempt(s): %w", path, o.attempt, err))
			return
		}
		delay := o.retry.NextBackOff()
		o.retryAt = now.Add(delay)
		glog.Warningf("Download of %s failed (attempt %d of %d), retrying in %s: %v", path, o.attempt, o.cfg.DownloadRetries+1, delay, err)
		return
	}

	if err := o.stage(cur.Name, data); err != nil {
		o.discardStaging(cur.Name)
		o.failUpdate(now, cur.Name, err)
		return
	}
	// Verify what is actually on disk, not the transport buffer.
	staged, err := o.deps.Store.Read(cur.Name, staging.Staging)
	if err != nil {
		o.discardStaging(cur.Name)
		o.failUpdate(now, cur.Name, err)
		return
	}
	if err := o.deps.Verify.Verify(staged, cur.Release.SHA256, cur.Release.Signature); err != nil {
		o.discardStaging(cur.Name)
		o.failUpdate(now, cur.Name, fmt.Errorf("verifying %s %s: %w", cur.Name, cur.Version, err))
		return
	}
	o.apply(now, staged)
}

func (o *Orchestrator) stage(name string, data []byte) error {
	w, err := o.deps.Store.OpenStaging(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return o.deps.Store.FinalizeStaging(name)
}

func (o *Orchestrator) discardStaging(name string) {
	if err := o.deps.Store.DiscardStaging(name); err != nil {
		glog.Warningf("Discarding staging for %s: %v", name, err)
	}
}

// apply commits the staged bytes and reloads the module. From commit to
// reload completion the device reports DownloadingFast: interruption past
// this point costs a rollback, not a retry.
func (o *Orchestrator) apply(now time.Time, staged []byte) {
	cur := o.current
	o.setStatus(api.StatusApplying)
	glog.Infof("Applying %s %s", cur.Name, cur.Version)

	if err := o.deps.Store.Commit(cur.Name); err != nil {
		o.discardStaging(cur.Name)
		o.failUpdate(now, cur.Name, fmt.Errorf("committing %s: %w", cur.Name, err))
		return
	}
	o.setStatus(api.StatusDownloadingFast)

	m, err := o.deps.Loader.Reload(cur.Name, staged, now)
	if err != nil {
		glog.Errorf("Reload of %s after commit: %v", cur.Name, err)
		o.rollback(now, cur.Name, err)
		return
	}
	o.deps.Tracker.Set(m.Name, m.Version)
	o.event(api.Event{Module: cur.Name, Kind: api.EventUpdateApplied})
	glog.Infof("Update applied: %s is now %s", m.Name, m.Version)

	o.current = nil
	o.successes = append(o.successes, cur.Name)
	o.graceEnd = now.Add(o.cfg.PostCommitGrace)
	o.phase = phaseSuccess
	o.setStatus(api.StatusSuccess)
}

// rollback undoes a committed update whose reload failed: restore the
// backup and bring the previous artifact back up. cause is the reload error
// that triggered it.
func (o *Orchestrator) rollback(now time.Time, name string, cause error) {
	if err := o.deps.Store.Rollback(name); err != nil {
		o.deps.Tracker.Remove(name)
		if errors.Is(err, staging.ErrNoBackup) {
			// Fresh install: nothing to restore, the module is simply absent.
			o.failUpdate(now, name, cause)
			return
		}
		glog.Errorf("Rollback of %s: %v", name, err)
		o.event(api.Event{Module: name, Kind: api.EventReloadFailedAfterRollback, Err: err})
		o.enterFailure(now)
		return
	}

	restored, err := o.deps.Store.Read(name, staging.Active)
	if err == nil {
		var m *loader.LoadedModule
		if m, err = o.deps.Loader.Reload(name, restored, now); err == nil {
			o.deps.Tracker.Set(m.Name, m.Version)
			o.event(api.Event{Module: name, Kind: api.EventRolledBack, Err: cause})
			glog.Warningf("Rolled %s back to %s", m.Name, m.Version)
			o.enterFailure(now)
			return
		}
	}
	glog.Errorf("Reload of %s from restored backup: %v", name, err)
	o.deps.Tracker.Remove(name)
	o.event(api.Event{Module: name, Kind: api.EventReloadFailedAfterRollback, Err: err})
	o.enterFailure(now)
}

// cancelCurrent aborts the in-flight update before commit and re-queues it.
func (o *Orchestrator) cancelCurrent(now time.Time) {
	cur := o.current
	glog.Warningf("Safe window lost for %s; canceling update of %s", o.cfg.CancelThreshold, cur.Name)
	o.discardStaging(cur.Name)
	o.current = nil
	o.enqueue(cur)
	o.phase = phaseAvailable
	o.setStatus(api.StatusUpdateAvailable)
}

// failUpdate abandons the in-flight update and shows Failure for the
// configured display window.
func (o *Orchestrator) failUpdate(now time.Time, name string, err error) {
	glog.Errorf("Update of %s failed: %v", name, err)
	o.event(api.Event{Module: name, Kind: api.EventUpdateFailed, Err: err})
	o.enterFailure(now)
}

func (o *Orchestrator) enterFailure(now time.Time) {
	o.current = nil
	o.failEnd = now.Add(o.cfg.FailureDisplay)
	o.phase = phaseFailure
	o.setStatus(api.StatusFailure)
}

// tickSuccess holds Success through the grace window, then drops backups.
func (o *Orchestrator) tickSuccess(now time.Time) {
	if now.Before(o.graceEnd) {
		return
	}
	for _, name := range o.successes {
		if err := o.deps.Store.FinalizeSuccess(name); err != nil {
			glog.Warningf("Finalizing %s: %v", name, err)
			continue
		}
		glog.Infof("Finalized update of %s", name)
	}
	o.successes = nil
	o.leaveHold()
}

// tickFailure holds Failure through the display window.
func (o *Orchestrator) tickFailure(now time.Time) {
	if now.Before(o.failEnd) {
		return
	}
	o.leaveHold()
}

// leaveHold returns to Available when updates are still pending, otherwise
// to Idle. No fresh manifest check is needed to drain the queue.
func (o *Orchestrator) leaveHold() {
	if len(o.queue) > 0 {
		o.phase = phaseAvailable
		o.setStatus(api.StatusUpdateAvailable)
		return
	}
	o.phase = phaseIdle
	o.setStatus(api.StatusIdle)
}

func (o *Orchestrator) setStatus(s api.Status) {
	if o.status == s {
		return
	}
	if o.status >= 0 {
		glog.Infof("Status %s -> %s", o.status, s)
	} else {
		glog.Infof("Status %s", s)
	}
	o.status = s
	o.deps.Host.SetStatus(s)
}

func (o *Orchestrator) event(e api.Event) {
	glog.Infof("Event: %s", e)
	o.deps.Host.Event(e)
}

func (o *Orchestrator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBackoffInitial
	b.MaxInterval = o.cfg.RetryBackoffCap
	b.Multiplier = 2
	// Deterministic delays; the device has no thundering-herd problem.
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
