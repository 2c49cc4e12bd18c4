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

// Package staging owns the durable per-module slot files and the commit
// journal that makes publishing a new active binary atomic across power
// loss. Nothing outside this package may touch the slot files.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/edgefleet/modagent/api"
	"github.com/golang/glog"
)

// Slot names one of the three durable files a module may occupy.
type Slot string

const (
	// Active holds the bytes backing the currently loaded module.
	Active Slot = "active.bin"
	// Staging holds a downloaded binary that is not yet committed.
	Staging Slot = "staging.bin"
	// Backup holds the previous active until the commit is finalized.
	Backup Slot = "backup.bin"
)

// markerFile is the commit journal. It is written durably before the commit
// renames and removed after them; its presence on boot means a commit may be
// half finished.
const markerFile = ".commit"

var (
	// ErrBusy rejects a second concurrent staging writer for one module.
	ErrBusy = errors.New("staging already open")
	// ErrNotFound marks an access to a slot that does not exist.
	ErrNotFound = errors.New("slot not found")
	// ErrNoBackup marks a rollback with nothing to restore.
	ErrNoBackup = errors.New("no backup")
	// ErrNoSpace marks writes that filled the device.
	ErrNoSpace = errors.New("no space left on device")
)

// commitRecord is the journal content: enough to decide on boot whether the
// staged bytes a journal refers to are intact.
type commitRecord struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Store owns every module's slot files under one root.
type Store struct {
	root string
	open map[string]*Writer
}

// New opens a store rooted at dir, creating it if needed. Slot files live
// under dir/modules/<name>/.
func New(dir string) (*Store, error) {
	root := filepath.Join(dir, "modules")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", wrapIO(err))
	}
	return &Store{root: root, open: make(map[string]*Writer)}, nil
}

// Writer streams artifact bytes into a module's staging slot.
type Writer struct {
	name string
	f    *os.File
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("staging %s: %w", w.name, wrapIO(err))
	}
	return n, nil
}

// OpenStaging truncates any prior staging slot for name and returns a writer
// for the new bytes. At most one writer may be open per module; a second
// open fails with ErrBusy. FinalizeStaging or DiscardStaging releases the
// writer.
func (s *Store) OpenStaging(name string) (*Writer, error) {
	if err := api.CheckName(name); err != nil {
		return nil, err
	}
	if _, ok := s.open[name]; ok {
		return nil, fmt.Errorf("module %s: %w", name, ErrBusy)
	}
	if err := os.MkdirAll(s.moduleDir(name), 0o755); err != nil {
		return nil, fmt.Errorf("creating module dir for %s: %w", name, wrapIO(err))
	}
	f, err := os.OpenFile(s.slotPath(name, Staging), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening staging for %s: %w", name, wrapIO(err))
	}
	w := &Writer{name: name, f: f}
	s.open[name] = w
	return w, nil
}

// FinalizeStaging flushes and durably persists the staged bytes, then
// releases the writer.
func (s *Store) FinalizeStaging(name string) error {
	w, ok := s.open[name]
	if !ok {
		return fmt.Errorf("module %s: no staging open", name)
	}
	delete(s.open, name)
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("syncing staging for %s: %w", name, wrapIO(err))
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("closing staging for %s: %w", name, wrapIO(err))
	}
	return syncDir(s.moduleDir(name))
}

// DiscardStaging drops any staged bytes and open writer for name. Safe to
// call when nothing is staged.
func (s *Store) DiscardStaging(name string) error {
	if w, ok := s.open[name]; ok {
		w.f.Close()
		delete(s.open, name)
	}
	if _, err := os.Stat(s.moduleDir(name)); os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(s.slotPath(name, Staging)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discarding staging for %s: %w", name, wrapIO(err))
	}
	return syncDir(s.moduleDir(name))
}

// Commit atomically publishes the staged bytes: journal the commit, move
// active to backup, move staging to active, clear the journal. A crash at
// any point leaves a state Recover classifies as wholly pre-commit or
// wholly post-commit.
func (s *Store) Commit(name string) error {
	if _, ok := s.open[name]; ok {
		return fmt.Errorf("module %s: staging not finalized: %w", name, ErrBusy)
	}
	stagingPath := s.slotPath(name, Staging)
	data, err := os.ReadFile(stagingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("module %s: nothing staged: %w", name, ErrNotFound)
		}
		return fmt.Errorf("reading staging for %s: %w", name, wrapIO(err))
	}
	digest := sha256.Sum256(data)
	rec := commitRecord{Name: name, SHA256: hex.EncodeToString(digest[:]), Size: int64(len(data))}
	if err := s.writeMarker(name, rec); err != nil {
		return err
	}

	activePath := s.slotPath(name, Active)
	if _, err := os.Stat(activePath); err == nil {
		if err := os.Rename(activePath, s.slotPath(name, Backup)); err != nil {
			return fmt.Errorf("moving active to backup for %s: %w", name, wrapIO(err))
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("module %s: stat active: %w", name, wrapIO(err))
	}
	if err := os.Rename(stagingPath, activePath); err != nil {
		return fmt.Errorf("publishing staging for %s: %w", name, wrapIO(err))
	}
	if err := os.Remove(s.markerPath(name)); err != nil {
		return fmt.Errorf("clearing commit journal for %s: %w", name, wrapIO(err))
	}
	return syncDir(s.moduleDir(name))
}

// Rollback restores the previous active from backup, discarding the current
// active. ErrNoBackup when there is nothing to restore.
func (s *Store) Rollback(name string) error {
	backupPath := s.slotPath(name, Backup)
	if _, err := os.Stat(backupPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("module %s: %w", name, ErrNoBackup)
		}
		return fmt.Errorf("module %s: stat backup: %w", name, wrapIO(err))
	}
	if err := os.Rename(backupPath, s.slotPath(name, Active)); err != nil {
		return fmt.Errorf("restoring backup for %s: %w", name, wrapIO(err))
	}
	return syncDir(s.moduleDir(name))
}

// FinalizeSuccess drops the backup kept by the last commit. Idempotent.
func (s *Store) FinalizeSuccess(name string) error {
	if err := os.Remove(s.slotPath(name, Backup)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("dropping backup for %s: %w", name, wrapIO(err))
	}
	return syncDir(s.moduleDir(name))
}

// Read returns the bytes of one slot. ErrNotFound when the slot file does
// not exist.
func (s *Store) Read(name string, slot Slot) ([]byte, error) {
	data, err := os.ReadFile(s.slotPath(name, slot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("module %s slot %s: %w", name, slot, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s slot %s: %w", name, slot, wrapIO(err))
	}
	return data, nil
}

// Has reports whether a slot file exists.
func (s *Store) Has(name string, slot Slot) bool {
	_, err := os.Stat(s.slotPath(name, slot))
	return err == nil
}

// List returns the names of modules with a directory in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing store root: %w", wrapIO(err))
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Recovery describes what Recover did for one module directory.
type Recovery struct {
	Name string
	// CommitCompleted is set when this boot found a committed-but-unfinalized
	// update: either a half-finished commit that was rolled forward or a
	// finished one whose journal removal was pending.
	CommitCompleted bool
	// StagingDiscarded is set when an orphaned or untrustworthy staging slot
	// was dropped.
	StagingDiscarded bool
	// BackupRetained is set when a backup from an unfinalized commit is left
	// in place for a possible rollback.
	BackupRetained bool
	// BackupRestored is set when active was missing and the backup was
	// promoted in its place.
	BackupRestored bool
}

func (r Recovery) interesting() bool {
	return r.CommitCompleted || r.StagingDiscarded || r.BackupRetained || r.BackupRestored
}

// Recover classifies every module directory after a restart and repairs it
// to a wholly pre-commit or wholly post-commit state. The same on-disk state
// always yields the same outcome. Returns one record per module where a
// repair happened or a backup survives.
func (s *Store) Recover() ([]Recovery, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Recovery
	for _, name := range names {
		if err := api.CheckName(name); err != nil {
			glog.Warningf("staging: skipping foreign directory %q: %v", name, err)
			continue
		}
		rec := Recovery{Name: name}
		if err := s.recoverModule(name, &rec); err != nil {
			return out, fmt.Errorf("recovering %s: %w", name, err)
		}
		rec.BackupRetained = s.Has(name, Backup)
		if rec.interesting() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) recoverModule(name string, rec *Recovery) error {
	markerData, err := os.ReadFile(s.markerPath(name))
	if os.IsNotExist(err) {
		// No journal: any staging slot is an orphan from an interrupted
		// download.
		if s.Has(name, Staging) {
			glog.Warningf("staging: %s: discarding orphaned staging slot", name)
			if err := s.DiscardStaging(name); err != nil {
				return err
			}
			rec.StagingDiscarded = true
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading commit journal: %w", wrapIO(err))
	}

	var marker commitRecord
	if jerr := json.Unmarshal(markerData, &marker); jerr != nil {
		// A torn journal write. The renames never started; the mismatch
		// path below repairs to pre-commit.
		glog.Warningf("staging: %s: unreadable commit journal: %v", name, jerr)
		marker = commitRecord{}
	}

	stagingPath := s.slotPath(name, Staging)
	activePath := s.slotPath(name, Active)
	staged, err := os.ReadFile(stagingPath)
	switch {
	case err == nil:
		digest := sha256.Sum256(staged)
		if marker.Name == name && marker.SHA256 == hex.EncodeToString(digest[:]) && marker.Size == int64(len(staged)) {
			// Crash hit between journal write and publish; the staged bytes
			// check out, so roll the commit forward.
			if _, serr := os.Stat(activePath); serr == nil {
				if err := os.Rename(activePath, s.slotPath(name, Backup)); err != nil {
					return wrapIO(err)
				}
			}
			if err := os.Rename(stagingPath, activePath); err != nil {
				return wrapIO(err)
			}
			glog.Infof("staging: %s: completed interrupted commit", name)
			rec.CommitCompleted = true
			break
		}
		// Journal and staged bytes disagree; the commit cannot be trusted.
		glog.Warningf("staging: %s: staged bytes do not match commit journal, reverting to pre-commit", name)
		if err := os.Remove(stagingPath); err != nil {
			return wrapIO(err)
		}
		rec.StagingDiscarded = true
		if err := s.restoreIfActiveMissing(name, rec); err != nil {
			return err
		}
	case os.IsNotExist(err):
		if _, serr := os.Stat(activePath); serr == nil {
			// Publish finished; only the journal removal was pending.
			rec.CommitCompleted = true
			break
		}
		if err := s.restoreIfActiveMissing(name, rec); err != nil {
			return err
		}
	default:
		return wrapIO(err)
	}

	if err := os.Remove(s.markerPath(name)); err != nil && !os.IsNotExist(err) {
		return wrapIO(err)
	}
	return syncDir(s.moduleDir(name))
}

func (s *Store) restoreIfActiveMissing(name string, rec *Recovery) error {
	if s.Has(name, Active) || !s.Has(name, Backup) {
		return nil
	}
	glog.Warningf("staging: %s: active missing, promoting backup", name)
	if err := os.Rename(s.slotPath(name, Backup), s.slotPath(name, Active)); err != nil {
		return wrapIO(err)
	}
	rec.BackupRestored = true
	return nil
}

func (s *Store) writeMarker(name string, rec commitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding commit journal for %s: %v", name, err)
	}
	f, err := os.OpenFile(s.markerPath(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating commit journal for %s: %w", name, wrapIO(err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing commit journal for %s: %w", name, wrapIO(err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing commit journal for %s: %w", name, wrapIO(err))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing commit journal for %s: %w", name, wrapIO(err))
	}
	return syncDir(s.moduleDir(name))
}

func (s *Store) moduleDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) slotPath(name string, slot Slot) string {
	return filepath.Join(s.root, name, string(slot))
}

func (s *Store) markerPath(name string) string {
	return filepath.Join(s.root, name, markerFile)
}

// syncDir flushes directory metadata so renames and unlinks within dir are
// durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return wrapIO(err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dir, wrapIO(err))
	}
	return nil
}

func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrNoSpace, err)
	}
	return err
}
