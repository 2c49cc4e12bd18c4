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

// Package loader owns the registry of loaded modules and the lifecycle of
// their executable regions: instantiate, decode the interface table, run
// the initialize hook, dispatch ticks and slot calls, and tear down.
package loader

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/edgefleet/modagent/api"
	"github.com/edgefleet/modagent/internal/execmem"
)

var (
	// ErrAlreadyLoaded is returned by Load when the name is taken.
	ErrAlreadyLoaded = errors.New("module already loaded")
	// ErrCapacityExceeded is returned by Load when the registry is full.
	ErrCapacityExceeded = errors.New("module capacity exceeded")
	// ErrMemory is returned by Load when executable memory runs out.
	ErrMemory = errors.New("executable memory exhausted")
	// ErrInvalidArtifact is returned by Load for bytes that do not carry a
	// well-formed module.
	ErrInvalidArtifact = errors.New("invalid artifact")
	// ErrInitFailed is returned by Load when module_initialize traps or
	// returns zero.
	ErrInitFailed = errors.New("module initialize failed")
	// ErrNotFound is returned for operations on a name that is not loaded.
	ErrNotFound = errors.New("module not loaded")
)

// LoadedModule is a live module: its identity as reported by the artifact,
// and the resolved ids of its hooks and slot functions. The ids are
// resolved once at load; calls after that never consult export names again.
type LoadedModule struct {
	Name     string
	Version  api.Version
	Slots    []string
	LoadedAt time.Time

	region execmem.Region
	init   int
	deinit int // -1 when the artifact has no deinitialize export
	update int // -1 when the artifact has no update export
	slots  []int
}

// Loader loads module artifacts into executable regions and keeps the
// at-most-one-per-name registry. It is single-goroutine, like the rest of
// the agent core.
type Loader struct {
	engine     execmem.Engine
	maxModules int
	modules    map[string]*LoadedModule
}

// New returns a Loader backed by the given engine, holding at most
// maxModules concurrently loaded modules.
func New(engine execmem.Engine, maxModules int) *Loader {
	return &Loader{
		engine:     engine,
		maxModules: maxModules,
		modules:    map[string]*LoadedModule{},
	}
}

// Load instantiates code under the given name, decodes its interface table
// and runs its initialize hook. The artifact must report the same name it
// is being loaded under. On any failure the region is released and nothing
// is registered.
func (l *Loader) Load(name string, code []byte, now time.Time) (*LoadedModule, error) {
	if err := api.CheckName(name); err != nil {
		return nil, err
	}
	if _, ok := l.modules[name]; ok {
		return nil, fmt.Errorf("module %q: %w", name, ErrAlreadyLoaded)
	}
	if len(l.modules) >= l.maxModules {
		return nil, fmt.Errorf("module %q: %d of %d loaded: %w", name, len(l.modules), l.maxModules, ErrCapacityExceeded)
	}

	region, err := l.engine.Instantiate(name, code)
	if err != nil {
		switch {
		case errors.Is(err, execmem.ErrNoMemory):
			return nil, fmt.Errorf("module %q: %v: %w", name, err, ErrMemory)
		default:
			return nil, fmt.Errorf("module %q: %v: %w", name, err, ErrInvalidArtifact)
		}
	}

	m, err := l.bringUp(name, region)
	if err != nil {
		region.Release()
		return nil, err
	}
	m.LoadedAt = now
	l.modules[name] = m
	glog.Infof("Loaded module %q version %s with %d slot functions", m.Name, m.Version, len(m.Slots))
	return m, nil
}

// bringUp decodes the interface table and runs initialize on a fresh
// region. The caller releases the region if this fails.
func (l *Loader) bringUp(name string, region execmem.Region) (*LoadedModule, error) {
	entryID, ok := region.Entry(EntryExport)
	if !ok {
		// The entry point convention for artifacts without the named
		// export is their first function.
		glog.V(1).Infof("Module %q has no %s export, entering at function 0", name, EntryExport)
		entryID = 0
	}
	ptr, err := region.Call(entryID)
	if err != nil {
		return nil, fmt.Errorf("module %q: entry point: %v: %w", name, err, ErrInvalidArtifact)
	}
	mi, err := decodeInterface(region, uint32(ptr))
	if err != nil {
		return nil, fmt.Errorf("module %q: %v: %w", name, err, ErrInvalidArtifact)
	}
	if mi.name != name {
		return nil, fmt.Errorf("module %q: artifact reports name %q: %w", name, mi.name, ErrInvalidArtifact)
	}
	version, err := api.ParseVersion(mi.version)
	if err != nil {
		return nil, fmt.Errorf("module %q: reported version: %v: %w", name, err, ErrInvalidArtifact)
	}

	m := &LoadedModule{
		Name:    mi.name,
		Version: version,
		Slots:   mi.slots,
		region:  region,
		deinit:  -1,
		update:  -1,
	}
	if m.init, ok = region.Entry(InitExport); !ok {
		return nil, fmt.Errorf("module %q: no %s export: %w", name, InitExport, ErrInvalidArtifact)
	}
	if id, ok := region.Entry(DeinitExport); ok {
		m.deinit = id
	}
	if id, ok := region.Entry(UpdateExport); ok {
		m.update = id
	}
	for _, slot := range mi.slots {
		id, ok := region.Entry(slot)
		if !ok {
			return nil, fmt.Errorf("module %q: function table names unexported %q: %w", name, slot, ErrInvalidArtifact)
		}
		m.slots = append(m.slots, id)
	}

	ret, err := region.Call(m.init)
	if err != nil {
		return nil, fmt.Errorf("module %q: %v: %w", name, err, ErrInitFailed)
	}
	if ret == 0 {
		return nil, fmt.Errorf("module %q: initialize returned false: %w", name, ErrInitFailed)
	}
	return m, nil
}

// Unload runs the module's deinitialize hook, releases its region and
// drops it from the registry. The deinitialize call is the last call into
// that region.
func (l *Loader) Unload(name string) error {
	m, ok := l.modules[name]
	if !ok {
		return fmt.Errorf("module %q: %w", name, ErrNotFound)
	}
	if m.deinit >= 0 {
		if _, err := m.region.Call(m.deinit); err != nil {
			glog.Warningf("Module %q deinitialize: %v", name, err)
		}
	}
	m.region.Release()
	delete(l.modules, name)
	glog.Infof("Unloaded module %q version %s", m.Name, m.Version)
	return nil
}

// Reload replaces the module under name with the given artifact. A module
// that is not currently loaded is simply loaded.
func (l *Loader) Reload(name string, code []byte, now time.Time) (*LoadedModule, error) {
	if _, ok := l.modules[name]; ok {
		if err := l.Unload(name); err != nil {
			return nil, err
		}
	}
	return l.Load(name, code, now)
}

// Tick runs every loaded module's update hook, in name order. A trapping
// hook is logged and does not stop the sweep or unload the module; the
// next successful update replaces it.
func (l *Loader) Tick() {
	for _, name := range l.names() {
		m := l.modules[name]
		if m.update < 0 {
			continue
		}
		if _, err := m.region.Call(m.update); err != nil {
			glog.Errorf("Module %q update hook: %v", name, err)
		}
	}
}

// Call dispatches a slot function by index in the module's interface table.
func (l *Loader) Call(name string, slot int, args ...int64) (int64, error) {
	m, ok := l.modules[name]
	if !ok {
		return 0, fmt.Errorf("module %q: %w", name, ErrNotFound)
	}
	if slot < 0 || slot >= len(m.slots) {
		return 0, fmt.Errorf("module %q has no slot %d (table has %d)", name, slot, len(m.slots))
	}
	return m.region.Call(m.slots[slot], args...)
}

// Get returns the loaded module with the given name.
func (l *Loader) Get(name string) (*LoadedModule, bool) {
	m, ok := l.modules[name]
	return m, ok
}

// Len returns the number of loaded modules.
func (l *Loader) Len() int {
	return len(l.modules)
}

// List returns the loaded modules in name order.
func (l *Loader) List() []*LoadedModule {
	out := make([]*LoadedModule, 0, len(l.modules))
	for _, name := range l.names() {
		out = append(out, l.modules[name])
	}
	return out
}

func (l *Loader) names() []string {
	names := make([]string, 0, len(l.modules))
	for name := range l.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
