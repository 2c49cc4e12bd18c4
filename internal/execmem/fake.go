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

package execmem

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Descriptor is the JSON artifact format understood by FakeEngine. It lays
// out the same interface table in fake linear memory that a real wasm
// artifact would, so loaders exercise the full ABI decode path against it.
type Descriptor struct {
	// Name and Version are what the module reports in its interface table.
	Name    string `json:"name"`
	Version string `json:"version"`
	// Functions lists the exported slot functions, in table order.
	Functions []string `json:"functions,omitempty"`
	// Results maps a slot function name to its return value.
	Results map[string]int64 `json:"results,omitempty"`
	// InitResult overrides module_initialize's return; nil means 1.
	InitResult *int64 `json:"init_result,omitempty"`
	// InitTrap makes module_initialize trap instead of returning.
	InitTrap bool `json:"init_trap,omitempty"`
	// UpdateTrap makes module_update trap on every call.
	UpdateTrap bool `json:"update_trap,omitempty"`
	// NoEntryExport hides the get_module_interface export, forcing the
	// loader's fall back to function 0.
	NoEntryExport bool `json:"no_entry_export,omitempty"`
	// NoUpdateExport and NoDeinitExport hide the optional lifecycle exports.
	NoUpdateExport bool `json:"no_update_export,omitempty"`
	NoDeinitExport bool `json:"no_deinit_export,omitempty"`
	// NoInitExport hides module_initialize, which no valid artifact may do.
	NoInitExport bool `json:"no_init_export,omitempty"`
	// BadTablePtr makes the entry point return an out-of-range pointer.
	BadTablePtr bool `json:"bad_table_ptr,omitempty"`
	// Huge makes instantiation fail with ErrNoMemory.
	Huge bool `json:"huge,omitempty"`
	// Salt only varies the artifact bytes, and thus the digest.
	Salt string `json:"salt,omitempty"`
}

// Bytes renders the descriptor as artifact bytes.
func (d Descriptor) Bytes() []byte {
	b, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	return b
}

// Fake function ids. 0 doubles as the entry point so that artifacts without
// the entry export behave like wasm binaries whose first function is it.
const (
	fakeEntryID = iota
	fakeInitID
	fakeDeinitID
	fakeUpdateID
	fakeSlotBase
)

const fakeMemSize = 64 * 1024

// Fake linear memory offsets for the interface table and its strings.
const (
	fakeTableOff   = 16
	fakeNameOff    = 256
	fakeVersionOff = 304
	fakeFnArrayOff = 352
	fakeFnNamesOff = 512
	fakeFnNameCell = 64
)

// FakeEngine is an in-process Engine for tests. Artifacts are Descriptor
// JSON instead of wasm; everything else, including the in-memory interface
// table the loader decodes, behaves like the VM engine.
type FakeEngine struct {
	// Regions collects every region ever instantiated, in order.
	Regions []*FakeRegion
}

// NewFakeEngine returns an empty fake engine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

// Region returns the most recently instantiated live region for owner, or
// nil if none.
func (e *FakeEngine) Region(owner string) *FakeRegion {
	for i := len(e.Regions) - 1; i >= 0; i-- {
		if r := e.Regions[i]; r.Owner == owner && !r.Released {
			return r
		}
	}
	return nil
}

// Instantiate parses code as a Descriptor and builds a region for it.
func (e *FakeEngine) Instantiate(owner string, code []byte) (Region, error) {
	var d Descriptor
	if err := json.Unmarshal(code, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if d.Name == "" || d.Version == "" {
		return nil, fmt.Errorf("%w: descriptor missing name or version", ErrInvalidArtifact)
	}
	if d.Huge {
		return nil, fmt.Errorf("%w: %d byte artifact refused", ErrNoMemory, len(code))
	}

	r := &FakeRegion{Owner: owner, Desc: d, size: len(code), mem: make([]byte, fakeMemSize)}
	r.exports = map[string]int{}
	if !d.NoEntryExport {
		r.exports["get_module_interface"] = fakeEntryID
	}
	if !d.NoInitExport {
		r.exports["module_initialize"] = fakeInitID
	}
	if !d.NoDeinitExport {
		r.exports["module_deinitialize"] = fakeDeinitID
	}
	if !d.NoUpdateExport {
		r.exports["module_update"] = fakeUpdateID
	}
	for i, fn := range d.Functions {
		r.exports[fn] = fakeSlotBase + i
	}

	put := binary.LittleEndian.PutUint32
	put(r.mem[fakeTableOff:], fakeNameOff)
	put(r.mem[fakeTableOff+4:], fakeVersionOff)
	put(r.mem[fakeTableOff+8:], uint32(len(d.Functions)))
	put(r.mem[fakeTableOff+12:], fakeFnArrayOff)
	copy(r.mem[fakeNameOff:], d.Name)
	copy(r.mem[fakeVersionOff:], d.Version)
	for i, fn := range d.Functions {
		off := fakeFnNamesOff + i*fakeFnNameCell
		put(r.mem[fakeFnArrayOff+4*i:], uint32(off))
		copy(r.mem[off:], fn)
	}

	e.Regions = append(e.Regions, r)
	return r, nil
}

// FakeRegion records every lifecycle interaction for assertions.
type FakeRegion struct {
	Owner string
	Desc  Descriptor

	InitCalls   int
	UpdateCalls int
	DeinitCalls int
	Released    bool
	// Invoked lists slot function calls as "name[args]".
	Invoked []string

	exports map[string]int
	mem     []byte
	size    int
}

func (r *FakeRegion) Entry(name string) (int, bool) {
	id, ok := r.exports[name]
	return id, ok
}

func (r *FakeRegion) Call(id int, args ...int64) (int64, error) {
	if r.Released {
		return 0, ErrReleased
	}
	switch id {
	case fakeEntryID:
		if r.Desc.BadTablePtr {
			return int64(len(r.mem)), nil
		}
		return fakeTableOff, nil
	case fakeInitID:
		r.InitCalls++
		if r.Desc.InitTrap {
			return 0, errors.New("module_initialize trapped")
		}
		if r.Desc.InitResult != nil {
			return *r.Desc.InitResult, nil
		}
		return 1, nil
	case fakeDeinitID:
		r.DeinitCalls++
		return 0, nil
	case fakeUpdateID:
		if r.Desc.UpdateTrap {
			return 0, errors.New("module_update trapped")
		}
		r.UpdateCalls++
		return 0, nil
	}
	idx := id - fakeSlotBase
	if idx < 0 || idx >= len(r.Desc.Functions) {
		return 0, fmt.Errorf("no function with id %d", id)
	}
	name := r.Desc.Functions[idx]
	r.Invoked = append(r.Invoked, fmt.Sprintf("%s%v", name, args))
	return r.Desc.Results[name], nil
}

func (r *FakeRegion) ReadWord(addr uint32) (uint32, error) {
	if r.Released {
		return 0, ErrReleased
	}
	if int64(addr)+4 > int64(len(r.mem)) {
		return 0, fmt.Errorf("word read at %#x outside %d byte memory", addr, len(r.mem))
	}
	return binary.LittleEndian.Uint32(r.mem[addr:]), nil
}

func (r *FakeRegion) ReadString(addr uint32, limit int) (string, error) {
	if r.Released {
		return "", ErrReleased
	}
	for i := 0; i < limit; i++ {
		p := int64(addr) + int64(i)
		if p >= int64(len(r.mem)) {
			return "", fmt.Errorf("string read at %#x outside %d byte memory", addr, len(r.mem))
		}
		if r.mem[p] == 0 {
			return string(r.mem[addr : int64(addr)+int64(i)]), nil
		}
	}
	return "", fmt.Errorf("string at %#x not terminated within %d bytes", addr, limit)
}

func (r *FakeRegion) Size() int {
	return r.size
}

func (r *FakeRegion) Release() {
	if r.Released {
		return
	}
	for i := range r.mem {
		r.mem[i] = 0
	}
	r.Released = true
}
