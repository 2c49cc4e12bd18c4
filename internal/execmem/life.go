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
	"fmt"

	"github.com/perlin-network/life/exec"
	wasm_validation "github.com/perlin-network/life/wasm-validation"

	"github.com/edgefleet/modagent/internal/hostapi"
)

// VMEngine instantiates artifacts as WebAssembly modules in the Life
// interpreter. It meters live artifact bytes against a budget, standing in
// for the fixed executable memory of the target device.
//
// A VMEngine and the regions it produces belong to the agent goroutine;
// nothing here is safe for concurrent use.
type VMEngine struct {
	table     *hostapi.Table
	maxBytes  int
	usedBytes int
}

// NewVMEngine returns an engine exposing the given host table to modules.
// maxBytes caps the total size of live artifacts; zero or negative means
// no cap.
func NewVMEngine(table *hostapi.Table, maxBytes int) (*VMEngine, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &VMEngine{table: table, maxBytes: maxBytes}, nil
}

// Instantiate validates code as wasm and boots a VM for it. The module's
// start function, if declared, runs here; the module interface entry point
// is the loader's business.
func (e *VMEngine) Instantiate(owner string, code []byte) (rg Region, err error) {
	if e.maxBytes > 0 && e.usedBytes+len(code) > e.maxBytes {
		return nil, fmt.Errorf("%w: %d byte artifact with %d of %d in use", ErrNoMemory, len(code), e.usedBytes, e.maxBytes)
	}
	if err := wasm_validation.ValidateWasm(code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	// Life resolves imports while instantiating and panics on an unknown
	// one, so an artifact built against a different host surfaces here.
	defer func() {
		if r := recover(); r != nil {
			rg, err = nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, r)
		}
	}()

	vm, err := exec.NewVirtualMachine(code, exec.VMConfig{
		DefaultMemoryPages:   128,
		DefaultTableSize:     65536,
		DisableFloatingPoint: false,
	}, &resolver{owner: owner, table: e.table}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	if vm.Module.Base.Start != nil {
		if _, err := vm.Run(int(vm.Module.Base.Start.Index)); err != nil {
			return nil, fmt.Errorf("%w: start function: %v", ErrInvalidArtifact, err)
		}
	}

	e.usedBytes += len(code)
	return &vmRegion{eng: e, vm: vm, size: len(code)}, nil
}

type vmRegion struct {
	eng  *VMEngine
	vm   *exec.VirtualMachine
	size int
}

func (r *vmRegion) Entry(name string) (int, bool) {
	if r.vm == nil {
		return 0, false
	}
	return r.vm.GetFunctionExport(name)
}

func (r *vmRegion) Call(id int, args ...int64) (int64, error) {
	if r.vm == nil {
		return 0, ErrReleased
	}
	ret, err := r.vm.Run(id, args...)
	if err != nil {
		return 0, fmt.Errorf("function %d trapped: %v", id, err)
	}
	return ret, nil
}

func (r *vmRegion) ReadWord(addr uint32) (uint32, error) {
	if r.vm == nil {
		return 0, ErrReleased
	}
	if int64(addr)+4 > int64(len(r.vm.Memory)) {
		return 0, fmt.Errorf("word read at %#x outside %d byte memory", addr, len(r.vm.Memory))
	}
	return binary.LittleEndian.Uint32(r.vm.Memory[addr:]), nil
}

func (r *vmRegion) ReadString(addr uint32, limit int) (string, error) {
	if r.vm == nil {
		return "", ErrReleased
	}
	mem := r.vm.Memory
	for i := 0; i < limit; i++ {
		p := int64(addr) + int64(i)
		if p >= int64(len(mem)) {
			return "", fmt.Errorf("string read at %#x outside %d byte memory", addr, len(mem))
		}
		if mem[p] == 0 {
			return string(mem[addr : int64(addr)+int64(i)]), nil
		}
	}
	return "", fmt.Errorf("string at %#x not terminated within %d bytes", addr, limit)
}

func (r *vmRegion) Size() int {
	return r.size
}

// Release scrubs the VM's linear memory and returns the artifact bytes to
// the engine budget.
func (r *vmRegion) Release() {
	if r.vm == nil {
		return
	}
	for i := range r.vm.Memory {
		r.vm.Memory[i] = 0
	}
	r.eng.usedBytes -= r.size
	r.vm = nil
}
