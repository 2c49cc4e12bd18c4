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

// Package execmem provides the executable regions module artifacts run in.
//
// An artifact is a self-contained wasm32 binary whose only external symbols
// are the "env" imports defined by the hostapi table. Instantiating an
// artifact allocates a Region: a virtual machine instance plus its linear
// memory, owned by exactly one loaded module. Pointers handed across the
// boundary (the interface table, strings) are offsets into that linear
// memory.
package execmem

import "errors"

var (
	// ErrInvalidArtifact marks bytes that do not validate or instantiate
	// as a module.
	ErrInvalidArtifact = errors.New("execmem: invalid artifact")

	// ErrNoMemory marks an allocation that would exceed the engine's
	// executable memory budget.
	ErrNoMemory = errors.New("execmem: executable memory exhausted")

	// ErrReleased marks a call into a region after Release.
	ErrReleased = errors.New("execmem: region released")
)

// Engine instantiates artifacts into executable regions.
type Engine interface {
	// Instantiate validates code and maps it into a fresh region owned by
	// the module named owner. The owner name is bound into the host imports
	// so a module cannot impersonate another.
	Instantiate(owner string, code []byte) (Region, error)
}

// Region is one module's executable memory. A region is single-owner: the
// loader that instantiated it makes every call, and no call may follow
// Release.
type Region interface {
	// Entry resolves an exported function to an id usable with Call.
	Entry(name string) (id int, ok bool)

	// Call runs the function with the given id until it returns or traps.
	Call(id int, args ...int64) (int64, error)

	// ReadWord reads a little-endian u32 from linear memory.
	ReadWord(addr uint32) (uint32, error)

	// ReadString reads a NUL-terminated string starting at addr. It fails
	// if no NUL appears within limit bytes or the range is out of bounds.
	ReadString(addr uint32, limit int) (string, error)

	// Size is the artifact size in bytes, counted against the engine budget.
	Size() int

	// Release returns the region's budget to the engine and scrubs its
	// memory. The region is unusable afterwards.
	Release()
}
