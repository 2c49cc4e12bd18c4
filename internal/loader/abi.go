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

package loader

import (
	"fmt"

	"github.com/edgefleet/modagent/api"
	"github.com/edgefleet/modagent/internal/execmem"
)

// Module artifacts expose a single well-known entry point returning a
// pointer to their interface table. The exports below are fixed names of
// the module ABI; only the entry point and module_initialize are mandatory.
const (
	// EntryExport returns the interface table pointer. Artifacts lacking
	// the export are entered at function 0 instead.
	EntryExport = "get_module_interface"
	// InitExport runs once after load; zero means the module refused to
	// come up.
	InitExport = "module_initialize"
	// DeinitExport runs as the last call before unload.
	DeinitExport = "module_deinitialize"
	// UpdateExport runs on every agent tick.
	UpdateExport = "module_update"
)

// MaxSlots bounds the per-module function table.
const MaxSlots = 16

// maxExportName bounds the slot name strings read out of module memory.
const maxExportName = 64

// moduleInterface is the decoded form of a module's interface table:
// 16 bytes of little-endian u32 at the pointer the entry point returns,
//
//	+0  name_ptr     NUL-terminated ASCII, at most 31 bytes
//	+4  version_ptr  NUL-terminated ASCII "MAJOR.MINOR.PATCH"
//	+8  fn_count     number of slot functions, at most MaxSlots
//	+12 fn_names_ptr array of fn_count u32, each a NUL-terminated export name
//
// Slot functions are called by index into this table, so its order is part
// of the module's contract with the host.
type moduleInterface struct {
	name    string
	version string
	slots   []string
}

// decodeInterface reads and checks the interface table at tablePtr.
func decodeInterface(r execmem.Region, tablePtr uint32) (moduleInterface, error) {
	var mi moduleInterface
	if tablePtr == 0 {
		return mi, fmt.Errorf("nil interface table pointer")
	}
	namePtr, err := r.ReadWord(tablePtr)
	if err != nil {
		return mi, fmt.Errorf("interface table: %v", err)
	}
	verPtr, err := r.ReadWord(tablePtr + 4)
	if err != nil {
		return mi, fmt.Errorf("interface table: %v", err)
	}
	fnCount, err := r.ReadWord(tablePtr + 8)
	if err != nil {
		return mi, fmt.Errorf("interface table: %v", err)
	}
	fnArrayPtr, err := r.ReadWord(tablePtr + 12)
	if err != nil {
		return mi, fmt.Errorf("interface table: %v", err)
	}

	if mi.name, err = r.ReadString(namePtr, api.MaxNameLen+1); err != nil {
		return mi, fmt.Errorf("module name: %v", err)
	}
	if err := api.CheckName(mi.name); err != nil {
		return mi, err
	}
	if mi.version, err = r.ReadString(verPtr, 32); err != nil {
		return mi, fmt.Errorf("module version: %v", err)
	}
	if fnCount > MaxSlots {
		return mi, fmt.Errorf("function table of %d exceeds %d slots", fnCount, MaxSlots)
	}
	for i := uint32(0); i < fnCount; i++ {
		p, err := r.ReadWord(fnArrayPtr + 4*i)
		if err != nil {
			return mi, fmt.Errorf("function table entry %d: %v", i, err)
		}
		s, err := r.ReadString(p, maxExportName)
		if err != nil {
			return mi, fmt.Errorf("function table entry %d: %v", i, err)
		}
		mi.slots = append(mi.slots, s)
	}
	return mi, nil
}
