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
	"fmt"

	"github.com/perlin-network/life/exec"

	"github.com/edgefleet/modagent/internal/hostapi"
)

// resolver binds the hostapi table into a module's "env" import space.
// Every import is total: bad pointers from the module produce error return
// codes, never a host-side panic.
//
// The wasm-level contract, all little-endian, pointers being offsets into
// the module's linear memory:
//
//	sys_log(level i32, ptr i32, len i32) -> i32        0, or -1 on bad range
//	sys_millis() -> i64
//	sys_sensor_read(id i32) -> i64                     milli-units, <0 unknown id
//	sys_vehicle_speed() -> i64                         milli-km/h
//	sys_vehicle_idle() -> i32                          0 or 1
//	sys_ignition_on() -> i32                           0 or 1
//	sys_data_save(kptr, klen, vptr, vlen i32) -> i32   0, or -1 on failure
//	sys_data_load(kptr, klen, dptr, dcap i32) -> i32   bytes written, -1 no data, -2 dcap too small
//	sys_module_version(nptr, nlen, dptr, dcap i32) -> i32  bytes written, -1 unknown module, -2 dcap too small
//	sys_device_id(dptr, dcap i32) -> i32               bytes written, -2 dcap too small
//
// and the global sys_abi_version = hostapi.ABIVersion.
type resolver struct {
	owner string
	table *hostapi.Table
}

func (r *resolver) ResolveFunc(module, field string) exec.FunctionImport {
	if module != "env" {
		panic(fmt.Errorf("unknown import module: %s", module))
	}
	t := r.table
	owner := r.owner
	switch field {
	case "sys_log":
		return func(vm *exec.VirtualMachine) int64 {
			locals := vm.GetCurrentFrame().Locals
			msg, ok := memSlice(vm, locals[1], locals[2])
			if !ok {
				return -1
			}
			t.Log(owner, int32(locals[0]), string(msg))
			return 0
		}
	case "sys_millis":
		return func(vm *exec.VirtualMachine) int64 {
			return t.Millis()
		}
	case "sys_sensor_read":
		return func(vm *exec.VirtualMachine) int64 {
			return t.SensorRead(int32(vm.GetCurrentFrame().Locals[0]))
		}
	case "sys_vehicle_speed":
		return func(vm *exec.VirtualMachine) int64 {
			return t.VehicleSpeed()
		}
	case "sys_vehicle_idle":
		return func(vm *exec.VirtualMachine) int64 {
			return boolWord(t.VehicleIdle())
		}
	case "sys_ignition_on":
		return func(vm *exec.VirtualMachine) int64 {
			return boolWord(t.IgnitionOn())
		}
	case "sys_data_save":
		return func(vm *exec.VirtualMachine) int64 {
			locals := vm.GetCurrentFrame().Locals
			key, ok := memSlice(vm, locals[0], locals[1])
			if !ok {
				return -1
			}
			val, ok := memSlice(vm, locals[2], locals[3])
			if !ok {
				return -1
			}
			// The store keeps the value after this call returns, so the
			// module's memory must not alias it.
			copied := append([]byte(nil), val...)
			if err := t.DataSave(owner, string(key), copied); err != nil {
				return -1
			}
			return 0
		}
	case "sys_data_load":
		return func(vm *exec.VirtualMachine) int64 {
			locals := vm.GetCurrentFrame().Locals
			key, ok := memSlice(vm, locals[0], locals[1])
			if !ok {
				return -2
			}
			val, err := t.DataLoad(owner, string(key))
			if err != nil {
				return -1
			}
			return writeResult(vm, locals[2], locals[3], val)
		}
	case "sys_module_version":
		return func(vm *exec.VirtualMachine) int64 {
			locals := vm.GetCurrentFrame().Locals
			name, ok := memSlice(vm, locals[0], locals[1])
			if !ok {
				return -2
			}
			v, ok := t.ModuleVersion(string(name))
			if !ok {
				return -1
			}
			return writeResult(vm, locals[2], locals[3], []byte(v))
		}
	case "sys_device_id":
		return func(vm *exec.VirtualMachine) int64 {
			locals := vm.GetCurrentFrame().Locals
			return writeResult(vm, locals[0], locals[1], []byte(t.DeviceID()))
		}
	default:
		panic(fmt.Errorf("unknown import: env.%s", field))
	}
}

func (r *resolver) ResolveGlobal(module, field string) int64 {
	if module == "env" && field == "sys_abi_version" {
		return hostapi.ABIVersion
	}
	panic(fmt.Errorf("unknown global import: %s.%s", module, field))
}

// memSlice bounds-checks a (ptr, len) pair from module locals against the
// VM's linear memory.
func memSlice(vm *exec.VirtualMachine, ptr, n int64) ([]byte, bool) {
	p := int64(uint32(ptr))
	l := int64(uint32(n))
	if p+l > int64(len(vm.Memory)) {
		return nil, false
	}
	return vm.Memory[p : p+l], true
}

// writeResult copies data into the module-provided buffer at (dptr, dcap),
// returning the byte count, or -2 when the buffer cannot hold it.
func writeResult(vm *exec.VirtualMachine, dptr, dcap int64, data []byte) int64 {
	if int64(len(data)) > int64(uint32(dcap)) {
		return -2
	}
	dst, ok := memSlice(vm, dptr, int64(len(data)))
	if !ok {
		return -2
	}
	copy(dst, data)
	return int64(len(data))
}

func boolWord(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
