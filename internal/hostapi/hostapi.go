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

// Package hostapi defines the system call table the host exposes to loaded
// modules. Modules are compiled independently of the agent, so this table is
// a frozen ABI: functions are only ever appended, never reordered or changed
// in signature, and ABIVersion is bumped on every append.
package hostapi

import (
	"errors"
	"fmt"
)

// ABIVersion is exported to modules as the global "env.sys_abi_version".
const ABIVersion = 1

// Log levels accepted by Table.Log.
const (
	LevelDebug int32 = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ErrNoData is returned by DataLoad when no value is stored under the key.
var ErrNoData = errors.New("hostapi: no data for key")

// Table is the set of host functions a module may call. It is populated
// once during process start and must not be mutated afterwards: modules
// call through it re-entrantly from their update hooks.
//
// The owner argument, where present, is the name of the calling module; the
// execution engine fills it in, a module cannot impersonate another.
type Table struct {
	// Log writes one diagnostic line on behalf of a module.
	Log func(owner string, level int32, msg string)

	// Millis returns milliseconds since an arbitrary host epoch. Monotone.
	Millis func() int64

	// SensorRead samples the sensor with the given id in milli-units
	// (e.g. millimetres, milli-degrees). Unknown ids return a negative value.
	SensorRead func(id int32) int64

	// VehicleSpeed returns the current speed in milli-km/h.
	VehicleSpeed func() int64

	// VehicleIdle reports whether the vehicle is stationary with no pending
	// driver demand.
	VehicleIdle func() bool

	// IgnitionOn reports whether the ignition circuit is live.
	IgnitionOn func() bool

	// DataSave persists a small value under (owner, key). Values survive
	// module reloads and agent restarts.
	DataSave func(owner, key string, value []byte) error

	// DataLoad retrieves a value stored by DataSave. Returns ErrNoData when
	// the key has never been written.
	DataLoad func(owner, key string) ([]byte, error)

	// ModuleVersion reports the tracked version of a loaded module by name;
	// ok is false when the module is not installed.
	ModuleVersion func(name string) (version string, ok bool)

	// DeviceID returns the stable identifier of this device.
	DeviceID func() string
}

// Validate reports the first nil entry in the table. Every function is
// mandatory; a partially wired table would trap modules at run time instead
// of failing at start.
func (t *Table) Validate() error {
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"Log", t.Log != nil},
		{"Millis", t.Millis != nil},
		{"SensorRead", t.SensorRead != nil},
		{"VehicleSpeed", t.VehicleSpeed != nil},
		{"VehicleIdle", t.VehicleIdle != nil},
		{"IgnitionOn", t.IgnitionOn != nil},
		{"DataSave", t.DataSave != nil},
		{"DataLoad", t.DataLoad != nil},
		{"ModuleVersion", t.ModuleVersion != nil},
		{"DeviceID", t.DeviceID != nil},
	} {
		if !f.ok {
			return fmt.Errorf("hostapi: table entry %s is nil", f.name)
		}
	}
	return nil
}
