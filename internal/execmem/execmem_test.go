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
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/edgefleet/modagent/internal/hostapi"
)

func hostTable() *hostapi.Table {
	return &hostapi.Table{
		Log:           func(string, int32, string) {},
		Millis:        func() int64 { return 0 },
		SensorRead:    func(int32) int64 { return 0 },
		VehicleSpeed:  func() int64 { return 0 },
		VehicleIdle:   func() bool { return true },
		IgnitionOn:    func() bool { return true },
		DataSave:      func(string, string, []byte) error { return nil },
		DataLoad:      func(string, string) ([]byte, error) { return nil, hostapi.ErrNoData },
		ModuleVersion: func(string) (string, bool) { return "", false },
		DeviceID:      func() string { return "test" },
	}
}

func TestNewVMEngine(t *testing.T) {
	if _, err := NewVMEngine(hostTable(), 0); err != nil {
		t.Errorf("NewVMEngine(complete table) = %v, want nil", err)
	}

	partial := hostTable()
	partial.DataLoad = nil
	_, err := NewVMEngine(partial, 0)
	if err == nil {
		t.Fatal("NewVMEngine(partial table) = nil, want error")
	}
	if !strings.Contains(err.Error(), "DataLoad") {
		t.Errorf("NewVMEngine(partial table) = %v, want mention of DataLoad", err)
	}
}

func TestVMEngineRefusesOverBudget(t *testing.T) {
	e, err := NewVMEngine(hostTable(), 8)
	if err != nil {
		t.Fatalf("NewVMEngine: %v", err)
	}
	if _, err := e.Instantiate("m", make([]byte, 16)); !errors.Is(err, ErrNoMemory) {
		t.Errorf("Instantiate(16 bytes into 8 byte budget) = %v, want ErrNoMemory", err)
	}
}

func TestVMEngineRefusesGarbage(t *testing.T) {
	e, err := NewVMEngine(hostTable(), 0)
	if err != nil {
		t.Fatalf("NewVMEngine: %v", err)
	}
	if _, err := e.Instantiate("m", []byte("not wasm")); !errors.Is(err, ErrInvalidArtifact) {
		t.Errorf("Instantiate(garbage) = %v, want ErrInvalidArtifact", err)
	}
}

// TestFakeTableLayout walks the interface table of a fake region the way a
// loader does: entry point, pointer words, NUL-terminated strings. The fake
// must present the same wire as a real artifact or it proves nothing.
func TestFakeTableLayout(t *testing.T) {
	d := Descriptor{
		Name:      "speed_governor",
		Version:   "2.1.0",
		Functions: []string{"get_speed_limit", "set_speed_limit_override"},
		Results:   map[string]int64{"get_speed_limit": 40},
	}
	r, err := NewFakeEngine().Instantiate("speed_governor", d.Bytes())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	id, ok := r.Entry("get_module_interface")
	if !ok {
		t.Fatal("no get_module_interface export")
	}
	ret, err := r.Call(id)
	if err != nil {
		t.Fatalf("entry call: %v", err)
	}
	table := uint32(ret)

	word := func(addr uint32) uint32 {
		t.Helper()
		w, err := r.ReadWord(addr)
		if err != nil {
			t.Fatalf("ReadWord(%#x): %v", addr, err)
		}
		return w
	}
	str := func(addr uint32) string {
		t.Helper()
		s, err := r.ReadString(addr, 64)
		if err != nil {
			t.Fatalf("ReadString(%#x): %v", addr, err)
		}
		return s
	}

	if got := str(word(table)); got != d.Name {
		t.Errorf("table name = %q, want %q", got, d.Name)
	}
	if got := str(word(table + 4)); got != d.Version {
		t.Errorf("table version = %q, want %q", got, d.Version)
	}
	count := word(table + 8)
	if int(count) != len(d.Functions) {
		t.Fatalf("table function count = %d, want %d", count, len(d.Functions))
	}
	fnArray := word(table + 12)
	var names []string
	for i := uint32(0); i < count; i++ {
		names = append(names, str(word(fnArray+4*i)))
	}
	if diff := cmp.Diff(d.Functions, names); diff != "" {
		t.Errorf("function names diff (-want +got):\n%s", diff)
	}
}

func TestFakeRegionBounds(t *testing.T) {
	r, err := NewFakeEngine().Instantiate("sg", Descriptor{Name: "sg", Version: "1.0.0"}.Bytes())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if _, err := r.ReadWord(fakeMemSize - 2); err == nil {
		t.Error("ReadWord past memory end = nil, want error")
	}
	if _, err := r.ReadString(fakeMemSize+10, 4); err == nil {
		t.Error("ReadString outside memory = nil, want error")
	}
	// The name's NUL falls outside the limit.
	if _, err := r.ReadString(fakeNameOff, 2); err == nil {
		t.Error("ReadString with tiny limit = nil, want unterminated error")
	}
}

func TestFakeRegionRelease(t *testing.T) {
	eng := NewFakeEngine()
	r, err := eng.Instantiate("sg", Descriptor{Name: "sg", Version: "1.0.0"}.Bytes())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	id, _ := r.Entry("module_initialize")

	r.Release()
	r.Release() // idempotent

	if _, err := r.Call(id); !errors.Is(err, ErrReleased) {
		t.Errorf("Call after Release = %v, want ErrReleased", err)
	}
	if _, err := r.ReadWord(fakeTableOff); !errors.Is(err, ErrReleased) {
		t.Errorf("ReadWord after Release = %v, want ErrReleased", err)
	}
	if _, err := r.ReadString(fakeNameOff, 8); !errors.Is(err, ErrReleased) {
		t.Errorf("ReadString after Release = %v, want ErrReleased", err)
	}
	if eng.Region("sg") != nil {
		t.Error("Region() returned a released region")
	}
}
