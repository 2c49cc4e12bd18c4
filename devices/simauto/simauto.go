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

// Package simauto simulates the vehicle around a modagent instance: wheel
// speed, a distance sensor, a cabin thermometer and the three dashboard
// LEDs. The simulation is a fixed 120 second drive cycle, so a given tick
// time always produces the same readings.
package simauto

import (
	"math"
	"time"

	"github.com/golang/glog"

	"github.com/edgefleet/modagent/api"
)

// Sensor ids understood by SensorRead.
const (
	SensorDistance    int32 = 1
	SensorTemperature int32 = 2
)

// The drive cycle: pull away, cruise, brake to a stop, then sit parked
// until the cycle wraps. Updates are only safe while parked.
const (
	cyclePeriod = 120 * time.Second
	accelEnd    = 10 * time.Second
	cruiseEnd   = 80 * time.Second
	driveEnd    = 90 * time.Second

	cruiseSpeed = 65_000 // milli-km/h
)

type leds struct {
	yellow, green, red bool
}

// Vehicle is a deterministic stand-in for the CAN/GPIO surface of a real
// car. Tick must be called with the same monotone clock the orchestrator
// sees; all reads return the state as of the last Tick.
type Vehicle struct {
	start time.Time
	now   time.Time

	speed       int64 // milli-km/h
	idle        bool
	distance    int64 // millimetres
	temperature int64 // milli-degrees Celsius

	display leds
}

// New returns a Vehicle whose drive cycle starts at start.
func New(start time.Time) *Vehicle {
	v := &Vehicle{start: start}
	v.Tick(start)
	return v
}

// Tick advances the simulation to now.
func (v *Vehicle) Tick(now time.Time) {
	v.now = now
	elapsed := now.Sub(v.start)
	phase := elapsed % cyclePeriod

	switch {
	case phase < accelEnd:
		v.speed = cruiseSpeed * int64(phase) / int64(accelEnd)
	case phase < cruiseEnd:
		v.speed = cruiseSpeed
	case phase < driveEnd:
		v.speed = cruiseSpeed * int64(driveEnd-phase) / int64(driveEnd-cruiseEnd)
	default:
		v.speed = 0
	}
	// Parked after the braking segment; a standstill mid-drive (phase 0)
	// still has driver demand and is not idle.
	v.idle = phase >= driveEnd

	t := elapsed.Seconds()
	v.distance = 500 + int64(100*math.Sin(t/5))
	v.temperature = 25_000 + int64(5_000*math.Cos(t/8))
}

// SafeWindow reports whether the vehicle is parked and updates may run.
func (v *Vehicle) SafeWindow() bool {
	return v.idle
}

// SetStatus renders the agent status onto the dashboard LEDs.
func (v *Vehicle) SetStatus(s api.Status) {
	d := displayFor(s)
	if d == v.display {
		return
	}
	v.display = d
	glog.Infof("Dashboard: yellow=%s green=%s red=%s (%s)", onOff(d.yellow), onOff(d.green), onOff(d.red), s)
}

// Event surfaces an update event to the driver.
func (v *Vehicle) Event(e api.Event) {
	glog.Infof("Driver notice: %s", e)
}

// Millis returns milliseconds since the drive cycle started.
func (v *Vehicle) Millis() int64 {
	return v.now.Sub(v.start).Milliseconds()
}

// SensorRead samples a simulated sensor in milli-units. Unknown ids
// read as -1.
func (v *Vehicle) SensorRead(id int32) int64 {
	switch id {
	case SensorDistance:
		return v.distance
	case SensorTemperature:
		return v.temperature
	}
	return -1
}

// Speed returns the current wheel speed in milli-km/h.
func (v *Vehicle) Speed() int64 {
	return v.speed
}

// Idle reports whether the vehicle is parked with no driver demand.
func (v *Vehicle) Idle() bool {
	return v.idle
}

// Ignition reports whether the ignition circuit is live. The simulated
// circuit is always on.
func (v *Vehicle) Ignition() bool {
	return true
}

// LEDs returns the current dashboard rendering.
func (v *Vehicle) LEDs() (yellow, green, red bool) {
	return v.display.yellow, v.display.green, v.display.red
}

func displayFor(s api.Status) leds {
	switch s {
	case api.StatusUpdateAvailable:
		return leds{yellow: true}
	case api.StatusSuccess:
		return leds{green: true}
	case api.StatusFailure, api.StatusError:
		return leds{red: true}
	default:
		return leds{}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
