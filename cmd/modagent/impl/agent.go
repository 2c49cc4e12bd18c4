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

// Package impl wires the agent's components together and runs its main loop.
package impl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/edgefleet/modagent/devices/simauto"
	"github.com/edgefleet/modagent/internal/catalog"
	"github.com/edgefleet/modagent/internal/execmem"
	"github.com/edgefleet/modagent/internal/hostapi"
	"github.com/edgefleet/modagent/internal/kvstore"
	"github.com/edgefleet/modagent/internal/loader"
	"github.com/edgefleet/modagent/internal/staging"
	"github.com/edgefleet/modagent/internal/tracker"
	"github.com/edgefleet/modagent/internal/update"
	"github.com/edgefleet/modagent/internal/verify"

	_ "github.com/mattn/go-sqlite3" // Load drivers for sqlite3
)

// AgentOpts encapsulates the agent's configuration.
type AgentOpts struct {
	CatalogURL   string
	CatalogToken string
	DeviceID     string
	StateDir     string
	DataDB       string

	CheckInterval   time.Duration
	ManifestTimeout time.Duration
	ArtifactTimeout time.Duration
	MaxArtifactSize int
	MaxModules      int
	ExecMemory      int

	SignatureRequired bool
	SigningPublicKey  string

	PostCommitGrace time.Duration
	FailureDisplay  time.Duration
	DownloadRetries int
	CancelThreshold time.Duration
	CriticalBypass  bool

	TickInterval time.Duration
}

// Main assembles the agent and ticks it until ctx is done.
func Main(ctx context.Context, opts AgentOpts) error {
	if opts.CatalogURL == "" {
		return errors.New("catalog_url is required")
	}
	if opts.CatalogToken == "" {
		return errors.New("catalog_token is required")
	}
	if opts.DeviceID == "" {
		return errors.New("device_id is required")
	}
	base, err := url.Parse(opts.CatalogURL)
	if err != nil {
		return fmt.Errorf("catalog_url is invalid: %w", err)
	}

	var pubPEM string
	if opts.SigningPublicKey != "" {
		pem, err := os.ReadFile(opts.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("reading signing public key: %w", err)
		}
		pubPEM = string(pem)
	}
	verifier, err := verify.New(opts.MaxArtifactSize, opts.SignatureRequired, pubPEM)
	if err != nil {
		return fmt.Errorf("configuring verification: %w", err)
	}

	store, err := staging.New(opts.StateDir)
	if err != nil {
		return fmt.Errorf("opening staging store in %q: %w", opts.StateDir, err)
	}

	dbPath := opts.DataDB
	if dbPath == "" {
		dbPath = filepath.Join(opts.StateDir, "module_data.db")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("opening module data database %q: %w", dbPath, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			glog.Warningf("Closing module data database: %v", err)
		}
	}()
	kv, err := kvstore.NewStore(db)
	if err != nil {
		return fmt.Errorf("initializing module data database: %w", err)
	}

	trk := tracker.New()
	vehicle := simauto.New(time.Now())

	table := &hostapi.Table{
		Log:          moduleLog,
		Millis:       vehicle.Millis,
		SensorRead:   vehicle.SensorRead,
		VehicleSpeed: vehicle.Speed,
		VehicleIdle:  vehicle.Idle,
		IgnitionOn:   vehicle.Ignition,
		DataSave:     kv.Save,
		DataLoad: func(owner, key string) ([]byte, error) {
			data, err := kv.Load(owner, key)
			if errors.Is(err, kvstore.ErrNotFound) {
				return nil, hostapi.ErrNoData
			}
			return data, err
		},
		ModuleVersion: func(name string) (string, bool) {
			v, ok := trk.Get(name)
			if !ok {
				return "", false
			}
			return v.String(), true
		},
		DeviceID: func() string { return opts.DeviceID },
	}
	engine, err := execmem.NewVMEngine(table, opts.ExecMemory)
	if err != nil {
		return fmt.Errorf("creating execution engine: %w", err)
	}

	orch, err := update.New(update.Config{
		CheckInterval:   opts.CheckInterval,
		DownloadRetries: opts.DownloadRetries,
		CancelThreshold: opts.CancelThreshold,
		PostCommitGrace: opts.PostCommitGrace,
		FailureDisplay:  opts.FailureDisplay,
		CriticalBypass:  opts.CriticalBypass,
	}, update.Deps{
		Catalog: &catalog.Client{
			BaseURL:         base,
			Token:           opts.CatalogToken,
			ManifestTimeout: opts.ManifestTimeout,
			ArtifactTimeout: opts.ArtifactTimeout,
			MaxArtifactSize: opts.MaxArtifactSize,
		},
		Store:   store,
		Verify:  verifier,
		Loader:  loader.New(engine, opts.MaxModules),
		Tracker: trk,
		Host:    vehicle,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	tick := opts.TickInterval
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}

	glog.Infof("modagent %s starting: catalog %s, state in %s", opts.DeviceID, base, opts.StateDir)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			glog.Infof("modagent %s stopping", opts.DeviceID)
			return nil
		case now := <-ticker.C:
			vehicle.Tick(now)
			orch.Tick(now)
		}
	}
}

// moduleLog routes a module's sys_log line into the agent's log, tagged
// with the calling module's name.
func moduleLog(owner string, level int32, msg string) {
	switch level {
	case hostapi.LevelError:
		glog.Errorf("[%s] %s", owner, msg)
	case hostapi.LevelWarn:
		glog.Warningf("[%s] %s", owner, msg)
	case hostapi.LevelDebug:
		glog.V(1).Infof("[%s] %s", owner, msg)
	default:
		glog.Infof("[%s] %s", owner, msg)
	}
}
