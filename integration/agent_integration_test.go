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

// Package integration exercises the full release pipeline: modpublish
// stages releases into a catalog directory, catalogd serves it, and an
// agent assembled from real components installs and upgrades modules.
package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/edgefleet/modagent/api"
	catalogd "github.com/edgefleet/modagent/cmd/catalogd/impl"
	publisher "github.com/edgefleet/modagent/cmd/modpublish/impl"
	"github.com/edgefleet/modagent/internal/catalog"
	"github.com/edgefleet/modagent/internal/execmem"
	"github.com/edgefleet/modagent/internal/loader"
	"github.com/edgefleet/modagent/internal/staging"
	"github.com/edgefleet/modagent/internal/tracker"
	"github.com/edgefleet/modagent/internal/update"
	"github.com/edgefleet/modagent/internal/verify"
)

const bearerToken = "integration-test-token"

// benchHost is the test bench's stand-in for the vehicle.
type benchHost struct {
	safe     bool
	statuses []api.Status
	events   []api.Event
}

func (h *benchHost) SafeWindow() bool       { return h.safe }
func (h *benchHost) SetStatus(s api.Status) { h.statuses = append(h.statuses, s) }
func (h *benchHost) Event(e api.Event)      { h.events = append(h.events, e) }

// bench wires a complete agent against a catalogd instance serving dir.
type bench struct {
	o     *update.Orchestrator
	host  *benchHost
	trk   *tracker.Tracker
	store *staging.Store
	dir   string // catalog directory
	now   time.Time
}

func (b *bench) advance(d time.Duration) {
	b.now = b.now.Add(d)
	b.o.Tick(b.now)
}

func genKeys(t *testing.T, dir string) (privPath, pubPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privPath = filepath.Join(dir, "publisher.pem")
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return privPath, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
}

func newBench(t *testing.T, pubPEM string) *bench {
	t.Helper()
	catalogDir := t.TempDir()

	r := mux.NewRouter()
	catalogd.NewServer(catalogDir, bearerToken).RegisterHandlers(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("Parse(%q): %v", ts.URL, err)
	}
	store, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}
	verifier, err := verify.New(1<<16, true, pubPEM)
	if err != nil {
		t.Fatalf("verify.New: %v", err)
	}

	b := &bench{
		host:  &benchHost{safe: true},
		trk:   tracker.New(),
		store: store,
		dir:   catalogDir,
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	b.o, err = update.New(update.Config{}, update.Deps{
		Catalog: &catalog.Client{
			BaseURL:         base,
			Token:           bearerToken,
			ManifestTimeout: 5 * time.Second,
			ArtifactTimeout: 5 * time.Second,
			MaxArtifactSize: 1 << 16,
		},
		Store:   store,
		Verify:  verifier,
		Loader:  loader.New(execmem.NewFakeEngine(), 8),
		Tracker: b.trk,
		Host:    b.host,
	})
	if err != nil {
		t.Fatalf("update.New: %v", err)
	}
	return b
}

// publish stages one release into the bench's catalog directory.
func publish(t *testing.T, b *bench, name, version string, code []byte, privPath string) {
	t.Helper()
	bin := filepath.Join(t.TempDir(), name+".bin")
	if err := os.WriteFile(bin, code, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := publisher.Main(publisher.PublishOpts{
		CatalogDir: b.dir,
		Module:     name,
		Version:    version,
		BinaryPath: bin,
		PrivateKey: privPath,
		Timestamp:  b.now.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("publish %s %s: %v", name, version, err)
	}
}

func sensorModule(version string, distance int64) []byte {
	return execmem.Descriptor{
		Name:      "distance_sensor",
		Version:   version,
		Functions: []string{"get_distance"},
		Results:   map[string]int64{"get_distance": distance},
	}.Bytes()
}

func TestInstallAndUpgrade(t *testing.T) {
	privPath, pubPEM := genKeys(t, t.TempDir())
	b := newBench(t, pubPEM)

	v1 := sensorModule("1.0.0", 100)
	publish(t, b, "distance_sensor", "v1.0.0", v1, privPath)

	b.o.Tick(b.now)                   // boot over an empty state dir
	b.advance(250 * time.Millisecond) // check finds v1.0.0
	b.advance(250 * time.Millisecond) // download, verify, apply

	if got, ok := b.trk.Get("distance_sensor"); !ok || got != (api.Version{Major: 1}) {
		t.Fatalf("installed version = %v %t, want v1.0.0", got, ok)
	}
	if got, err := b.o.CallModule("distance_sensor", 0); err != nil || got != 100 {
		t.Fatalf("CallModule = %d, %v, want 100 from v1.0.0", got, err)
	}
	if b.store.Has("distance_sensor", staging.Backup) {
		t.Error("fresh install left a backup slot")
	}

	// A new release lands in the catalog while the agent holds Success.
	v2 := sensorModule("1.1.0", 250)
	publish(t, b, "distance_sensor", "v1.1.0", v2, privPath)

	b.advance(31 * time.Second)       // grace over, finalize, back to Idle
	b.advance(250 * time.Millisecond) // next check finds v1.1.0
	b.advance(250 * time.Millisecond) // upgrade applies

	if got, ok := b.trk.Get("distance_sensor"); !ok || got != (api.Version{Major: 1, Minor: 1}) {
		t.Fatalf("upgraded version = %v %t, want v1.1.0", got, ok)
	}
	if got, err := b.o.CallModule("distance_sensor", 0); err != nil || got != 250 {
		t.Fatalf("CallModule = %d, %v, want 250 from v1.1.0", got, err)
	}
	backup, err := b.store.Read("distance_sensor", staging.Backup)
	if err != nil || string(backup) != string(v1) {
		t.Errorf("backup after upgrade: %v, want the v1.0.0 bytes", err)
	}

	b.advance(31 * time.Second) // grace over again
	if b.store.Has("distance_sensor", staging.Backup) {
		t.Error("backup survived the post-commit grace window")
	}

	var applied []string
	for _, e := range b.host.events {
		if e.Kind == api.EventUpdateApplied {
			applied = append(applied, e.Module)
		}
	}
	if len(applied) != 2 {
		t.Errorf("applied %v, want two applies of distance_sensor", applied)
	}
}

func TestUnsignedReleaseRefused(t *testing.T) {
	_, pubPEM := genKeys(t, t.TempDir())
	b := newBench(t, pubPEM)

	publish(t, b, "rogue", "v1.0.0", sensorModule("1.0.0", 0), "" /* unsigned */)

	b.o.Tick(b.now)
	b.advance(250 * time.Millisecond)
	b.advance(250 * time.Millisecond)

	if _, ok := b.trk.Get("rogue"); ok {
		t.Error("unsigned release was installed")
	}
	if got := b.o.Status(); got != api.StatusFailure {
		t.Errorf("status = %v, want Failure", got)
	}
	var failed *api.Event
	for i, e := range b.host.events {
		if e.Kind == api.EventUpdateFailed {
			failed = &b.host.events[i]
		}
	}
	if failed == nil {
		t.Fatal("no UpdateFailed event")
	}
	if !errors.Is(failed.Err, verify.ErrSignatureMissing) {
		t.Errorf("failure cause: %v, want ErrSignatureMissing", failed.Err)
	}
}

func TestTamperedArtifactRefused(t *testing.T) {
	privPath, pubPEM := genKeys(t, t.TempDir())
	b := newBench(t, pubPEM)

	publish(t, b, "distance_sensor", "v1.0.0", sensorModule("1.0.0", 100), privPath)
	// The catalog is compromised after publication: the served bytes no
	// longer match the manifest digest.
	tampered := sensorModule("1.0.0", 666)
	path := filepath.Join(b.dir, "distance_sensor", "distance_sensor-v1.0.0.bin")
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	b.o.Tick(b.now)
	b.advance(250 * time.Millisecond)
	b.advance(250 * time.Millisecond)

	if _, ok := b.trk.Get("distance_sensor"); ok {
		t.Error("tampered release was installed")
	}
	if b.store.Has("distance_sensor", staging.Active) || b.store.Has("distance_sensor", staging.Staging) {
		t.Error("tampered bytes reached a slot")
	}
	if got := b.o.Status(); got != api.StatusFailure {
		t.Errorf("status = %v, want Failure", got)
	}
}
