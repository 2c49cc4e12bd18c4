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

// modagent is the on-device update agent. It keeps the device's modules
// loaded and ticking, polls the catalog for new releases, and applies them
// when the vehicle is parked.
//
// Run it against a local catalogd:
//
//	go run ./cmd/modagent --logtostderr \
//	  --catalog_url=http://localhost:8966 --catalog_token=dev \
//	  --device_id=bench-1 --state_dir=/tmp/modagent
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/edgefleet/modagent/cmd/modagent/impl"
)

var (
	catalogURL   = flag.String("catalog_url", "", "base URL of the update catalog (required)")
	catalogToken = flag.String("catalog_token", "", "bearer token sent with catalog requests (required)")
	deviceID     = flag.String("device_id", "", "stable identifier of this device (required)")
	stateDir     = flag.String("state_dir", "/var/lib/modagent", "directory holding module slots and agent state")
	dataDB       = flag.String("data_db", "", "path of the module data database; defaults to <state_dir>/module_data.db")

	checkInterval   = flag.Duration("check_interval", 30*time.Second, "time between manifest checks")
	manifestTimeout = flag.Duration("manifest_timeout", 10*time.Second, "HTTP timeout for manifest fetches")
	artifactTimeout = flag.Duration("artifact_timeout", 30*time.Second, "HTTP timeout for artifact fetches")
	maxArtifactSize = flag.Int("max_artifact_size", 65536, "largest artifact accepted, in bytes")
	maxModules      = flag.Int("max_modules", 8, "most modules loaded at once")
	execMemory      = flag.Int("exec_memory", 0, "total bytes of live module code allowed; 0 means unlimited")

	signatureRequired = flag.Bool("signature_required", false, "refuse releases that are not signed")
	signingPublicKey  = flag.String("signing_public_key", "", "path of a PEM encoded RSA public key for artifact signatures")

	postCommitGrace = flag.Duration("post_commit_grace", 30*time.Second, "how long a committed update keeps its backup")
	failureDisplay  = flag.Duration("failure_display", 8*time.Second, "how long Failure is displayed before returning to Idle")
	downloadRetries = flag.Int("download_retries", 3, "download retries after the first failed attempt")
	cancelThreshold = flag.Duration("cancel_threshold", 5*time.Second, "safe-window loss tolerated before an in-flight update is canceled")
	criticalBypass  = flag.Bool("critical_bypass", false, "let critical releases update outside the safe window")

	tickInterval = flag.Duration("tick_interval", 250*time.Millisecond, "main loop period")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := impl.Main(ctx, impl.AgentOpts{
		CatalogURL:        *catalogURL,
		CatalogToken:      *catalogToken,
		DeviceID:          *deviceID,
		StateDir:          *stateDir,
		DataDB:            *dataDB,
		CheckInterval:     *checkInterval,
		ManifestTimeout:   *manifestTimeout,
		ArtifactTimeout:   *artifactTimeout,
		MaxArtifactSize:   *maxArtifactSize,
		MaxModules:        *maxModules,
		ExecMemory:        *execMemory,
		SignatureRequired: *signatureRequired,
		SigningPublicKey:  *signingPublicKey,
		PostCommitGrace:   *postCommitGrace,
		FailureDisplay:    *failureDisplay,
		DownloadRetries:   *downloadRetries,
		CancelThreshold:   *cancelThreshold,
		CriticalBypass:    *criticalBypass,
		TickInterval:      *tickInterval,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
