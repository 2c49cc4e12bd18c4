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

// modpublish stages a module release into a catalog directory: it writes the
// versioned artifact, refreshes latest.bin, and updates manifest.json with
// the release's digest, size and signature.
//
// Publish a release into a catalog served by catalogd:
//
//	go run ./cmd/modpublish --logtostderr --catalog_dir=/srv/catalog \
//	  --module=speed_governor --version=v1.1.0 --binary=./sg.wasm \
//	  --private_key=./publisher.pem
package main

import (
	"flag"

	"github.com/golang/glog"

	"github.com/edgefleet/modagent/cmd/modpublish/impl"
)

var (
	catalogDir = flag.String("catalog_dir", "", "catalog directory to publish into (required)")
	module     = flag.String("module", "", "name of the module being released (required)")
	version    = flag.String("version", "", "release version, e.g. v1.1.0 (required)")
	binary     = flag.String("binary", "", "path of the artifact to publish (required)")
	priority   = flag.String("priority", "", "release priority: critical, normal or low")
	privateKey = flag.String("private_key", "", "path of a PEM encoded RSA private key; omit to publish unsigned")
	timestamp  = flag.String("timestamp", "", "RFC3339 publication time recorded in the manifest; defaults to now")
)

func main() {
	flag.Parse()

	if err := impl.Main(impl.PublishOpts{
		CatalogDir: *catalogDir,
		Module:     *module,
		Version:    *version,
		BinaryPath: *binary,
		Priority:   *priority,
		PrivateKey: *privateKey,
		Timestamp:  *timestamp,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
