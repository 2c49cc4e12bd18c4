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

// catalogd serves a catalog directory over HTTP for development and tests:
// the manifest at /manifest.json and artifacts at /{module}/{artifact}.
// Point it at a directory maintained by modpublish:
//
//	go run ./cmd/catalogd --logtostderr --dir=/srv/catalog \
//	  --listen=:8966 --bearer_token=dev
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/edgefleet/modagent/cmd/catalogd/impl"
)

var (
	listenAddr  = flag.String("listen", ":8966", "address:port to listen for requests on")
	dir         = flag.String("dir", "", "catalog directory to serve (required)")
	bearerToken = flag.String("bearer_token", "", "require this bearer token on every request; empty disables auth")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := impl.Main(ctx, impl.CatalogOpts{
		ListenAddr:  *listenAddr,
		Dir:         *dir,
		BearerToken: *bearerToken,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
