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

// Package impl is the implementation of the development catalog server.
package impl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/edgefleet/modagent/api"
)

// CatalogOpts encapsulates the server's configuration.
type CatalogOpts struct {
	ListenAddr  string
	Dir         string
	BearerToken string
}

// Server serves a modpublish-maintained catalog directory. Files are read
// per request, so a publish that lands mid-flight is picked up on the next
// fetch; the publisher's atomic renames keep each response self-consistent.
type Server struct {
	dir   string
	token string
}

// NewServer returns a Server for the catalog rooted at dir. An empty token
// disables authentication.
func NewServer(dir, token string) *Server {
	return &Server{dir: dir, token: token}
}

// RegisterHandlers registers HTTP handlers for the catalog endpoints.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/"+api.ManifestPath, s.getManifest).Methods("GET")
	r.HandleFunc("/{module}/{artifact}", s.getArtifact).Methods("GET")
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+s.token {
		return true
	}
	http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
	return false
}

func (s *Server) getManifest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	data, err := os.ReadFile(filepath.Join(s.dir, api.ManifestPath))
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "no manifest published", http.StatusNotFound)
		return
	}
	if err != nil {
		glog.Errorf("Reading manifest: %v", err)
		http.Error(w, "failed to read manifest", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		glog.Errorf("Writing manifest response: %v", err)
	}
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	vars := mux.Vars(r)
	module, artifact := vars["module"], vars["artifact"]
	if err := api.CheckName(module); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !validArtifactName(artifact) {
		http.Error(w, fmt.Sprintf("invalid artifact name %q", artifact), http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(filepath.Join(s.dir, module, artifact))
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "no such artifact", http.StatusNotFound)
		return
	}
	if err != nil {
		glog.Errorf("Reading artifact %s/%s: %v", module, artifact, err)
		http.Error(w, "failed to read artifact", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		glog.Errorf("Writing artifact response: %v", err)
	}
}

// validArtifactName accepts the file names modpublish writes: a .bin file
// whose stem uses the module name alphabet plus dots.
func validArtifactName(name string) bool {
	if !strings.HasSuffix(name, ".bin") || len(name) == len(".bin") {
		return false
	}
	for i := 0; i < len(name)-len(".bin"); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return false
		}
	}
	return true
}

// Main serves the catalog until ctx is done.
func Main(ctx context.Context, opts CatalogOpts) error {
	if opts.Dir == "" {
		return errors.New("dir is required")
	}
	if fi, err := os.Stat(opts.Dir); err != nil {
		return fmt.Errorf("catalog directory: %w", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("catalog directory %q is not a directory", opts.Dir)
	}

	r := mux.NewRouter()
	NewServer(opts.Dir, opts.BearerToken).RegisterHandlers(r)
	srv := &http.Server{
		Addr:        opts.ListenAddr,
		Handler:     r,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	glog.Infof("Serving catalog %s at http://%s", opts.Dir, opts.ListenAddr)
	e := make(chan error, 1)
	go func() { e <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		glog.Info("Catalog server shutting down...")
		return srv.Shutdown(context.Background())
	case err := <-e:
		return err
	}
}
