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

// Package impl is the implementation of the tool that publishes module
// releases into a catalog directory.
package impl

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/edgefleet/modagent/api"
	"github.com/edgefleet/modagent/internal/verify"
)

// PublishOpts encapsulates parameters for the publish Main below.
type PublishOpts struct {
	CatalogDir string
	Module     string
	Version    string
	BinaryPath string
	Priority   string
	PrivateKey string
	Timestamp  string
}

// Main publishes one release: artifact, latest pointer, manifest entry.
// The manifest is replaced atomically so a catalogd serving the directory
// never reads a torn document.
func Main(opts PublishOpts) error {
	if opts.CatalogDir == "" {
		return errors.New("catalog_dir is required")
	}
	if err := api.CheckName(opts.Module); err != nil {
		return err
	}
	v, err := api.ParseVersion(opts.Version)
	if err != nil {
		return fmt.Errorf("version is invalid: %w", err)
	}
	prio := api.Priority(opts.Priority)
	if !prio.Known() {
		return fmt.Errorf("priority must be one of critical, normal, low; got %q", opts.Priority)
	}
	publishedAt := opts.Timestamp
	if publishedAt == "" {
		publishedAt = time.Now().UTC().Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, publishedAt); err != nil {
		return fmt.Errorf("timestamp is invalid: %w", err)
	}

	code, err := os.ReadFile(opts.BinaryPath)
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("artifact %q is empty", opts.BinaryPath)
	}
	digest := sha256.Sum256(code)
	glog.Infof("Artifact %s %s: %d bytes, sha256 %x", opts.Module, v, len(code), digest)

	var sig string
	if opts.PrivateKey != "" {
		pem, err := os.ReadFile(opts.PrivateKey)
		if err != nil {
			return fmt.Errorf("reading private key: %w", err)
		}
		key, err := verify.ParsePrivateKey(string(pem))
		if err != nil {
			return fmt.Errorf("parsing private key: %w", err)
		}
		if sig, err = verify.SignArtifact(key, code); err != nil {
			return fmt.Errorf("signing artifact: %w", err)
		}
	}

	artifactPath := filepath.Join(opts.CatalogDir, filepath.FromSlash(api.ArtifactPath(opts.Module, v)))
	if err := os.MkdirAll(filepath.Dir(artifactPath), 0o755); err != nil {
		return fmt.Errorf("creating module directory: %w", err)
	}
	if err := writeFileAtomic(artifactPath, code); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	latestPath := filepath.Join(opts.CatalogDir, filepath.FromSlash(api.LatestArtifactPath(opts.Module)))
	if err := writeFileAtomic(latestPath, code); err != nil {
		return fmt.Errorf("writing latest pointer: %w", err)
	}

	manifestPath := filepath.Join(opts.CatalogDir, api.ManifestPath)
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}
	m.Modules[opts.Module] = api.ModuleRelease{
		LatestVersion: "v" + v.String(),
		SHA256:        hex.EncodeToString(digest[:]),
		FileSize:      uint64(len(code)),
		Signature:     sig,
		UpdatedAt:     publishedAt,
		Priority:      prio,
	}
	enc, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeFileAtomic(manifestPath, enc); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	glog.Infof("Published %s %s to %s", opts.Module, v, opts.CatalogDir)
	return nil
}

// loadManifest reads the catalog's manifest, or starts a fresh one when the
// catalog has none yet.
func loadManifest(path string) (*api.Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &api.Manifest{Modules: map[string]api.ModuleRelease{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := api.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if m.Modules == nil {
		m.Modules = map[string]api.ModuleRelease{}
	}
	return m, nil
}

// writeFileAtomic publishes data at path via a temp file and rename, so
// concurrent readers see either the old content or the new, never a mix.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
