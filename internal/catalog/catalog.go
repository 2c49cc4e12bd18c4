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

// Package catalog reads manifests and module artifacts from a catalog
// server over HTTP.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgefleet/modagent/api"
	"google.golang.org/grpc/codes"
)

// maxManifestSize bounds manifest documents, far above any plausible fleet.
const maxManifestSize = 1 << 20

// artifactHeadroom widens the transport cap past the configured artifact
// bound so a mildly oversize artifact still reaches the verifier, which
// owns the exact size check. The transport cap only guards against
// unbounded bodies.
const artifactHeadroom = 4096

// ErrorKind classifies a failed catalog operation.
type ErrorKind int

const (
	// KindNotConnected covers dial and transport failures.
	KindNotConnected ErrorKind = iota
	// KindTimeout covers requests that exceeded their time bound.
	KindTimeout
	// KindHTTPStatus covers non-200 responses; Status and Code carry detail.
	KindHTTPStatus
	// KindBodyTooLarge covers bodies exceeding the transport cap.
	KindBodyTooLarge
	// KindMalformedManifest covers manifest bodies that do not parse.
	KindMalformedManifest
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConnected:
		return "not connected"
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http status"
	case KindBodyTooLarge:
		return "body too large"
	case KindMalformedManifest:
		return "malformed manifest"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error describes a failed catalog operation. All kinds are treated as
// transient by the caller's retry policy; Kind exists for logs and tests.
type Error struct {
	Kind ErrorKind
	// Path is the catalog-relative path the operation was fetching.
	Path string
	// Status is the HTTP status, set when Kind is KindHTTPStatus.
	Status int
	// Code classifies Status as a gRPC code, set when Kind is KindHTTPStatus.
	Code codes.Code
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("catalog %q: status %d (%v): %v", e.Path, e.Status, e.Code, e.Err)
	}
	return fmt.Sprintf("catalog %q: %v: %v", e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a catalog response for a missing path.
func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindHTTPStatus && ce.Code == codes.NotFound
}

// Client reads from one catalog server. The zero value is not usable;
// BaseURL is required.
type Client struct {
	// BaseURL is the catalog root. Paths from the api package are resolved
	// against it.
	BaseURL *url.URL
	// Token, when set, is sent as a bearer token on every request.
	Token string
	// ManifestTimeout bounds a manifest fetch. Zero means no bound.
	ManifestTimeout time.Duration
	// ArtifactTimeout bounds an artifact fetch. Zero means no bound.
	ArtifactTimeout time.Duration
	// MaxArtifactSize is the device's artifact bound. The transport reads a
	// little past it and leaves exact enforcement to the verifier; zero
	// disables the transport cap.
	MaxArtifactSize int
}

// FetchManifest fetches and parses the catalog manifest.
func (c *Client) FetchManifest(ctx context.Context) (*api.Manifest, error) {
	body, err := c.get(ctx, api.ManifestPath, c.ManifestTimeout, maxManifestSize)
	if err != nil {
		return nil, err
	}
	m, err := api.ParseManifest(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformedManifest, Path: api.ManifestPath, Err: err}
	}
	return m, nil
}

// FetchArtifact fetches the raw artifact bytes at a catalog-relative path,
// normally one produced by api.ArtifactPath.
func (c *Client) FetchArtifact(ctx context.Context, path string) ([]byte, error) {
	var limit int64
	if c.MaxArtifactSize > 0 {
		limit = int64(c.MaxArtifactSize) + artifactHeadroom
	}
	return c.get(ctx, path, c.ArtifactTimeout, limit)
}

func (c *Client) get(ctx context.Context, ref string, timeout time.Duration, limit int64) ([]byte, error) {
	u, err := c.BaseURL.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("resolving %q against %q: %v", ref, c.BaseURL, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %q: %v", u, err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: transportKind(err), Path: ref, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{
			Kind:   KindHTTPStatus,
			Path:   ref,
			Status: resp.StatusCode,
			Code:   codeFromHTTPStatus(resp.StatusCode),
			Err:    errors.New(msg),
		}
	}

	var body []byte
	if limit > 0 {
		body, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return nil, &Error{Kind: transportKind(err), Path: ref, Err: err}
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, &Error{Kind: KindBodyTooLarge, Path: ref, Err: fmt.Errorf("body exceeds %d bytes", limit)}
	}
	return body, nil
}

func transportKind(err error) ErrorKind {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return KindTimeout
	}
	return KindNotConnected
}

// codeFromHTTPStatus maps an HTTP status onto a gRPC code so catalog
// failures classify uniformly in logs.
func codeFromHTTPStatus(status int) codes.Code {
	switch status {
	case http.StatusOK:
		return codes.OK
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusRequestTimeout:
		return codes.Canceled
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusInternalServerError:
		return codes.Internal
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Unknown
	}
}
