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

// Package verify checks downloaded artifacts against the manifest before
// they may be committed. The expected digest and signature always come from
// the manifest; side files downloaded next to an artifact are never a
// verification input.
package verify

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	// ErrTooLarge marks an artifact exceeding the configured size bound.
	ErrTooLarge = errors.New("artifact exceeds size bound")
	// ErrBadDigest marks a malformed expected digest (not 64 hex chars).
	ErrBadDigest = errors.New("malformed expected digest")
	// ErrDigestMismatch marks bytes whose SHA-256 is not the expected one.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrBadSignature marks a signature that does not decode as base64.
	ErrBadSignature = errors.New("malformed signature")
	// ErrSignatureInvalid marks a signature that does not verify under the
	// configured public key.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrSignatureMissing marks a manifest entry without a signature while
	// signatures are required.
	ErrSignatureMissing = errors.New("signature required but absent")
)

// Verifier holds the verification policy for one device: the artifact size
// bound, whether releases must be signed, and the publisher key signatures
// are checked under.
type Verifier struct {
	// MaxArtifactSize bounds artifact bytes; zero or negative means no bound.
	MaxArtifactSize int
	// Required rejects manifest entries that carry no signature.
	Required bool
	// PublicKey verifies signatures when present. Nil skips signature
	// checks, which is only valid while Required is false.
	PublicKey *rsa.PublicKey
}

// New builds a Verifier from configuration. pubPEM may be empty when
// signatures are not required.
func New(maxArtifactSize int, required bool, pubPEM string) (*Verifier, error) {
	v := &Verifier{MaxArtifactSize: maxArtifactSize, Required: required}
	if pubPEM != "" {
		pub, err := ParsePublicKey(pubPEM)
		if err != nil {
			return nil, err
		}
		v.PublicKey = pub
	}
	if v.Required && v.PublicKey == nil {
		return nil, errors.New("signatures required but no public key configured")
	}
	return v, nil
}

// Verify checks data against the manifest-supplied expectations, in order:
// size bound, SHA-256 digest, then signature. sigBase64 may be empty; that
// is an error only when the verifier requires signatures. A present
// signature is checked whenever a public key is configured.
func (v *Verifier) Verify(data []byte, wantHexDigest, sigBase64 string) error {
	if v.MaxArtifactSize > 0 && len(data) > v.MaxArtifactSize {
		return fmt.Errorf("%d bytes over %d byte bound: %w", len(data), v.MaxArtifactSize, ErrTooLarge)
	}

	want, err := hex.DecodeString(wantHexDigest)
	if err != nil || len(want) != sha256.Size {
		return fmt.Errorf("digest %q: %w", wantHexDigest, ErrBadDigest)
	}
	got := sha256.Sum256(data)
	if !bytes.Equal(got[:], want) {
		return fmt.Errorf("got sha256 %x, manifest says %x: %w", got, want, ErrDigestMismatch)
	}

	if sigBase64 == "" {
		if v.Required {
			return ErrSignatureMissing
		}
		return nil
	}
	if v.PublicKey == nil {
		// Unverifiable signatures are ignored on devices without a key;
		// such devices must not set Required.
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrBadSignature)
	}
	if err := rsa.VerifyPKCS1v15(v.PublicKey, crypto.SHA256, got[:], sig); err != nil {
		return fmt.Errorf("%v: %w", err, ErrSignatureInvalid)
	}
	return nil
}

// SignArtifact produces the manifest signature for artifact bytes: an
// RSA-PKCS#1 v1.5 signature over their SHA-256 digest, base64 encoded. The
// publisher side of Verify.
func SignArtifact(priv *rsa.PrivateKey, data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ParsePublicKey parses an RSA public key from a PEM block of type
// "RSA PUBLIC KEY" (PKCS#1) or "PUBLIC KEY" (PKIX).
func ParsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#1 public key: %v", err)
		}
		return pub, nil
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKIX public key: %v", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", pub)
		}
		return rsaPub, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// ParsePrivateKey parses an RSA private key from a PEM block of type
// "RSA PRIVATE KEY" (PKCS#1) or "PRIVATE KEY" (PKCS#8). Used by the
// publisher and by tests; the device only ever holds the public key.
func ParsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#1 private key: %v", err)
		}
		return priv, nil
	case "PRIVATE KEY":
		priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#8 private key: %v", err)
		}
		rsaPriv, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", priv)
		}
		return rsaPriv, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}
