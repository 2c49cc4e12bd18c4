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

package api

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testDigest = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestParseManifest(t *testing.T) {
	for _, test := range []struct {
		desc    string
		doc     string
		want    map[string]ModuleRelease
		wantErr bool
	}{
		{
			desc: "nested shape",
			doc: `{"modules": {
				"sg": {"latest_version": "v1.0.0", "sha256": "` + testDigest + `", "file_size": 1024}
			}}`,
			want: map[string]ModuleRelease{
				"sg": {LatestVersion: "v1.0.0", SHA256: testDigest, FileSize: 1024},
			},
		}, {
			desc: "legacy flat shape",
			doc:  `{"sg": {"latest_version": "v1.0.0", "sha256": "` + testDigest + `", "file_size": 1024}}`,
			want: map[string]ModuleRelease{
				"sg": {LatestVersion: "v1.0.0", SHA256: testDigest, FileSize: 1024},
			},
		}, {
			desc: "all fields",
			doc: `{"modules": {
				"ds": {"latest_version": "v1.1.0", "sha256": "` + testDigest + `", "file_size": 2048,
				       "signature": "c2ln", "updated_at": "2026-01-02T15:04:05Z", "priority": "critical"}
			}}`,
			want: map[string]ModuleRelease{
				"ds": {
					LatestVersion: "v1.1.0",
					SHA256:        testDigest,
					FileSize:      2048,
					Signature:     "c2ln",
					UpdatedAt:     "2026-01-02T15:04:05Z",
					Priority:      PriorityCritical,
				},
			},
		}, {
			desc: "empty nested",
			doc:  `{"modules": {}}`,
			want: map[string]ModuleRelease{},
		}, {
			desc:    "not json",
			doc:     `{"modules":`,
			wantErr: true,
		}, {
			desc:    "nested with bad entry type",
			doc:     `{"modules": {"sg": "not an object"}}`,
			wantErr: true,
		}, {
			desc:    "top level array",
			doc:     `["sg"]`,
			wantErr: true,
		}, {
			desc:    "modules key wins over flat reading",
			doc:     `{"modules": 42}`,
			wantErr: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, err := ParseManifest([]byte(test.doc))
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("ParseManifest = err %v, wantErr %t", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(test.want, got.Modules); diff != "" {
				t.Errorf("modules diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestManifestEncodeRoundTrip(t *testing.T) {
	m := &Manifest{Modules: map[string]ModuleRelease{
		"sg": {LatestVersion: "v1.0.0", SHA256: testDigest, FileSize: 1024, Priority: PriorityLow},
	}}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"modules"`) {
		t.Errorf("Encode: want nested shape, got %s", data)
	}
	got, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if diff := cmp.Diff(m.Modules, got.Modules); diff != "" {
		t.Errorf("round trip diff (-want +got):\n%s", diff)
	}
}

func TestModuleReleaseValidate(t *testing.T) {
	valid := ModuleRelease{LatestVersion: "v1.0.0", SHA256: testDigest, FileSize: 1}
	for _, test := range []struct {
		desc    string
		mutate  func(*ModuleRelease)
		wantErr bool
	}{
		{desc: "valid minimal", mutate: func(r *ModuleRelease) {}},
		{desc: "valid with priority", mutate: func(r *ModuleRelease) { r.Priority = PriorityLow }},
		{desc: "valid with signature", mutate: func(r *ModuleRelease) { r.Signature = "c2ln" }},
		{desc: "no version", mutate: func(r *ModuleRelease) { r.LatestVersion = "" }, wantErr: true},
		{desc: "bad version grammar", mutate: func(r *ModuleRelease) { r.LatestVersion = "v1.2" }, wantErr: true},
		{desc: "no digest", mutate: func(r *ModuleRelease) { r.SHA256 = "" }, wantErr: true},
		{desc: "short digest", mutate: func(r *ModuleRelease) { r.SHA256 = "abcd" }, wantErr: true},
		{desc: "non-hex digest", mutate: func(r *ModuleRelease) { r.SHA256 = strings.Repeat("zz", 32) }, wantErr: true},
		{desc: "zero size", mutate: func(r *ModuleRelease) { r.FileSize = 0 }, wantErr: true},
		{desc: "unknown priority", mutate: func(r *ModuleRelease) { r.Priority = "urgent" }, wantErr: true},
		{desc: "bad signature encoding", mutate: func(r *ModuleRelease) { r.Signature = "%%%" }, wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			r := valid
			test.mutate(&r)
			err := r.Validate()
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestCheckName(t *testing.T) {
	for _, test := range []struct {
		desc    string
		name    string
		wantErr bool
	}{
		{desc: "short", name: "sg"},
		{desc: "mixed", name: "speed_governor-2"},
		{desc: "max length", name: strings.Repeat("a", 31)},
		{desc: "too long", name: strings.Repeat("a", 32), wantErr: true},
		{desc: "empty", name: "", wantErr: true},
		{desc: "dot", name: "a.b", wantErr: true},
		{desc: "slash", name: "a/b", wantErr: true},
		{desc: "space", name: "a b", wantErr: true},
		{desc: "parent dir", name: "..", wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			err := CheckName(test.name)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Errorf("CheckName(%q) = %v, wantErr %t", test.name, err, test.wantErr)
			}
		})
	}
}

func TestArtifactPath(t *testing.T) {
	if got, want := ArtifactPath("sg", Version{1, 0, 0}), "sg/sg-v1.0.0.bin"; got != want {
		t.Errorf("ArtifactPath = %q, want %q", got, want)
	}
	if got, want := LatestArtifactPath("ds"), "ds/latest.bin"; got != want {
		t.Errorf("LatestArtifactPath = %q, want %q", got, want)
	}
}

func TestPriorityRank(t *testing.T) {
	if !(PriorityCritical.Rank() > PriorityNormal.Rank() && PriorityNormal.Rank() > PriorityLow.Rank()) {
		t.Errorf("priority ranks out of order: critical=%d normal=%d low=%d",
			PriorityCritical.Rank(), PriorityNormal.Rank(), PriorityLow.Rank())
	}
	if got, want := Priority("").Rank(), PriorityNormal.Rank(); got != want {
		t.Errorf("unset priority rank = %d, want %d", got, want)
	}
}
