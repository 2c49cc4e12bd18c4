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

import "fmt"

// ManifestPath is the catalog-relative path of the manifest document.
const ManifestPath = "manifest.json"

// ArtifactPath returns the catalog-relative path of the immutable artifact
// for one release: "<name>/<name>-v<MAJOR.MINOR.PATCH>.bin". This is the
// path the agent reads, using the version taken from the manifest.
func ArtifactPath(name string, v Version) string {
	return fmt.Sprintf("%s/%s-v%s.bin", name, name, v)
}

// LatestArtifactPath returns the catalog-relative path of the mutable
// "latest" pointer for a module. It is consulted only when the manifest
// does not yet list the module; the publisher refreshes it on every
// release for bootstrap flows that bypass the manifest.
func LatestArtifactPath(name string) string {
	return fmt.Sprintf("%s/latest.bin", name)
}
