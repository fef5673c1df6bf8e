// Copyright 2025 Tom Barlow
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

// Package pathutil resolves run-scoped storage directories, accounting
// for the organization-slug partition introduced by multi-tenant runs.
package pathutil

import (
	"encoding/json"
	"os"
	"path/filepath"
)

type indexEntry struct {
	OrganizationSlug string `json:"organization_slug"`
}

// ResolveRunPath returns the directory for a run, preferring the
// run_index.json lookup, falling back to a direct child, then a glob
// over one-level-deep organization partitions.
func ResolveRunPath(storageRoot, runID string) string {
	indexPath := filepath.Join(storageRoot, "run_index.json")
	if data, err := os.ReadFile(indexPath); err == nil {
		var index map[string]indexEntry
		if json.Unmarshal(data, &index) == nil {
			if entry, ok := index[runID]; ok && entry.OrganizationSlug != "" {
				return filepath.Join(storageRoot, entry.OrganizationSlug, runID)
			}
		}
	}

	direct := filepath.Join(storageRoot, runID)
	if st, err := os.Stat(direct); err == nil && st.IsDir() {
		return direct
	}

	matches, _ := filepath.Glob(filepath.Join(storageRoot, "*", runID))
	if len(matches) > 0 {
		return matches[0]
	}
	return direct
}
