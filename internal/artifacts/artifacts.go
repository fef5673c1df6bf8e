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

// Package artifacts builds the artifacts/index.json manifest listing
// every file a run produced, with a content hash for download
// integrity checks.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileEntry describes one artifact file.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the persisted artifacts/index.json document.
type Manifest struct {
	RunID string      `json:"run_id"`
	Files []FileEntry `json:"files"`
}

// Builder walks a run's artifacts directory and produces a Manifest.
type Builder struct {
	// IncludePatterns, when non-empty, restricts the walk to paths
	// matching at least one doublestar glob (relative to the artifacts
	// root), e.g. "**/*.json" or "exploration/**".
	IncludePatterns []string
}

// Build walks artifactsRoot and returns a Manifest sorted by path for
// stable, diff-friendly output.
func (b Builder) Build(runID, artifactsRoot string) (*Manifest, error) {
	var files []FileEntry

	err := filepath.WalkDir(artifactsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(artifactsRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "index.json" {
			return nil
		}
		if len(b.IncludePatterns) > 0 && !b.matches(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := sha256File(path)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{Path: rel, Size: info.Size(), SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return &Manifest{RunID: runID, Files: files}, nil
}

func (b Builder) matches(rel string) bool {
	for _, pattern := range b.IncludePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteIndex writes the manifest as pretty-printed JSON to
// <artifactsRoot>/index.json.
func WriteIndex(artifactsRoot string, manifest *Manifest) error {
	if err := os.MkdirAll(artifactsRoot, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(artifactsRoot, "index.json"), data, 0o644)
}

// ReadIndex loads a previously written index.json.
func ReadIndex(artifactsRoot string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(artifactsRoot, "index.json"))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ContainsPath reports whether rel, once cleaned, still resolves inside
// root — guarding signed-URL download targets against path traversal.
func ContainsPath(root, rel string) bool {
	cleaned := filepath.Clean(filepath.Join(root, rel))
	rootClean := filepath.Clean(root)
	return cleaned == rootClean || strings.HasPrefix(cleaned, rootClean+string(filepath.Separator))
}
