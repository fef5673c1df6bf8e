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

package runregistry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// indexBackend persists the runID -> organization_slug mapping that
// lets RunDir resolve a run's directory without a full filesystem
// walk. The filesystem tree under storageRoot remains the source of
// truth either way (RebuildIndex can always reconstruct it); a backend
// only trades lookup speed for a second thing to keep consistent.
type indexBackend interface {
	add(runID, slug string) error
	rebuild(entries map[string]string) (int, error)
	close() error
}

func newIndexBackend(kind, storageRoot string) (indexBackend, error) {
	switch kind {
	case "", "json":
		return &jsonIndexBackend{path: filepath.Join(storageRoot, indexFilename)}, nil
	case "sqlite":
		return newSQLiteIndexBackend(filepath.Join(storageRoot, "run_index.sqlite"))
	default:
		return nil, fmt.Errorf("runregistry: unknown index backend %q", kind)
	}
}

// jsonIndexBackend is the default: run_index.json, read-modify-write
// under Registry.mu, matching the pre-pluggable-backend behavior.
type jsonIndexBackend struct {
	path string
}

func (b *jsonIndexBackend) add(runID, slug string) error {
	index, err := b.read()
	if err != nil {
		return err
	}
	index[runID] = indexEntry{OrganizationSlug: slug}
	return b.write(index)
}

func (b *jsonIndexBackend) rebuild(entries map[string]string) (int, error) {
	index := make(map[string]indexEntry, len(entries))
	for runID, slug := range entries {
		index[runID] = indexEntry{OrganizationSlug: slug}
	}
	return len(index), b.write(index)
}

func (b *jsonIndexBackend) read() (map[string]indexEntry, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return map[string]indexEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var index map[string]indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return map[string]indexEntry{}, nil
	}
	return index, nil
}

func (b *jsonIndexBackend) write(index map[string]indexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o644)
}

func (b *jsonIndexBackend) close() error { return nil }

// sqliteIndexBackend is the alternative persistence-backend exercising
// modernc.org/sqlite: a single run_index table keyed by run ID. Chosen
// with --index-backend sqlite; the JSON backend stays the documented
// default since the filesystem tree is already the authoritative
// record and a second file format adds migration surface most
// deployments don't need.
type sqliteIndexBackend struct {
	db *sql.DB
}

func newSQLiteIndexBackend(path string) (*sqliteIndexBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runregistry: open sqlite index: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS run_index (
		run_id TEXT PRIMARY KEY,
		organization_slug TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("runregistry: create sqlite index table: %w", err)
	}
	return &sqliteIndexBackend{db: db}, nil
}

func (b *sqliteIndexBackend) add(runID, slug string) error {
	_, err := b.db.Exec(`INSERT INTO run_index (run_id, organization_slug) VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET organization_slug = excluded.organization_slug`, runID, slug)
	return err
}

func (b *sqliteIndexBackend) rebuild(entries map[string]string) (int, error) {
	tx, err := b.db.Begin()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM run_index`); err != nil {
		tx.Rollback()
		return 0, err
	}
	stmt, err := tx.Prepare(`INSERT INTO run_index (run_id, organization_slug) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for runID, slug := range entries {
		if _, err := stmt.Exec(runID, slug); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (b *sqliteIndexBackend) close() error { return b.db.Close() }
