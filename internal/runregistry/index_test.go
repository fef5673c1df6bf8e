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
	"path/filepath"
	"testing"
)

func TestJSONIndexBackend_AddAndRebuild(t *testing.T) {
	dir := t.TempDir()
	b, err := newIndexBackend("json", dir)
	if err != nil {
		t.Fatalf("newIndexBackend: %v", err)
	}
	defer b.close()

	if err := b.add("RUN-1", "acme"); err != nil {
		t.Fatalf("add: %v", err)
	}
	index := b.(*jsonIndexBackend)
	read, err := index.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read["RUN-1"].OrganizationSlug != "acme" {
		t.Errorf("expected RUN-1 -> acme, got %+v", read)
	}

	n, err := b.rebuild(map[string]string{"RUN-2": "globex"})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 rebuilt entry, got %d", n)
	}
	read, _ = index.read()
	if _, ok := read["RUN-1"]; ok {
		t.Errorf("expected rebuild to replace the index, RUN-1 still present")
	}
	if read["RUN-2"].OrganizationSlug != "globex" {
		t.Errorf("expected RUN-2 -> globex, got %+v", read)
	}
}

func TestSQLiteIndexBackend_AddUpdateAndRebuild(t *testing.T) {
	dir := t.TempDir()
	b, err := newIndexBackend("sqlite", dir)
	if err != nil {
		t.Fatalf("newIndexBackend: %v", err)
	}
	defer b.close()

	if err := b.add("RUN-1", "acme"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.add("RUN-1", "acme-renamed"); err != nil {
		t.Fatalf("re-add (upsert): %v", err)
	}

	sb := b.(*sqliteIndexBackend)
	var slug string
	if err := sb.db.QueryRow(`SELECT organization_slug FROM run_index WHERE run_id = ?`, "RUN-1").Scan(&slug); err != nil {
		t.Fatalf("query: %v", err)
	}
	if slug != "acme-renamed" {
		t.Errorf("expected upsert to update slug, got %q", slug)
	}

	n, err := b.rebuild(map[string]string{"RUN-9": "initech"})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 rebuilt entry, got %d", n)
	}
	var count int
	if err := sb.db.QueryRow(`SELECT count(*) FROM run_index`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected rebuild to fully replace the table, got %d rows", count)
	}
}

func TestNewIndexBackend_UnknownKindErrors(t *testing.T) {
	if _, err := newIndexBackend("mongo", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown index backend")
	}
}

func TestNewWithIndexBackend_SQLiteRunDirResolvesViaGlobFallback(t *testing.T) {
	root := t.TempDir()
	reg, err := NewWithIndexBackend(root, nil, "sqlite")
	if err != nil {
		t.Fatalf("NewWithIndexBackend: %v", err)
	}
	defer reg.Close()

	manifest, err := reg.CreateRun(testPayload())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// run_index.json is never written under the sqlite backend; RunDir
	// must still resolve the run via pathutil's glob fallback over
	// organization partitions.
	got := reg.RunDir(manifest.ID)
	want := filepath.Join(root, "acme", manifest.ID)
	if got != want {
		t.Errorf("expected glob-fallback resolution to %q, got %q", want, got)
	}
}
