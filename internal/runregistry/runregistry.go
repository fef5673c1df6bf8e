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

// Package runregistry owns the on-disk record of every run: its
// manifest, status history, event stream, and the multi-tenant
// run_index.json that maps a run ID to its organization-slug partition.
package runregistry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/conductor/internal/apierr"
	"github.com/tombee/conductor/internal/pathutil"
	"github.com/tombee/conductor/internal/runmodel"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending              Status = "Pending"
	StatusRunning              Status = "Running"
	StatusAuthInProgress       Status = "AuthInProgress"
	StatusAuthSkipped          Status = "AuthSkipped"
	StatusExplorationInProgress Status = "ExplorationInProgress"
	StatusCrawlInProgress      Status = "CrawlInProgress"
	StatusCompleted            Status = "Completed"
	StatusFailed               Status = "Failed"
)

// Manifest is the persisted run_manifest.json document.
type Manifest struct {
	ID               string                 `json:"id"`
	TargetURL        string                 `json:"target_url"`
	Credentials      runmodel.CredentialSpec `json:"credentials"`
	Budgets          runmodel.BudgetSpec     `json:"budgets"`
	StorageProfile   string                 `json:"storage_profile"`
	Tags             []string               `json:"tags"`
	Organization     string                 `json:"organization"`
	OrganizationSlug string                 `json:"organization_slug"`
	ActorRole        string                 `json:"actor_role"`
	Status           Status                 `json:"status"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	StatusMetadata   map[string]any         `json:"status_metadata,omitempty"`
}

// StatusHistoryEntry records one transition. Consecutive duplicate
// statuses are coalesced — only the first occurrence is kept.
type StatusHistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one entry in the append-only events.jsonl stream.
type Event struct {
	Event     string         `json:"event"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Status    Status         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// indexEntry is one value in run_index.json.
type indexEntry struct {
	OrganizationSlug string `json:"organization_slug"`
}

const (
	manifestFilename      = "run_manifest.json"
	summaryFilename       = "run_summary.json"
	statusHistoryFilename = "status_history.json"
	eventsFilename        = "events.jsonl"
	indexFilename         = "run_index.json"
	checkpointsFilename   = "temporal/checkpoints.jsonl"
)

// CheckpointEntry is one line appended to temporal/checkpoints.jsonl by
// record_checkpoint(run_id, name, details?) — the generic durable
// lifecycle-record primitive. The workflow engine's own per-activity
// attempt/retry/succeeded/failed records use a richer, purpose-built
// shape (workflow.CheckpointRecord); this one is the general form an
// operator-facing annotation uses.
type CheckpointEntry struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// AppendCheckpoint appends an operator-supplied checkpoint record to
// temporal/checkpoints.jsonl, the same file the workflow engine's
// TaskRunner writes per-activity lifecycle records to.
func (r *Registry) AppendCheckpoint(runID, name string, details map[string]any) error {
	runDir := r.RunDir(runID)
	path := filepath.Join(runDir, checkpointsFilename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(CheckpointEntry{Name: name, Timestamp: time.Now().UTC(), Details: details})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Registry is the run store. One Registry is shared by the HTTP
// boundary and the workflow engine for a given storage root.
type Registry struct {
	storageRoot string
	logger      *slog.Logger
	index       indexBackend

	mu        sync.Mutex // guards indexBackend read-modify-write
	subMu     sync.Mutex
	listeners map[string][]chan Event
}

// New opens a Registry backed by the JSON run_index.json file.
func New(storageRoot string, logger *slog.Logger) (*Registry, error) {
	return NewWithIndexBackend(storageRoot, logger, "json")
}

// NewWithIndexBackend opens a Registry backed by the named index
// implementation ("json", the default, or "sqlite").
func NewWithIndexBackend(storageRoot string, logger *slog.Logger, backend string) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(storageRoot, 0o755); err != nil {
		return nil, err
	}
	idx, err := newIndexBackend(backend, storageRoot)
	if err != nil {
		return nil, err
	}
	return &Registry{
		storageRoot: storageRoot,
		logger:      logger,
		index:       idx,
		listeners:   map[string][]chan Event{},
	}, nil
}

// Close releases any resources the index backend holds open (a no-op
// for the JSON backend, a *sql.DB handle for sqlite).
func (r *Registry) Close() error {
	return r.index.close()
}

// CreateRun persists a new run directory under
// <storageRoot>/<organization_slug>/<run_id>/ and records it in the
// configured index backend (run_index.json by default).
func (r *Registry) CreateRun(payload runmodel.CreateRunPayload) (*Manifest, error) {
	runID := generateRunID()
	now := time.Now().UTC()

	manifest := &Manifest{
		ID:               runID,
		TargetURL:        payload.TargetURL,
		Credentials:      payload.Credentials,
		Budgets:          payload.Budgets,
		StorageProfile:   payload.StorageProfile,
		Tags:             payload.Tags,
		Organization:     payload.Organization,
		OrganizationSlug: payload.OrganizationSlug,
		ActorRole:        payload.ActorRole,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	runDir := r.runDirFor(payload.OrganizationSlug, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}

	if err := r.writeManifest(runDir, manifest); err != nil {
		return nil, err
	}
	if err := r.writeSummary(runDir, manifest, nil); err != nil {
		return nil, err
	}
	if err := r.writeStatusHistory(runDir, []StatusHistoryEntry{{Status: StatusPending, Timestamp: now}}); err != nil {
		return nil, err
	}
	if err := r.addToIndex(runID, payload.OrganizationSlug); err != nil {
		return nil, err
	}
	if err := r.AppendEvent(runID, Event{Event: "run.created", RunID: runID, Timestamp: now, Status: StatusPending}); err != nil {
		return nil, err
	}

	return manifest, nil
}

func generateRunID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is catastrophic system state; fall back
		// to a time-derived suffix rather than panic.
		return fmt.Sprintf("RUN-%012X", time.Now().UnixNano()%0xFFFFFFFFFFFF)
	}
	return "RUN-" + strings.ToUpper(hex.EncodeToString(buf))
}

// runDirFor returns the run directory path for a known slug, without
// consulting run_index.json — used on the write path, where the slug is
// always already known.
func (r *Registry) runDirFor(slug, runID string) string {
	return filepath.Join(r.storageRoot, slug, runID)
}

// RunDir resolves a run's directory via a run_index.json lookup,
// falling back to a direct/glob match.
func (r *Registry) RunDir(runID string) string {
	return pathutil.ResolveRunPath(r.storageRoot, runID)
}

func (r *Registry) writeManifest(runDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, manifestFilename), data, 0o644)
}

// AuthSummary mirrors the auth sub-object written into run_summary.json.
type AuthSummary struct {
	Stage            string         `json:"stage,omitempty"`
	Success          bool           `json:"success"`
	StorageStatePath string         `json:"storage_state_path,omitempty"`
	Evidence         []string       `json:"evidence,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type summaryDoc struct {
	RunID  string       `json:"run_id"`
	Env    string       `json:"env"`
	Tests  []string     `json:"tests"`
	Criteria []string   `json:"criteria"`
	Intake map[string]any `json:"intake"`
	Auth   *AuthSummary `json:"auth,omitempty"`
}

func (r *Registry) writeSummary(runDir string, m *Manifest, auth *AuthSummary) error {
	doc := summaryDoc{
		RunID:    m.ID,
		Env:      "dev",
		Tests:    []string{},
		Criteria: []string{},
		Intake: map[string]any{
			"status":     string(StatusPending),
			"created_at": m.CreatedAt,
		},
		Auth: auth,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, summaryFilename), data, 0o644)
}

// RecordAuthResult updates run_summary.json's auth sub-object, rewriting
// any absolute evidence/storage-state paths relative to the run
// directory so the manifest never leaks host filesystem layout.
func (r *Registry) RecordAuthResult(runID string, auth AuthSummary) error {
	runDir := r.RunDir(runID)
	auth.StorageStatePath = toRelativePath(auth.StorageStatePath, runDir)
	auth.Evidence = normalizeEvidence(auth.Evidence, runDir)

	manifest, err := r.GetRun(runID)
	if err != nil {
		return err
	}
	return r.writeSummary(runDir, manifest, &auth)
}

func toRelativePath(pathValue, runDir string) string {
	if pathValue == "" {
		return ""
	}
	rel, err := filepath.Rel(runDir, pathValue)
	if err != nil || strings.HasPrefix(rel, "..") {
		return pathValue
	}
	return rel
}

func normalizeEvidence(paths []string, runDir string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, toRelativePath(p, runDir))
	}
	return out
}

func (r *Registry) writeStatusHistory(runDir string, history []StatusHistoryEntry) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, statusHistoryFilename), data, 0o644)
}

// UpdateStatus transitions a run to status, appending to the history
// file unless the previous entry already carries the same status
// (consecutive duplicates are coalesced).
func (r *Registry) UpdateStatus(runID string, status Status, metadata map[string]any) error {
	runDir := r.RunDir(runID)

	manifest, err := r.GetRun(runID)
	if err != nil {
		return err
	}
	manifest.Status = status
	manifest.UpdatedAt = time.Now().UTC()
	if metadata != nil {
		if manifest.StatusMetadata == nil {
			manifest.StatusMetadata = map[string]any{}
		}
		for k, v := range metadata {
			manifest.StatusMetadata[k] = v
		}
	}
	if err := r.writeManifest(runDir, manifest); err != nil {
		return err
	}

	history, err := r.statusHistory(runDir)
	if err != nil {
		return err
	}
	if len(history) == 0 || history[len(history)-1].Status != status {
		history = append(history, StatusHistoryEntry{Status: status, Timestamp: manifest.UpdatedAt})
		if err := r.writeStatusHistory(runDir, history); err != nil {
			return err
		}
	}

	return r.AppendEvent(runID, Event{Event: "run.status_changed", RunID: runID, Timestamp: manifest.UpdatedAt, Status: status, Data: metadata})
}

func (r *Registry) statusHistory(runDir string) ([]StatusHistoryEntry, error) {
	data, err := os.ReadFile(filepath.Join(runDir, statusHistoryFilename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var history []StatusHistoryEntry
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// StatusHistory returns the persisted history for runID.
func (r *Registry) StatusHistory(runID string) ([]StatusHistoryEntry, error) {
	return r.statusHistory(r.RunDir(runID))
}

// GetRun loads a run's manifest.
func (r *Registry) GetRun(runID string) (*Manifest, error) {
	runDir := r.RunDir(runID)
	data, err := os.ReadFile(filepath.Join(runDir, manifestFilename))
	if os.IsNotExist(err) {
		return nil, apierr.NotFound(fmt.Sprintf("run %s not found", runID))
	}
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ListFilter narrows ListRuns results.
type ListFilter struct {
	Status           Status
	OrganizationSlug string // empty = no tenant restriction (admin/internal use only)
}

// ListRuns returns run manifests (sorted by ID) across all organization
// partitions, applying filter. Pagination is the caller's responsibility (§4.7's
// offset/limit contract) since it operates over the returned slice.
func (r *Registry) ListRuns(filter ListFilter) ([]*Manifest, error) {
	entries, err := os.ReadDir(r.storageRoot)
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, orgEntry := range entries {
		if !orgEntry.IsDir() || strings.HasPrefix(orgEntry.Name(), "_") {
			continue
		}
		if filter.OrganizationSlug != "" && orgEntry.Name() != filter.OrganizationSlug {
			continue
		}
		orgDir := filepath.Join(r.storageRoot, orgEntry.Name())
		runEntries, err := os.ReadDir(orgDir)
		if err != nil {
			continue
		}
		for _, runEntry := range runEntries {
			if !runEntry.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(orgDir, runEntry.Name(), manifestFilename))
			if err != nil {
				continue
			}
			var m Manifest
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			if filter.Status != "" && m.Status != filter.Status {
				continue
			}
			manifests = append(manifests, &m)
		}
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}

// AppendEvent appends an event to events.jsonl and fans it out to any
// live SSE subscribers for runID. SSE delivery is best-effort: a slow
// or absent subscriber never blocks persistence.
func (r *Registry) AppendEvent(runID string, event Event) error {
	runDir := r.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(runDir, eventsFilename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}

	r.broadcast(runID, event)
	return nil
}

// GetEvents returns every persisted event for runID, in file order.
func (r *Registry) GetEvents(runID string) ([]Event, error) {
	runDir := r.RunDir(runID)
	data, err := os.ReadFile(filepath.Join(runDir, eventsFilename))
	if os.IsNotExist(err) {
		return nil, apierr.NotFound(fmt.Sprintf("events for run %s not found", runID))
	}
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e Event
		if json.Unmarshal([]byte(line), &e) == nil {
			events = append(events, e)
		}
	}
	return events, nil
}

// Subscribe registers a buffered channel for live event delivery,
// returning it plus an unsubscribe func. Mirrors the daemon runner's
// Subscribe/unsub shape.
func (r *Registry) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, 100)
	r.subMu.Lock()
	r.listeners[runID] = append(r.listeners[runID], ch)
	r.subMu.Unlock()

	unsub := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		subs := r.listeners[runID]
		for i, c := range subs {
			if c == ch {
				r.listeners[runID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsub
}

func (r *Registry) broadcast(runID string, event Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.listeners[runID] {
		select {
		case ch <- event:
		default:
			r.logger.Warn("runregistry: dropping event for slow subscriber", "run_id", runID)
		}
	}
}

// addToIndex records runID -> slug in the configured index backend.
func (r *Registry) addToIndex(runID, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.add(runID, slug)
}

// RebuildIndex walks storageRoot's organization partitions and
// regenerates the configured index (run_index.json by default) from
// what's actually on disk. moveLegacy,
// when true, also relocates any run directory found directly under
// storageRoot (pre-multi-tenant layout) into a "default" partition.
// Mirrors gazeqa.maintenance.rebuild_index. Idempotent: re-running it
// against an already-rebuilt tree produces the same index.
func (r *Registry) RebuildIndex(moveLegacy bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if moveLegacy {
		if err := r.moveLegacyRunsLocked(); err != nil {
			return 0, err
		}
	}

	entries, err := os.ReadDir(r.storageRoot)
	if err != nil {
		return 0, err
	}

	entriesBySlug := map[string]string{}
	for _, orgEntry := range entries {
		if !orgEntry.IsDir() || strings.HasPrefix(orgEntry.Name(), "_") {
			continue
		}
		orgDir := filepath.Join(r.storageRoot, orgEntry.Name())
		runEntries, err := os.ReadDir(orgDir)
		if err != nil {
			continue
		}
		for _, runEntry := range runEntries {
			if !runEntry.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(orgDir, runEntry.Name(), manifestFilename)); err != nil {
				continue
			}
			entriesBySlug[runEntry.Name()] = orgEntry.Name()
		}
	}

	return r.index.rebuild(entriesBySlug)
}

// moveLegacyRunsLocked relocates run directories found directly under
// storageRoot (identifiable by containing run_manifest.json themselves,
// rather than being an organization partition of run directories) into
// storageRoot/default/.
func (r *Registry) moveLegacyRunsLocked() error {
	entries, err := os.ReadDir(r.storageRoot)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		candidate := filepath.Join(r.storageRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(candidate, manifestFilename)); err != nil {
			continue // not a legacy run dir, it's already an org partition
		}
		defaultDir := filepath.Join(r.storageRoot, "default")
		if err := os.MkdirAll(defaultDir, 0o755); err != nil {
			return err
		}
		dest := filepath.Join(defaultDir, entry.Name())
		if err := os.Rename(candidate, dest); err != nil {
			return err
		}
		r.logger.Info("runregistry: moved legacy run into default partition", "run_id", entry.Name())
	}
	return nil
}
