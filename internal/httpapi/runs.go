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

// Package httpapi exposes the run registry and workflow engine over
// HTTP: run intake, listing, status, live events, and signed artifact
// downloads, behind bearer-token auth and scope checks.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/conductor/internal/apierr"
	"github.com/tombee/conductor/internal/artifacts"
	"github.com/tombee/conductor/internal/audit"
	"github.com/tombee/conductor/internal/execpool"
	"github.com/tombee/conductor/internal/jq"
	"github.com/tombee/conductor/internal/runmodel"
	"github.com/tombee/conductor/internal/runregistry"
	"github.com/tombee/conductor/internal/signing"
)

const (
	scopeRunsCreate  = "runs:create"
	scopeRunsRead    = "runs:read"
	scopeRunsEvents  = "runs:events"
	scopeRunsReadAll = "runs:read:all"
)

// Deps wires every collaborator the HTTP boundary calls into. Execute, if
// set, is invoked in a new goroutine (bounded by Pool) once a run is
// created, to drive it through the workflow engine; tests may leave it
// nil to exercise intake in isolation.
type Deps struct {
	Registry    *runregistry.Registry
	Pool        *execpool.Pool
	SigningRing func() *signing.Ring
	Audit       *audit.Logger
	Logger      *slog.Logger
	ArtifactsDir func(runID string) string
	Execute      func(ctx context.Context, runID string) error

	// MetadataQuery executes the optional metadata_query jq filter on
	// POST /v1/runs/{id}/status. Defaults to a 1s/10MB-bounded
	// jq.Executor if left nil.
	MetadataQuery *jq.Executor
}

// Server holds the handlers bound to Deps.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MetadataQuery == nil {
		deps.MetadataQuery = jq.NewExecutor(0, 0)
	}
	return &Server{deps: deps}
}

func (s *Server) logger() *slog.Logger { return s.deps.Logger }

func (s *Server) audit(action, status string, r *http.Request, runID string, metadata map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	var principal *audit.Principal
	if p, ok := PrincipalFromContext(r.Context()); ok {
		principal = &audit.Principal{ActorRole: p.ActorRole, OrganizationSlug: p.OrganizationSlug, Token: p.Token}
	}
	if err := s.deps.Audit.Emit(action, status, principal, runID, metadata, r.RemoteAddr); err != nil {
		s.logger().Warn("httpapi: audit emit failed", "error", err)
	}
}

// HandleCreateRun implements POST /v1/runs. The authenticated principal's
// organization_slug always wins over whatever the payload requested —
// tokens are scoped to a tenant and cannot be used to create runs for a
// different one, even accidentally.
func (s *Server) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var raw runmodel.RawPayload
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	payload, err := runmodel.FromRaw(raw)
	if err != nil {
		s.audit(audit.ActionRunCreate, "rejected", r, "", map[string]any{"error": err.Error()})
		writeAPIError(w, err)
		return
	}

	if principal != nil && principal.OrganizationSlug != "" {
		payload.OrganizationSlug = principal.OrganizationSlug
		payload.Organization = principal.Organization
		payload.ActorRole = principal.ActorRole
	}

	manifest, err := s.deps.Registry.CreateRun(payload)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	s.audit(audit.ActionRunCreate, "accepted", r, manifest.ID, nil)

	if s.deps.Execute != nil && s.deps.Pool != nil {
		runID := manifest.ID
		err := s.deps.Pool.Submit(context.Background(), execpool.Task{
			RunID: runID,
			Run: func(ctx context.Context) {
				if err := s.deps.Execute(ctx, runID); err != nil {
					s.logger().Error("httpapi: run execution failed", "run_id", runID, "error", err)
				}
			},
		})
		if err != nil {
			s.logger().Warn("httpapi: could not schedule run execution", "run_id", runID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, manifest)
}

// HandleListRuns implements GET /v1/runs. A principal without the
// runs:read:all scope is restricted to its own organization_slug
// regardless of any status/org filter it passes.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	filter := runregistry.ListFilter{
		Status: runregistry.Status(r.URL.Query().Get("status")),
	}
	if principal != nil && !MatchesScope(principal.Scopes, scopeRunsReadAll) {
		filter.OrganizationSlug = principal.OrganizationSlug
	} else if v := r.URL.Query().Get("organization_slug"); v != "" {
		filter.OrganizationSlug = v
	}

	manifests, err := s.deps.Registry.ListRuns(filter)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	p := parsePage(r)
	start, end, next, previous := p.slice(len(manifests))
	items := manifests[start:end]

	s.audit(audit.ActionRunList, "ok", r, "", map[string]any{"count": len(items)})

	writeJSON(w, http.StatusOK, pagedResponse{
		Items: items, Total: len(manifests), Offset: p.Offset, Limit: p.Limit,
		NextOffset: next, PreviousOffset: previous,
	})
}

// HandleGetRun implements GET /v1/runs/{id}.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		s.audit(audit.ActionRunRead, "not_found", r, runID, nil)
		writeAPIError(w, err)
		return
	}
	if err := s.checkTenant(r, manifest.OrganizationSlug); err != nil {
		writeAPIError(w, err)
		return
	}
	s.audit(audit.ActionRunRead, "ok", r, runID, nil)
	writeJSON(w, http.StatusOK, manifest)
}

// HandleCancelRun implements DELETE /v1/runs/{id}.
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.checkTenant(r, manifest.OrganizationSlug); err != nil {
		writeAPIError(w, err)
		return
	}

	if s.deps.Pool != nil {
		s.deps.Pool.Cancel(runID)
	}
	if err := s.deps.Registry.UpdateStatus(runID, runregistry.StatusFailed, map[string]any{"reason": "cancelled"}); err != nil {
		writeAPIError(w, err)
		return
	}

	s.audit(audit.ActionRunCancel, "ok", r, runID, nil)
	w.WriteHeader(http.StatusAccepted)
}

// statusUpdatePayload is the body of POST /v1/runs/{id}/status. Status
// is optional — operators may send metadata-only annotations without
// forcing a transition. MetadataQuery, if set, is a jq expression run
// against the run's existing status_metadata; its object result is
// combined with Metadata (explicit Metadata keys win) and the result is
// merged into status_metadata, so a query can add or overwrite keys but
// does not remove existing ones.
type statusUpdatePayload struct {
	Status        string         `json:"status,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	MetadataQuery string         `json:"metadata_query,omitempty"`
}

// HandleUpdateStatus implements POST /v1/runs/{id}/status, an operator
// endpoint for out-of-band status/metadata annotation (e.g. from an
// external supervisor that detected a stall the workflow engine itself
// can't see).
func (s *Server) HandleUpdateStatus(w http.ResponseWriter, r *http.Request, runID string) {
	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.checkTenant(r, manifest.OrganizationSlug); err != nil {
		writeAPIError(w, err)
		return
	}

	var payload statusUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	metadata := payload.Metadata
	if payload.MetadataQuery != "" {
		var existing any = manifest.StatusMetadata
		if existing == nil {
			existing = map[string]any{}
		}
		result, err := s.deps.MetadataQuery.Execute(r.Context(), payload.MetadataQuery, existing)
		if err != nil {
			writeAPIError(w, apierr.Wrap(apierr.KindValidation, "metadata_query evaluation failed", err))
			return
		}
		filtered, ok := result.(map[string]any)
		if !ok {
			writeAPIError(w, apierr.New(apierr.KindValidation, "metadata_query must produce an object"))
			return
		}
		if metadata == nil {
			metadata = filtered
		} else {
			for k, v := range filtered {
				if _, exists := metadata[k]; !exists {
					metadata[k] = v
				}
			}
		}
	}

	status := manifest.Status
	if payload.Status != "" {
		status = runregistry.Status(payload.Status)
	}

	if err := s.deps.Registry.UpdateStatus(runID, status, metadata); err != nil {
		writeAPIError(w, err)
		return
	}

	s.audit(audit.ActionRunStatusSet, "ok", r, runID, map[string]any{"status": string(status)})

	updated, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// eventsSnapshot is the body of GET /v1/runs/{id}/events.
type eventsSnapshot struct {
	Events        []runregistry.Event             `json:"events"`
	StatusHistory []runregistry.StatusHistoryEntry `json:"status_history"`
}

// HandleEventsSnapshot implements GET /v1/runs/{id}/events: a plain-JSON
// point-in-time read of every persisted event plus the status history,
// for callers that poll rather than hold an open connection.
func (s *Server) HandleEventsSnapshot(w http.ResponseWriter, r *http.Request, runID string) {
	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.checkTenant(r, manifest.OrganizationSlug); err != nil {
		writeAPIError(w, err)
		return
	}

	events, err := s.deps.Registry.GetEvents(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	history, err := s.deps.Registry.StatusHistory(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	s.audit(audit.ActionRunEvents, "ok", r, runID, nil)
	writeJSON(w, http.StatusOK, eventsSnapshot{Events: events, StatusHistory: history})
}

// eventsHeartbeatInterval is how often HandleEventsStream sends a
// keep-alive comment while waiting for the next event.
const eventsHeartbeatInterval = 30 * time.Second

// HandleEventsStream implements GET /v1/runs/{id}/events/stream as
// Server-Sent Events: it first replays every persisted event, then
// streams new ones as they arrive, sending a comment heartbeat every
// 30s of inactivity so idle connections aren't reaped by intermediaries.
func (s *Server) HandleEventsStream(w http.ResponseWriter, r *http.Request, runID string) {
	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.checkTenant(r, manifest.OrganizationSlug); err != nil {
		writeAPIError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.audit(audit.ActionRunEvents, "ok", r, runID, nil)

	past, err := s.deps.Registry.GetEvents(runID)
	if err == nil {
		for _, e := range past {
			writeSSE(w, e)
		}
		flusher.Flush()
	}

	live, unsub := s.deps.Registry.Subscribe(runID)
	defer unsub()

	heartbeat := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case e, ok := <-live:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
			heartbeat.Reset(eventsHeartbeatInterval)
		}
	}
}

func writeSSE(w http.ResponseWriter, e runregistry.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Event, data)
}

// HandleDownload implements GET /v1/runs/{id}/download: it verifies the
// HMAC signature and expiry, then streams the artifact file relative to
// the run's artifacts directory.
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request, runID string) {
	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	q := r.URL.Query()
	relPath := q.Get("path")
	expiresRaw := q.Get("expires")
	sig := q.Get("sig")

	expires, err := signing.ParseExpires(expiresRaw)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	ring := s.deps.SigningRing()
	if err := signing.Verify(ring, runID, manifest.OrganizationSlug, relPath, expires, sig); err != nil {
		s.audit(audit.ActionRunDownload, "signature_rejected", r, runID, map[string]any{"path": relPath})
		writeAPIError(w, err)
		return
	}

	root := s.artifactsDir(runID)
	if !artifacts.ContainsPath(root, relPath) {
		writeAPIError(w, apierr.New(apierr.KindInvalidPath, "path escapes artifacts root"))
		return
	}

	s.audit(audit.ActionRunDownload, "ok", r, runID, map[string]any{"path": relPath})
	http.ServeFile(w, r, filepath.Join(root, relPath))
}

// artifactEntry annotates an artifacts.FileEntry with a time-limited
// signed download URL, when a signing key is configured.
type artifactEntry struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	DownloadURL string `json:"download_url,omitempty"`
}

const artifactURLTTL = 15 * time.Minute

// HandleListArtifacts implements GET /v1/runs/{id}/artifacts: a
// paginated view of the run's artifact manifest, each entry annotated
// with a signed download_url when a signing key exists.
func (s *Server) HandleListArtifacts(w http.ResponseWriter, r *http.Request, runID string) {
	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.checkTenant(r, manifest.OrganizationSlug); err != nil {
		writeAPIError(w, err)
		return
	}

	index, err := artifacts.ReadIndex(s.artifactsDir(runID))
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.KindNotFound, "artifact manifest not available", err))
		return
	}

	var ring *signing.Ring
	if s.deps.SigningRing != nil {
		ring = s.deps.SigningRing()
	}

	p := parsePage(r)
	start, end, next, previous := p.slice(len(index.Files))
	items := make([]artifactEntry, 0, end-start)
	expires := time.Now().Add(artifactURLTTL)
	for _, f := range index.Files[start:end] {
		entry := artifactEntry{Path: f.Path, Size: f.Size, SHA256: f.SHA256}
		if ring != nil {
			if sig, err := ring.Sign(runID, manifest.OrganizationSlug, f.Path, expires); err == nil {
				q := url.Values{}
				q.Set("path", f.Path)
				q.Set("expires", fmt.Sprintf("%d", expires.Unix()))
				q.Set("sig", sig)
				entry.DownloadURL = "/v1/runs/" + runID + "/download?" + q.Encode()
			}
		}
		items = append(items, entry)
	}

	s.audit(audit.ActionRunArtifacts, "ok", r, runID, map[string]any{"count": len(items)})

	writeJSON(w, http.StatusOK, pagedResponse{
		Items: items, Total: len(index.Files), Offset: p.Offset, Limit: p.Limit,
		NextOffset: next, PreviousOffset: previous,
	})
}

// checkpointPayload is the body of POST /v1/runs/{id}/checkpoints.
type checkpointPayload struct {
	Name    string         `json:"name"`
	Details map[string]any `json:"details,omitempty"`
}

// HandleRecordCheckpoint implements POST /v1/runs/{id}/checkpoints: an
// operator-supplied durable lifecycle annotation, appended to the same
// temporal/checkpoints.jsonl file the workflow engine writes its own
// per-activity attempt/retry/succeeded/failed records to.
func (s *Server) HandleRecordCheckpoint(w http.ResponseWriter, r *http.Request, runID string) {
	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.checkTenant(r, manifest.OrganizationSlug); err != nil {
		writeAPIError(w, err)
		return
	}

	var payload checkpointPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Name == "" {
		writeAPIError(w, apierr.Validation(map[string]string{"name": "required"}))
		return
	}

	if err := s.deps.Registry.AppendCheckpoint(runID, payload.Name, payload.Details); err != nil {
		writeAPIError(w, err)
		return
	}

	s.audit(audit.ActionRunCheckpoint, "ok", r, runID, map[string]any{"name": payload.Name})
	w.WriteHeader(http.StatusAccepted)
}

// HandlePublicDownload implements GET /v1/runs/public/download: the
// unauthenticated counterpart to HandleDownload. A possessor of a valid
// signature needs no bearer token — the signature itself is the
// credential — so run_id travels as a query parameter rather than a
// path segment the Auth middleware would otherwise guard.
func (s *Server) HandlePublicDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID := q.Get("run_id")
	relPath := q.Get("path")
	expiresRaw := q.Get("expires")
	sig := q.Get("sig")

	manifest, err := s.deps.Registry.GetRun(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	expires, err := signing.ParseExpires(expiresRaw)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	ring := s.deps.SigningRing()
	if err := signing.Verify(ring, runID, manifest.OrganizationSlug, relPath, expires, sig); err != nil {
		s.audit(audit.ActionRunDownload, "signature_rejected", r, runID, map[string]any{"path": relPath})
		writeAPIError(w, err)
		return
	}

	root := s.artifactsDir(runID)
	if !artifacts.ContainsPath(root, relPath) {
		writeAPIError(w, apierr.New(apierr.KindInvalidPath, "path escapes artifacts root"))
		return
	}

	s.audit(audit.ActionRunDownload, "ok", r, runID, map[string]any{"path": relPath})
	http.ServeFile(w, r, filepath.Join(root, relPath))
}

// alertPayload is the body of POST /v1/observability/alerts.
type alertPayload struct {
	Source  string         `json:"source"`
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

// HandleIngestAlert implements POST /v1/observability/alerts: an
// external monitor's alert summary is written straight to the audit
// log, behind the single static GAZEQA_ALERT_WEBHOOK_TOKEN rather than
// the tenant-scoped principal registry — an alert has no run or
// organization of its own to be scoped to.
func (s *Server) HandleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var payload alertPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Summary == "" {
		writeAPIError(w, apierr.Validation(map[string]string{"summary": "required"}))
		return
	}

	metadata := map[string]any{"source": payload.Source, "summary": payload.Summary}
	for k, v := range payload.Details {
		metadata[k] = v
	}
	if s.deps.Audit != nil {
		if err := s.deps.Audit.Emit(audit.ActionAlertIngest, "ok", nil, "", metadata, r.RemoteAddr); err != nil {
			s.logger().Warn("httpapi: audit emit failed", "error", err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) artifactsDir(runID string) string {
	if s.deps.ArtifactsDir != nil {
		return s.deps.ArtifactsDir(runID)
	}
	return filepath.Join(s.deps.Registry.RunDir(runID), "artifacts")
}

// checkTenant rejects access to manifestSlug unless the caller's
// principal belongs to that organization or carries runs:read:all.
func (s *Server) checkTenant(r *http.Request, manifestSlug string) error {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		return apierr.New(apierr.KindUnauthorized, "no authenticated principal")
	}
	if MatchesScope(principal.Scopes, scopeRunsReadAll) {
		return nil
	}
	if principal.OrganizationSlug != manifestSlug {
		return apierr.New(apierr.KindForbidden, "run belongs to a different organization")
	}
	return nil
}

// pathParam extracts the path segment following prefix, stripping any
// trailing sub-path (e.g. "/v1/runs/RUN-1/events" with prefix
// "/v1/runs/" returning ("RUN-1", "/events")).
func pathParam(path, prefix string) (id string, rest string) {
	trimmed := strings.TrimPrefix(path, prefix)
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], trimmed[idx:]
}
