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

package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// RouterConfig configures middleware applied ahead of every route.
type RouterConfig struct {
	Auth   AuthConfig
	CORS   CORSConfig
	Logger *slog.Logger
	Tracer trace.Tracer

	// AlertWebhookToken gates POST /v1/observability/alerts. Empty
	// disables the endpoint (every request is rejected 401).
	AlertWebhookToken string
}

// NewRouter builds the full *http.ServeMux: health/metrics endpoints and
// the signature-authorized GET /v1/runs/public/download are
// unauthenticated, every other route under /v1/runs goes through bearer
// auth and per-endpoint scope checks, and every request is logged.
func NewRouter(s *Server, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	authMW := Auth(cfg.Auth)

	mux.Handle("POST /v1/runs", chain(http.HandlerFunc(s.HandleCreateRun), authMW, RequireScope(scopeRunsCreate)))
	mux.Handle("GET /v1/runs", chain(http.HandlerFunc(s.HandleListRuns), authMW, RequireScope(scopeRunsRead)))
	mux.Handle("GET /v1/runs/public/download", http.HandlerFunc(s.HandlePublicDownload))
	mux.Handle("/v1/runs/", chain(http.HandlerFunc(s.routeRunSubpath), authMW))
	mux.Handle("POST /v1/observability/alerts", chain(http.HandlerFunc(s.HandleIngestAlert), StaticBearer(cfg.AlertWebhookToken)))

	handler := chain(mux, CORS(cfg.CORS), requestLogger(logger), requestTracing(cfg.Tracer))
	return handler
}

// routeRunSubpath dispatches /v1/runs/{id}[/events|/download] by method
// and trailing path, applying the scope each sub-route requires. A
// single prefix handler (rather than per-route mux.Handle calls) keeps
// the {id} extraction in one place, matching how the daemon's run router
// threads a path-derived ID through several related handlers.
func (s *Server) routeRunSubpath(w http.ResponseWriter, r *http.Request) {
	id, rest := pathParam(r.URL.Path, "/v1/runs/")
	if id == "" {
		writeError(w, http.StatusNotFound, "missing run id")
		return
	}

	switch {
	case rest == "" && r.Method == http.MethodGet:
		s.scoped(scopeRunsRead, s.HandleGetRun)(w, r, id)
	case rest == "" && r.Method == http.MethodDelete:
		s.scoped(scopeRunsRead, s.HandleCancelRun)(w, r, id)
	case rest == "/events" && r.Method == http.MethodGet:
		s.scoped(scopeRunsRead, s.HandleEventsSnapshot)(w, r, id)
	case rest == "/events/stream" && r.Method == http.MethodGet:
		s.scoped(scopeRunsEvents, s.HandleEventsStream)(w, r, id)
	case strings.HasPrefix(rest, "/download") && r.Method == http.MethodGet:
		s.scoped(scopeRunsRead, s.HandleDownload)(w, r, id)
	case rest == "/artifacts" && r.Method == http.MethodGet:
		s.scoped(scopeRunsRead, s.HandleListArtifacts)(w, r, id)
	case rest == "/status" && r.Method == http.MethodPost:
		s.scoped(scopeRunsCreate, s.HandleUpdateStatus)(w, r, id)
	case rest == "/checkpoints" && r.Method == http.MethodPost:
		s.scoped(scopeRunsCreate, s.HandleRecordCheckpoint)(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "no such route")
	}
}

func (s *Server) scoped(scope string, h func(http.ResponseWriter, *http.Request, string)) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, id string) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "no authenticated principal")
			return
		}
		if !MatchesScope(principal.Scopes, scope) {
			writeError(w, http.StatusForbidden, "token scope does not permit "+scope)
			return
		}
		h(w, r, id)
	}
}

func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("httpapi: request",
				"method", r.Method, "path", r.URL.Path,
				"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
