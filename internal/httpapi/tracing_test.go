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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tombee/conductor/internal/tracing"
)

func TestRequestTracing_NilTracerPassesThrough(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	requestTracing(nil)(next).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected next handler to run with a nil tracer")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequestTracing_InjectsCorrelationID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background()) //nolint:errcheck
	tracer := tp.Tracer("test")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := tracing.FromContextOrEmpty(r.Context()); id == "" {
			t.Errorf("expected a correlation ID to be attached to the request context")
		}
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	requestTracing(tracer)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(tracing.HeaderCorrelationID) == "" {
		t.Errorf("expected a correlation ID on the response")
	}
}

func TestRequestTracing_PropagatesUpstreamCorrelationID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background()) //nolint:errcheck
	tracer := tp.Tracer("test")

	const upstreamID = "11111111-2222-3333-4444-555555555555"
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set(tracing.HeaderCorrelationID, upstreamID)
	rec := httptest.NewRecorder()
	requestTracing(tracer)(next).ServeHTTP(rec, req)

	if got := rec.Header().Get(tracing.HeaderCorrelationID); got != upstreamID {
		t.Errorf("expected upstream correlation ID %q to be echoed back, got %q", upstreamID, got)
	}
}
