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
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/conductor/internal/tracing"
)

// requestTracing starts a root span for every request, propagating any
// upstream W3C trace context and tagging the span with the correlation
// ID so operators can pivot between logs and traces for the same
// request. A nil tracer disables tracing without changing the handler
// chain shape.
func requestTracing(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tracer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := tracing.ExtractHTTPHeaders(r.Context(), r)

			correlationID, ok := tracing.ExtractFromRequest(r)
			if !ok || !correlationID.IsValid() {
				correlationID = tracing.NewCorrelationID()
			}
			ctx = tracing.ToContext(ctx, correlationID)
			tracing.InjectIntoResponse(w, correlationID)

			ctx, span := tracer.Start(ctx, "http.request: "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
					attribute.String("correlation.id", correlationID.String()),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}
