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

/*
Package tracing provides distributed tracing and observability for gazeqad.

This package implements OpenTelemetry-based tracing for run execution and
HTTP requests. It also provides Prometheus metrics collection and
correlation ID propagation for distributed debugging.

# Overview

The tracing package supports:

  - Distributed tracing via OpenTelemetry
  - Prometheus metrics export
  - Correlation ID propagation across services
  - Run and phase span creation

# Quick Start

Create an OTel provider:

	cfg := tracing.Config{
	    Enabled:        true,
	    ServiceName:    "gazeqad",
	    ServiceVersion: "1.0.0",
	    Sampling: tracing.SamplingConfig{
	        Enabled: true,
	        Rate:    0.1, // 10% sampling
	    },
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg)

Get a tracer and create spans (NewOTelProvider installs its tracer
provider globally, and StartStep takes an OpenTelemetry tracer):

	tracer := otel.Tracer("workflow")

	ctx, span := tracing.StartStep(ctx, tracer, "crawl", "workflow.phase")
	defer span.End()

# Correlation IDs

Correlation IDs link requests across service boundaries:

	// In HTTP middleware
	correlationID := tracing.FromContext(ctx)

	// Add to outbound requests
	req.Header.Set("X-Correlation-ID", string(correlationID))

	// Middleware extracts and injects
	handler = tracing.CorrelationMiddleware(handler)

# Metrics Collection

Prometheus metrics are collected:

	// Get metrics collector
	collector := provider.MetricsCollector()

	// Record events
	collector.RecordRunStart(ctx, runID, workflowID)
	collector.RecordRunComplete(ctx, runID, workflowID, "completed", "api", duration)

Metrics exposed at /metrics:

  - gazeqad_runs_total{workflow,status,trigger}
  - gazeqad_run_duration_seconds{workflow,status,trigger}
  - gazeqad_phases_total{workflow,step,status}
  - gazeqad_phase_duration_seconds{workflow,step,status}

# Configuration

gazeqad reads its tracing settings from the environment
(see daemonconfig.FromEnv and setupTracing in cmd/gazeqad):

	GAZEQA_TRACING_ENABLED=true
	GAZEQA_TRACE_SAMPLE_RATE=0.1
	GAZEQA_OTEL_ENDPOINT=localhost:4317
	GAZEQA_TRACE_STORAGE_PATH=/var/gazeqa/traces.db

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper
  - MetricsCollector: Prometheus metrics recording
  - CorrelationID: Request correlation across services
  - Sampler: Configurable trace sampling
  - Exporter: Trace export to backends (OTLP, etc.)

# Subpackages

  - storage: SQLite-based span storage, queried by a RetentionManager
    that sweeps traces older than its configured max age
  - export: OTLP/console span exporters
*/
package tracing
