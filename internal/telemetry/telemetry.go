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

// Package telemetry defines the sink contract activities and the
// workflow engine emit observability events through, plus a Prometheus
// collector that aggregates the event stream into exported metrics.
package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event is one observability data point emitted by a running activity
// or the workflow engine, mirroring gazeqa.observability's event shape.
type Event struct {
	RunID string
	Type  string // e.g. "activity.duration", "guardrail.triggered", "crawl.health", "workflow.completed"
	Data  map[string]any
}

// Sink is the contract external telemetry forwarders implement.
// Mirrors gazeqa.telemetry.TelemetrySink.
type Sink interface {
	Emit(Event)
}

// NoOp discards every event. Used when no telemetry sink is configured.
type NoOp struct{}

func (NoOp) Emit(Event) {}

// Multi fans an event out to every sink in the list.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// PrometheusSink aggregates the event stream into Prometheus metrics —
// a run-status counter, activity duration histograms, a guardrail
// counter and a crawl-health gauge — mirroring the per-event-type aggregation in
// gazeqa.observability.RunObservability._update_metrics.
type PrometheusSink struct {
	mu sync.Mutex

	RunsTotal         *prometheus.CounterVec
	ActivityDuration  *prometheus.HistogramVec
	GuardrailsTotal   *prometheus.CounterVec
	CrawlHealthRatio  *prometheus.GaugeVec
	ExecutorQueueSize prometheus.Gauge
}

// NewPrometheusSink registers the collectors on reg (pass
// prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer in production).
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazeqa_runs_total",
			Help: "Count of runs by terminal status.",
		}, []string{"status"}),
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gazeqa_activity_duration_seconds",
			Help: "Activity execution duration in seconds.",
		}, []string{"activity", "outcome"}),
		GuardrailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazeqa_guardrail_triggers_total",
			Help: "Count of guardrail triggers by activity and reason.",
		}, []string{"activity", "reason"}),
		CrawlHealthRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gazeqa_crawl_health_ratio",
			Help: "Ratio of successfully fetched pages to attempted pages for the most recent crawl.",
		}, []string{"run_id"}),
		ExecutorQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gazeqa_executor_queue_depth",
			Help: "Number of runs waiting for an executor slot.",
		}),
	}
	reg.MustRegister(s.RunsTotal, s.ActivityDuration, s.GuardrailsTotal, s.CrawlHealthRatio, s.ExecutorQueueSize)
	return s
}

// RunSink persists every event to a per-run observability/logs.jsonl
// file and maintains a rolling observability/metrics.json summary,
// mirroring gazeqa.observability.RunObservability's aggregation of the
// telemetry stream into per-run JSONL logs and a metrics snapshot.
type RunSink struct {
	mu      sync.Mutex
	runDir  func(runID string) string
	metrics map[string]map[string]any
}

// NewRunSink returns a RunSink that resolves a run's directory via
// runDir (ordinarily runregistry.Registry.RunDir).
func NewRunSink(runDir func(runID string) string) *RunSink {
	return &RunSink{runDir: runDir, metrics: map[string]map[string]any{}}
}

func (s *RunSink) Emit(e Event) {
	if e.RunID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		entry[k] = v
	}
	entry["run_id"] = e.RunID
	entry["event"] = e.Type
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	dir := filepath.Join(s.runDir(e.RunID), "observability")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	line, err := json.Marshal(entry)
	if err == nil {
		appendLine(filepath.Join(dir, "logs.jsonl"), line)
	}

	metrics, ok := s.metrics[e.RunID]
	if !ok {
		metrics = map[string]any{"run_id": e.RunID}
		s.metrics[e.RunID] = metrics
	}
	updateMetrics(metrics, e)

	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "metrics.json"), data, 0o644)
}

// updateMetrics folds one event into the run's rolling metrics summary,
// mirroring RunObservability._update_metrics's per-event-type handling.
func updateMetrics(metrics map[string]any, e Event) {
	switch e.Type {
	case "activity.duration":
		activities, _ := metrics["activities"].(map[string]any)
		if activities == nil {
			activities = map[string]any{}
			metrics["activities"] = activities
		}
		activity, _ := e.Data["activity"].(string)
		activities[activity] = map[string]any{
			"outcome": e.Data["outcome"],
			"seconds": e.Data["seconds"],
		}
	case "guardrail.triggered":
		guardrails, _ := metrics["guardrails"].(map[string]any)
		if guardrails == nil {
			guardrails = map[string]any{}
			metrics["guardrails"] = guardrails
		}
		activity, _ := e.Data["activity"].(string)
		reason, _ := e.Data["reason"].(string)
		activityCounts, _ := guardrails[activity].(map[string]int)
		if activityCounts == nil {
			activityCounts = map[string]int{}
			guardrails[activity] = activityCounts
		}
		activityCounts[reason]++
	case "crawl.health":
		metrics["crawl"] = map[string]any{"health_ratio": e.Data["ratio"]}
	case "workflow.completed":
		metrics["workflow"] = map[string]any{"status": "completed"}
	case "workflow.failed":
		metrics["workflow"] = map[string]any{"status": "failed"}
	}
}

func appendLine(path string, line []byte) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(line)
	f.Write([]byte("\n"))
}

func (s *PrometheusSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Type {
	case "workflow.completed", "workflow.failed":
		status, _ := e.Data["status"].(string)
		s.RunsTotal.WithLabelValues(status).Inc()
	case "activity.duration":
		activity, _ := e.Data["activity"].(string)
		outcome, _ := e.Data["outcome"].(string)
		seconds, _ := e.Data["seconds"].(float64)
		s.ActivityDuration.WithLabelValues(activity, outcome).Observe(seconds)
	case "guardrail.triggered":
		activity, _ := e.Data["activity"].(string)
		reason, _ := e.Data["reason"].(string)
		s.GuardrailsTotal.WithLabelValues(activity, reason).Inc()
	case "crawl.health":
		ratio, _ := e.Data["ratio"].(float64)
		s.CrawlHealthRatio.WithLabelValues(e.RunID).Set(ratio)
	}
}
