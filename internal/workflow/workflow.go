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

// Package workflow runs the fixed auth -> exploration -> crawl ->
// finalize phase sequence for a run, checkpointing each activity
// attempt and retrying retryable failures per a configured backoff.
//
// The shape (goroutine-per-run, checkpoint-before-phase, typed
// terminal-vs-retryable error split) is carried from the daemon
// runner's executor/checkpoint lifecycle; the phase sequence and retry
// semantics themselves come from the original workflow engine.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/conductor/internal/apierr"
	"github.com/tombee/conductor/internal/runregistry"
	"github.com/tombee/conductor/internal/telemetry"
)

// RetryPolicy bounds how many times an activity is retried and how long
// to sleep between attempts.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffSeconds []float64
}

// DefaultRetryPolicy mirrors the original workflow.py defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffSeconds: []float64{1, 5, 15}}
}

// SleepFor returns the backoff duration for the given 1-indexed attempt
// number, clamping to the last configured value once attempts exceed
// the table: sleep_for(attempt) = backoff[min(max(0,attempt-1), len-1)].
func (p RetryPolicy) SleepFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.BackoffSeconds)-1 {
		idx = len(p.BackoffSeconds) - 1
	}
	if idx < 0 {
		return 0
	}
	return time.Duration(p.BackoffSeconds[idx] * float64(time.Second))
}

// Phase identifies one of the fixed workflow phases.
type Phase string

const (
	PhaseAuth        Phase = "auth"
	PhaseExploration Phase = "exploration"
	PhaseCrawl       Phase = "crawl"
	PhaseFinalize    Phase = "finalize"
)

// Activity is one phase's implementation. ctx carries cancellation;
// workflowCtx is the accumulated mutable state passed between phases
// (e.g. the exploration phase's chosen budget, read by crawl).
type Activity func(ctx context.Context, runID string, workflowCtx map[string]any) error

// CheckpointRecord is one line appended to temporal/checkpoints.jsonl.
type CheckpointRecord struct {
	Activity  Phase     `json:"activity"`
	Attempt   int       `json:"attempt"`
	Kind      string    `json:"kind"` // attempt | retry | failed | succeeded
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// TaskRunner executes a single activity under a RetryPolicy, writing a
// checkpoint record for every attempt, retry, and terminal outcome.
// Mirrors gazeqa.workflow.TemporalTaskRunner.run_activity: a
// RetryableError is retried up to MaxAttempts; anything else is
// terminal immediately.
type TaskRunner struct {
	RunID   string
	RunDir  string
	Policy  RetryPolicy
	Logger  *slog.Logger
	Sink    telemetry.Sink
}

func (t *TaskRunner) checkpointPath() string {
	return filepath.Join(t.RunDir, "temporal", "checkpoints.jsonl")
}

func (t *TaskRunner) writeCheckpoint(rec CheckpointRecord) {
	path := t.checkpointPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Logger.Warn("workflow: failed to create checkpoint dir", "error", err)
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Logger.Warn("workflow: failed to open checkpoint file", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

// RunActivity executes activity under the runner's retry policy.
func (t *TaskRunner) RunActivity(ctx context.Context, phase Phase, activity Activity, workflowCtx map[string]any) error {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= t.Policy.MaxAttempts; attempt++ {
		t.writeCheckpoint(CheckpointRecord{Activity: phase, Attempt: attempt, Kind: "attempt", Timestamp: time.Now().UTC()})

		err := activity(ctx, t.RunID, workflowCtx)
		if err == nil {
			t.writeCheckpoint(CheckpointRecord{Activity: phase, Attempt: attempt, Kind: "succeeded", Timestamp: time.Now().UTC()})
			t.emitDuration(phase, "succeeded", start)
			return nil
		}

		lastErr = err
		if !apierr.Is(err, apierr.KindRetryable) || attempt == t.Policy.MaxAttempts {
			t.writeCheckpoint(CheckpointRecord{Activity: phase, Attempt: attempt, Kind: "failed", Timestamp: time.Now().UTC(), Error: err.Error()})
			t.emitDuration(phase, "failed", start)
			return err
		}

		t.writeCheckpoint(CheckpointRecord{Activity: phase, Attempt: attempt, Kind: "retry", Timestamp: time.Now().UTC(), Error: err.Error()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.Policy.SleepFor(attempt)):
		}
	}
	return lastErr
}

func (t *TaskRunner) emitDuration(phase Phase, outcome string, start time.Time) {
	if t.Sink == nil {
		return
	}
	t.Sink.Emit(telemetry.Event{
		RunID: t.RunID,
		Type:  "activity.duration",
		Data: map[string]any{
			"activity": string(phase),
			"outcome":  outcome,
			"seconds":  time.Since(start).Seconds(),
		},
	})
}

// Engine executes the fixed phase sequence for a run, per
// RunWorkflow.execute in the original: auth (skipped when no
// credentials were supplied) -> exploration -> crawl -> finalize.
// Per the spec's authoritative resolution of a source-revision
// disagreement, the workflow engine — not run creation — owns
// invoking auth.
type Engine struct {
	Registry *runregistry.Registry
	Runner   *TaskRunner
	Logger   *slog.Logger

	Auth        Activity
	Exploration Activity
	Crawl       Activity
	Finalize    Activity

	HasCredentials bool

	// OnTerminal, if set, runs after the run reaches Completed or
	// Failed — e.g. mirroring the artifact manifest to an archive
	// backend. Best-effort: it returns no error, so nothing it does
	// can change the outcome, and the run has already reached its
	// terminal status by the time this fires.
	OnTerminal func(ctx context.Context, runID string, finalStatus runregistry.Status)
}

// ErrTerminal wraps a non-retryable activity error for logging clarity
// at the workflow level; activities themselves should return
// apierr.Terminal/apierr.Retryable directly.
var ErrTerminal = errors.New("workflow: terminal activity failure")

// Execute runs every phase in order, updating run status as it goes and
// recording workflow.completed/workflow.failed run events. Any
// non-retryable error (after exhausting retries for retryable ones)
// halts the sequence: status is set to Failed and the error is
// returned, never re-run.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	workflowCtx := map[string]any{}

	if e.HasCredentials {
		if err := e.runPhase(ctx, runID, PhaseAuth, runregistry.StatusAuthInProgress, e.Auth, workflowCtx); err != nil {
			return e.fail(ctx, runID, err)
		}
	} else {
		if err := e.Registry.UpdateStatus(runID, runregistry.StatusAuthSkipped, nil); err != nil {
			return e.fail(ctx, runID, err)
		}
	}

	if err := e.runPhase(ctx, runID, PhaseExploration, runregistry.StatusExplorationInProgress, e.Exploration, workflowCtx); err != nil {
		return e.fail(ctx, runID, err)
	}

	if err := e.runPhase(ctx, runID, PhaseCrawl, runregistry.StatusCrawlInProgress, e.Crawl, workflowCtx); err != nil {
		return e.fail(ctx, runID, err)
	}

	if e.Finalize != nil {
		if err := e.Runner.RunActivity(ctx, PhaseFinalize, e.Finalize, workflowCtx); err != nil {
			return e.fail(ctx, runID, err)
		}
	}

	if err := e.Registry.UpdateStatus(runID, runregistry.StatusCompleted, nil); err != nil {
		return err
	}
	e.Registry.AppendEvent(runID, runregistry.Event{Event: "workflow.completed", RunID: runID, Timestamp: time.Now().UTC(), Status: runregistry.StatusCompleted})
	if e.Runner.Sink != nil {
		e.Runner.Sink.Emit(telemetry.Event{RunID: runID, Type: "workflow.completed", Data: map[string]any{"status": "completed"}})
	}
	if e.OnTerminal != nil {
		e.OnTerminal(ctx, runID, runregistry.StatusCompleted)
	}
	return nil
}

func (e *Engine) runPhase(ctx context.Context, runID string, phase Phase, status runregistry.Status, activity Activity, workflowCtx map[string]any) error {
	if err := e.Registry.UpdateStatus(runID, status, nil); err != nil {
		return err
	}
	return e.Runner.RunActivity(ctx, phase, activity, workflowCtx)
}

func (e *Engine) fail(ctx context.Context, runID string, cause error) error {
	e.Registry.UpdateStatus(runID, runregistry.StatusFailed, map[string]any{"error": cause.Error()})
	e.Registry.AppendEvent(runID, runregistry.Event{Event: "workflow.failed", RunID: runID, Timestamp: time.Now().UTC(), Status: runregistry.StatusFailed, Data: map[string]any{"error": cause.Error()}})
	if e.Runner.Sink != nil {
		e.Runner.Sink.Emit(telemetry.Event{RunID: runID, Type: "workflow.failed", Data: map[string]any{"status": "failed"}})
	}
	if e.Logger != nil {
		e.Logger.Error("workflow: run failed", "run_id", runID, "error", cause)
	}
	if e.OnTerminal != nil {
		e.OnTerminal(ctx, runID, runregistry.StatusFailed)
	}
	return cause
}
