package workflow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tombee/conductor/internal/apierr"
	"github.com/tombee/conductor/internal/runmodel"
	"github.com/tombee/conductor/internal/runregistry"
)

func TestRetryPolicy_SleepFor_ClampsToLastEntry(t *testing.T) {
	p := RetryPolicy{BackoffSeconds: []float64{1, 5, 15}}
	if p.SleepFor(1) != time.Second {
		t.Errorf("attempt 1: got %v", p.SleepFor(1))
	}
	if p.SleepFor(3) != 15*time.Second {
		t.Errorf("attempt 3: got %v", p.SleepFor(3))
	}
	if p.SleepFor(10) != 15*time.Second {
		t.Errorf("attempt 10 should clamp: got %v", p.SleepFor(10))
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTaskRunner_RetriesRetryableThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	runner := &TaskRunner{
		RunID:  "RUN-1",
		RunDir: dir,
		Policy: RetryPolicy{MaxAttempts: 3, BackoffSeconds: []float64{0, 0, 0}},
		Logger: testLogger(),
	}

	attempts := 0
	activity := func(ctx context.Context, runID string, wctx map[string]any) error {
		attempts++
		if attempts < 2 {
			return apierr.Retryable(errors.New("transient"))
		}
		return nil
	}

	if err := runner.RunActivity(context.Background(), PhaseExploration, activity, map[string]any{}); err != nil {
		t.Fatalf("RunActivity: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestTaskRunner_TerminalErrorDoesNotRetry(t *testing.T) {
	dir := t.TempDir()
	runner := &TaskRunner{
		RunID:  "RUN-1",
		RunDir: dir,
		Policy: RetryPolicy{MaxAttempts: 3, BackoffSeconds: []float64{0}},
		Logger: testLogger(),
	}

	attempts := 0
	activity := func(ctx context.Context, runID string, wctx map[string]any) error {
		attempts++
		return apierr.Terminal(errors.New("boom"))
	}

	err := runner.RunActivity(context.Background(), PhaseCrawl, activity, map[string]any{})
	if err == nil {
		t.Fatal("expected terminal error to propagate")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for terminal error, got %d", attempts)
	}
}

func TestTaskRunner_ExhaustsRetriesAndFails(t *testing.T) {
	dir := t.TempDir()
	runner := &TaskRunner{
		RunID:  "RUN-1",
		RunDir: dir,
		Policy: RetryPolicy{MaxAttempts: 2, BackoffSeconds: []float64{0}},
		Logger: testLogger(),
	}

	attempts := 0
	activity := func(ctx context.Context, runID string, wctx map[string]any) error {
		attempts++
		return apierr.Retryable(errors.New("still failing"))
	}

	err := runner.RunActivity(context.Background(), PhaseCrawl, activity, map[string]any{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func newEngineHarness(t *testing.T) (*Engine, *runregistry.Registry, string) {
	t.Helper()
	root := t.TempDir()
	reg, err := runregistry.New(root, testLogger())
	if err != nil {
		t.Fatalf("runregistry.New: %v", err)
	}
	manifest, err := reg.CreateRun(runmodel.CreateRunPayload{
		TargetURL:        "https://example.com",
		Budgets:          runmodel.BudgetSpec{TimeBudgetMinutes: 30, PageBudget: 200},
		StorageProfile:   "default",
		OrganizationSlug: "default",
		ActorRole:        "qa_runner",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runner := &TaskRunner{RunID: manifest.ID, RunDir: reg.RunDir(manifest.ID), Policy: DefaultRetryPolicy(), Logger: testLogger()}
	engine := &Engine{Registry: reg, Runner: runner, Logger: testLogger()}
	return engine, reg, manifest.ID
}

func TestEngine_Execute_RunsAllPhasesAndCompletes(t *testing.T) {
	engine, reg, runID := newEngineHarness(t)
	var order []string
	ok := func(name string) Activity {
		return func(ctx context.Context, runID string, wctx map[string]any) error {
			order = append(order, name)
			return nil
		}
	}
	engine.Exploration = ok("exploration")
	engine.Crawl = ok("crawl")
	engine.Finalize = ok("finalize")

	if err := engine.Execute(context.Background(), runID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	manifest, err := reg.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if manifest.Status != runregistry.StatusCompleted {
		t.Errorf("status = %v, want Completed", manifest.Status)
	}
	if len(order) != 3 || order[0] != "exploration" || order[1] != "crawl" || order[2] != "finalize" {
		t.Errorf("unexpected phase order: %v", order)
	}
}

func TestEngine_Execute_SkipsAuthWithoutCredentials(t *testing.T) {
	engine, reg, runID := newEngineHarness(t)
	engine.Exploration = func(ctx context.Context, runID string, wctx map[string]any) error { return nil }
	engine.Crawl = func(ctx context.Context, runID string, wctx map[string]any) error { return nil }

	if err := engine.Execute(context.Background(), runID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	history, err := reg.StatusHistory(runID)
	if err != nil {
		t.Fatalf("StatusHistory: %v", err)
	}
	foundSkipped := false
	for _, h := range history {
		if h.Status == runregistry.StatusAuthSkipped {
			foundSkipped = true
		}
	}
	if !foundSkipped {
		t.Errorf("expected AuthSkipped in history: %+v", history)
	}
}

func TestEngine_Execute_TerminalFailureStopsSequence(t *testing.T) {
	engine, reg, runID := newEngineHarness(t)
	crawlCalled := false
	engine.Exploration = func(ctx context.Context, runID string, wctx map[string]any) error {
		return apierr.Terminal(errors.New("exploration blew up"))
	}
	engine.Crawl = func(ctx context.Context, runID string, wctx map[string]any) error {
		crawlCalled = true
		return nil
	}

	err := engine.Execute(context.Background(), runID)
	if err == nil {
		t.Fatal("expected Execute to return the terminal error")
	}
	if crawlCalled {
		t.Error("crawl phase must not run after exploration fails terminally")
	}

	manifest, _ := reg.GetRun(runID)
	if manifest.Status != runregistry.StatusFailed {
		t.Errorf("status = %v, want Failed", manifest.Status)
	}
}
