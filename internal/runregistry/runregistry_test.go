package runregistry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tombee/conductor/internal/runmodel"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg, err := New(root, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg
}

func testPayload() runmodel.CreateRunPayload {
	return runmodel.CreateRunPayload{
		TargetURL:        "https://example.com",
		Budgets:          runmodel.BudgetSpec{TimeBudgetMinutes: 30, PageBudget: 200},
		StorageProfile:   "default",
		Organization:     "Acme",
		OrganizationSlug: "acme",
		ActorRole:        "qa_runner",
	}
}

func TestCreateRun_PersistsUnderOrgPartition(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if manifest.Status != StatusPending {
		t.Errorf("status = %v, want Pending", manifest.Status)
	}
	if !filepath.IsAbs(reg.RunDir(manifest.ID)) {
		t.Fatalf("expected absolute run dir")
	}
	if _, err := os.Stat(filepath.Join(reg.storageRoot, "acme", manifest.ID, manifestFilename)); err != nil {
		t.Fatalf("expected manifest under org partition: %v", err)
	}
}

func TestGetRun_RoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	created, _ := reg.CreateRun(testPayload())

	got, err := reg.GetRun(created.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.TargetURL != created.TargetURL {
		t.Errorf("target_url mismatch")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.GetRun("RUN-MISSING"); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestUpdateStatus_CoalescesDuplicates(t *testing.T) {
	reg := newTestRegistry(t)
	created, _ := reg.CreateRun(testPayload())

	if err := reg.UpdateStatus(created.ID, StatusRunning, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := reg.UpdateStatus(created.ID, StatusRunning, nil); err != nil {
		t.Fatalf("UpdateStatus (dup): %v", err)
	}

	history, err := reg.StatusHistory(created.ID)
	if err != nil {
		t.Fatalf("StatusHistory: %v", err)
	}
	// Pending (from CreateRun) + Running, NOT Running twice.
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d: %+v", len(history), history)
	}
}

func TestListRuns_FiltersByStatusAndTenant(t *testing.T) {
	reg := newTestRegistry(t)
	p1 := testPayload()
	p2 := testPayload()
	p2.OrganizationSlug = "beta"
	p2.Organization = "Beta"

	r1, _ := reg.CreateRun(p1)
	r2, _ := reg.CreateRun(p2)
	reg.UpdateStatus(r2.ID, StatusCompleted, nil)

	all, err := reg.ListRuns(ListFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(all))
	}

	acmeOnly, err := reg.ListRuns(ListFilter{OrganizationSlug: "acme"})
	if err != nil {
		t.Fatalf("ListRuns acme: %v", err)
	}
	if len(acmeOnly) != 1 || acmeOnly[0].ID != r1.ID {
		t.Fatalf("expected only acme run, got %+v", acmeOnly)
	}

	completedOnly, err := reg.ListRuns(ListFilter{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("ListRuns completed: %v", err)
	}
	if len(completedOnly) != 1 || completedOnly[0].ID != r2.ID {
		t.Fatalf("expected only completed run, got %+v", completedOnly)
	}
}

func TestAppendEventAndGetEvents(t *testing.T) {
	reg := newTestRegistry(t)
	created, _ := reg.CreateRun(testPayload())

	if err := reg.AppendEvent(created.ID, Event{Event: "exploration.started", RunID: created.ID}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := reg.GetEvents(created.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	// run.created (from CreateRun) + exploration.started
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
}

func TestSubscribe_ReceivesLiveEvents(t *testing.T) {
	reg := newTestRegistry(t)
	created, _ := reg.CreateRun(testPayload())

	ch, unsub := reg.Subscribe(created.ID)
	defer unsub()

	reg.AppendEvent(created.ID, Event{Event: "crawl.page_fetched", RunID: created.ID})

	select {
	case e := <-ch:
		if e.Event != "crawl.page_fetched" {
			t.Errorf("unexpected event: %+v", e)
		}
	default:
		t.Fatal("expected buffered event to be immediately available")
	}
}

func TestRebuildIndex_Idempotent(t *testing.T) {
	reg := newTestRegistry(t)
	reg.CreateRun(testPayload())

	n1, err := reg.RebuildIndex(false)
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	n2, err := reg.RebuildIndex(false)
	if err != nil {
		t.Fatalf("RebuildIndex (again): %v", err)
	}
	if n1 != n2 || n1 != 1 {
		t.Fatalf("expected idempotent count of 1, got %d then %d", n1, n2)
	}
}

func TestRebuildIndex_MovesLegacyRuns(t *testing.T) {
	reg := newTestRegistry(t)
	legacyDir := filepath.Join(reg.storageRoot, "RUN-LEGACY1")
	os.MkdirAll(legacyDir, 0o755)
	os.WriteFile(filepath.Join(legacyDir, manifestFilename), []byte(`{"id":"RUN-LEGACY1"}`), 0o644)

	n, err := reg.RebuildIndex(true)
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 indexed run, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(reg.storageRoot, "default", "RUN-LEGACY1", manifestFilename)); err != nil {
		t.Fatalf("expected legacy run moved under default partition: %v", err)
	}
}

func TestAppendCheckpoint_WritesAlongsideEngineRecords(t *testing.T) {
	reg := newTestRegistry(t)
	created, _ := reg.CreateRun(testPayload())

	if err := reg.AppendCheckpoint(created.ID, "operator.note", map[string]any{"reason": "manual inspection"}); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(reg.RunDir(created.ID), checkpointsFilename))
	if err != nil {
		t.Fatalf("read checkpoints file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 checkpoint line, got %d", len(lines))
	}

	var entry CheckpointEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode checkpoint entry: %v", err)
	}
	if entry.Name != "operator.note" {
		t.Errorf("name = %q, want %q", entry.Name, "operator.note")
	}
	if entry.Details["reason"] != "manual inspection" {
		t.Errorf("details = %+v, missing reason", entry.Details)
	}

	if err := reg.AppendCheckpoint(created.ID, "operator.note.second", nil); err != nil {
		t.Fatalf("AppendCheckpoint (second): %v", err)
	}
	data, err = os.ReadFile(filepath.Join(reg.RunDir(created.ID), checkpointsFilename))
	if err != nil {
		t.Fatalf("read checkpoints file after second append: %v", err)
	}
	if got := len(strings.Split(strings.TrimSpace(string(data)), "\n")); got != 2 {
		t.Fatalf("expected 2 checkpoint lines after second append, got %d", got)
	}
}

func TestRecordAuthResult_NormalizesEvidencePaths(t *testing.T) {
	reg := newTestRegistry(t)
	created, _ := reg.CreateRun(testPayload())
	runDir := reg.RunDir(created.ID)

	absEvidence := filepath.Join(runDir, "auth", "screenshot.png")
	err := reg.RecordAuthResult(created.ID, AuthSummary{
		Stage:            "login",
		Success:          true,
		StorageStatePath: filepath.Join(runDir, "auth", "storageState.json.enc"),
		Evidence:         []string{absEvidence},
	})
	if err != nil {
		t.Fatalf("RecordAuthResult: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(runDir, summaryFilename))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if filepath.IsAbs(string(data)) {
		t.Fatal("expected relative paths in summary")
	}
	if containsAbsolutePath(string(data), runDir) {
		t.Errorf("expected no absolute paths in summary, got: %s", string(data))
	}
}

func containsAbsolutePath(haystack, needle string) bool {
	return len(needle) > 0 && len(haystack) > 0 && stringsContains(haystack, needle)
}

func stringsContains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
