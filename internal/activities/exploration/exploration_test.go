package exploration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/tombee/conductor/internal/sitemap"
)

func testGraph() sitemap.Graph {
	return sitemap.Graph{
		{URL: "https://example.com/"},
		{URL: "https://example.com/about"},
		{URL: "https://example.com/team"},
		{URL: "https://example.com/admin"},
		{URL: "https://example.com/admin/settings"},
	}
}

func TestRun_SelectsCoverageBudget(t *testing.T) {
	dir := t.TempDir()
	result, err := Run(Config{CoverageThreshold: 0.8}, nil, "RUN-1", dir, testGraph())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Visited) != 4 {
		t.Errorf("expected 4 visited (0.8 * 5), got %d", len(result.Visited))
	}
	if len(result.Skipped) != 1 {
		t.Errorf("expected 1 skipped, got %d", len(result.Skipped))
	}
	if len(result.Visited)+len(result.Skipped) != 5 {
		t.Errorf("|visited|+|skipped| must equal |pages|, got %d+%d", len(result.Visited), len(result.Skipped))
	}

	data, err := os.ReadFile(filepath.Join(dir, "exploration", "coverage_report.json"))
	if err != nil {
		t.Fatalf("read coverage report: %v", err)
	}
	var report map[string]any
	json.Unmarshal(data, &report)
	if report["visited_count"].(float64) != 4 {
		t.Errorf("persisted visited_count mismatch: %+v", report)
	}
}

func TestRun_DestructiveKeywordMatchesURLOrTitle(t *testing.T) {
	dir := t.TempDir()
	graph := sitemap.Graph{
		{URL: "https://example.com/"},
		{URL: "https://example.com/about"},
		{URL: "https://example.com/team"},
		{URL: "https://example.com/admin"},
		{URL: "https://example.com/danger", Title: "Delete Everything"},
	}
	cfg := Config{CoverageThreshold: 1.0, DestructiveKeywords: []string{"/admin", "delete"}}
	result, err := Run(cfg, nil, "RUN-1", dir, graph)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Visited) != 3 {
		t.Fatalf("expected 3 visited (admin and danger blocked), got %d: %+v", len(result.Visited), result.Visited)
	}
	if len(result.Skipped) != 2 {
		t.Fatalf("expected 2 skipped, got %d: %+v", len(result.Skipped), result.Skipped)
	}
	for _, s := range result.Skipped {
		if s.Reason != "blocklist" {
			t.Errorf("expected blocklist skip reason, got %q for %+v", s.Reason, s)
		}
	}
	if len(result.Guardrails) != 2 {
		t.Fatalf("expected 2 blocklist guardrail events, got %+v", result.Guardrails)
	}
}

func TestRun_MaxPagesPerRunCapsVisitedAndSkipsRemainder(t *testing.T) {
	dir := t.TempDir()
	graph := sitemap.Graph{
		{URL: "https://example.com/"},
		{URL: "https://example.com/about"},
		{URL: "https://example.com/team"},
		{URL: "https://example.com/contact"},
	}
	cfg := Config{CoverageThreshold: 1.0, MaxPagesPerRun: 2}
	result, err := Run(cfg, nil, "RUN-1", dir, graph)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Visited) != 2 {
		t.Fatalf("expected visited capped at 2, got %d: %+v", len(result.Visited), result.Visited)
	}
	if len(result.Skipped) != 2 {
		t.Fatalf("expected 2 rate-limited skips, got %d: %+v", len(result.Skipped), result.Skipped)
	}
	for _, s := range result.Skipped {
		if s.Reason != "rate_limited" {
			t.Errorf("expected rate_limited skip reason, got %q", s.Reason)
		}
	}
	if len(result.Guardrails) != 1 || result.Guardrails[0].Type != "rate_limit" {
		t.Fatalf("expected a single rate_limit guardrail, got %+v", result.Guardrails)
	}

	data, err := os.ReadFile(filepath.Join(dir, "exploration", "guardrails.jsonl"))
	if err != nil {
		t.Fatalf("read guardrails.jsonl: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty guardrails.jsonl")
	}
}

func TestRun_AllPagesBlockedIsTerminal(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{CoverageThreshold: 1.0, DestructiveKeywords: []string{"example.com"}}
	_, err := Run(cfg, nil, "RUN-1", dir, testGraph())
	if err == nil {
		t.Fatal("expected terminal error when every page is blocked")
	}
}

func TestRun_EmptySiteMapIsTerminal(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(Config{}, nil, "RUN-1", dir, sitemap.Graph{})
	if err == nil {
		t.Fatal("expected terminal error for empty site map")
	}
}

func TestRun_MinimumBudgetOfOne(t *testing.T) {
	dir := t.TempDir()
	graph := sitemap.Graph{{URL: "https://example.com/"}, {URL: "https://example.com/about"}}
	result, err := Run(Config{CoverageThreshold: 0.1}, nil, "RUN-1", dir, graph)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Visited) != 1 {
		t.Errorf("expected minimum budget of 1, got %d", len(result.Visited))
	}
}

func TestRun_NoGuardrailsOmitsFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Run(Config{CoverageThreshold: 0.8}, nil, "RUN-1", dir, testGraph()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "exploration", "guardrails.jsonl")); !os.IsNotExist(err) {
		t.Errorf("expected no guardrails.jsonl when no guardrail fired, stat err = %v", err)
	}
}
