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

// Package exploration selects a coverage-threshold budget of pages from
// a site map, guarded by a destructive-keyword blocklist and a
// visited-count cap.
package exploration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/conductor/internal/apierr"
	"github.com/tombee/conductor/internal/sitemap"
	"github.com/tombee/conductor/internal/telemetry"
)

// Page mirrors gazeqa.exploration.PageDescriptor's artifact shape.
type Page struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Section string `json:"section"`
}

// SkippedPage is one excluded page in skipped_pages.jsonl: the page
// plus why it never made it into Visited.
type SkippedPage struct {
	Page
	Reason string `json:"reason"`
}

// GuardrailRecord is one policy intervention in guardrails.jsonl.
type GuardrailRecord struct {
	Type string `json:"type"` // "rate_limit" or "blocklist"
	URL  string `json:"url"`
}

// Config bounds the exploration activity.
type Config struct {
	// CoverageThreshold selects floor(len(pages) * threshold) pages,
	// at least one, as the original ExplorationEngine.explore does.
	CoverageThreshold float64
	// DestructiveKeywords (case-insensitive) match against a page's URL
	// OR title; a match is recorded as a "blocklist" guardrail and
	// excluded from Visited regardless of budget.
	DestructiveKeywords []string
	// MaxPagesPerRun, if > 0, caps how many pages Run will add to
	// Visited: once reached, a "rate_limit" guardrail fires and every
	// remaining candidate is skipped.
	MaxPagesPerRun int
}

// Result is the outcome persisted to exploration/coverage_report.json
// and returned to the workflow engine via workflowCtx.
type Result struct {
	RunID           string        `json:"run_id"`
	CoveragePercent float64       `json:"coverage_percent"`
	Visited         []Page        `json:"-"`
	Skipped         []SkippedPage `json:"-"`
	Guardrails      []GuardrailRecord `json:"-"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// Run selects a coverage budget from the full page list, then walks the
// budgeted candidates applying the blocklist and per-run page cap,
// persisting coverage_report.json, visited_pages.jsonl,
// skipped_pages.jsonl, and (if triggered) guardrails.jsonl under
// <runDir>/exploration/.
func Run(cfg Config, sink telemetry.Sink, runID, runDir string, graph sitemap.Graph) (*Result, error) {
	if len(graph) == 0 {
		return nil, apierr.Terminal(apierr.New(apierr.KindValidation, "site map must contain at least one page"))
	}

	pages := make([]Page, 0, len(graph))
	for _, node := range graph {
		pages = append(pages, Page{URL: node.URL, Title: node.Title})
	}

	threshold := cfg.CoverageThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	budget := int(float64(len(pages)) * threshold)
	if budget < 1 {
		budget = 1
	}
	if budget > len(pages) {
		budget = len(pages)
	}
	candidates := pages[:budget]
	baselineSkipped := pages[budget:]

	var visited []Page
	var skipped []SkippedPage
	var guardrails []GuardrailRecord

	for i, page := range candidates {
		if matchesAny(page.URL, page.Title, cfg.DestructiveKeywords) {
			skipped = append(skipped, SkippedPage{Page: page, Reason: "blocklist"})
			guardrails = append(guardrails, GuardrailRecord{Type: "blocklist", URL: page.URL})
			if sink != nil {
				sink.Emit(telemetry.Event{RunID: runID, Type: "guardrail.triggered", Data: map[string]any{"activity": "exploration", "reason": "blocklist"}})
			}
			continue
		}
		if cfg.MaxPagesPerRun > 0 && len(visited) >= cfg.MaxPagesPerRun {
			guardrails = append(guardrails, GuardrailRecord{Type: "rate_limit", URL: page.URL})
			if sink != nil {
				sink.Emit(telemetry.Event{RunID: runID, Type: "guardrail.triggered", Data: map[string]any{"activity": "exploration", "reason": "rate_limit"}})
			}
			for _, remaining := range candidates[i:] {
				skipped = append(skipped, SkippedPage{Page: remaining, Reason: "rate_limited"})
			}
			break
		}
		visited = append(visited, page)
	}

	for _, page := range baselineSkipped {
		skipped = append(skipped, SkippedPage{Page: page, Reason: "coverage_budget"})
	}

	if len(visited) == 0 {
		return nil, apierr.Terminal(apierr.New(apierr.KindValidation, "every page was excluded by the blocklist"))
	}

	result := &Result{
		RunID:           runID,
		CoveragePercent: round4(float64(len(visited)) / float64(len(pages))),
		Visited:         visited,
		Skipped:         skipped,
		Guardrails:      guardrails,
		GeneratedAt:     time.Now().UTC(),
	}

	if err := persist(runDir, result); err != nil {
		return nil, apierr.Retryable(err)
	}
	return result, nil
}

func matchesAny(url, title string, keywords []string) bool {
	lowerURL := strings.ToLower(url)
	lowerTitle := strings.ToLower(title)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		lowerKW := strings.ToLower(kw)
		if strings.Contains(lowerURL, lowerKW) || (lowerTitle != "" && strings.Contains(lowerTitle, lowerKW)) {
			return true
		}
	}
	return false
}

func round4(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}

func persist(runDir string, result *Result) error {
	dir := filepath.Join(runDir, "exploration")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	report := map[string]any{
		"run_id":           result.RunID,
		"coverage_percent": result.CoveragePercent,
		"visited_count":    len(result.Visited),
		"total_pages":      len(result.Visited) + len(result.Skipped),
		"generated_at":     result.GeneratedAt,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "coverage_report.json"), data, 0o644); err != nil {
		return err
	}

	if err := writeVisitedJSONL(filepath.Join(dir, "visited_pages.jsonl"), result.Visited); err != nil {
		return err
	}
	if err := writeSkippedJSONL(filepath.Join(dir, "skipped_pages.jsonl"), result.Skipped); err != nil {
		return err
	}

	if len(result.Guardrails) == 0 {
		return nil
	}
	return writeGuardrailsJSONL(filepath.Join(dir, "guardrails.jsonl"), result.Guardrails)
}

func writeVisitedJSONL(path string, pages []Page) error {
	var buf []byte
	for _, p := range pages {
		line, err := json.Marshal(p)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return os.WriteFile(path, buf, 0o644)
}

func writeSkippedJSONL(path string, pages []SkippedPage) error {
	var buf []byte
	for _, p := range pages {
		line, err := json.Marshal(p)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return os.WriteFile(path, buf, 0o644)
}

func writeGuardrailsJSONL(path string, records []GuardrailRecord) error {
	var buf []byte
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return os.WriteFile(path, buf, 0o644)
}
