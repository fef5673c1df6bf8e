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

// Package crawl implements a deterministic breadth-first crawl over a
// site map, guarded by skip-keywords, a destructive-keyword blocklist,
// and a visited-count cap.
package crawl

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

// Config bounds the crawl activity.
type Config struct {
	MaxDepth int
	// SkipKeywords (e.g. "logout", "signout") match against the URL only
	// and are skipped silently — no guardrail event, just skip reason
	// "skip_keyword_match".
	SkipKeywords []string
	// DestructiveKeywords match against URL OR title; a hit emits a
	// "blocklist" guardrail event and skip reason "destructive_blocklist".
	DestructiveKeywords []string
	// MaxNodesPerRun, if > 0, caps the visited-node count: once reached,
	// a "rate_limit" guardrail fires and the entire BFS breaks rather
	// than just skipping the current node.
	MaxNodesPerRun int
}

func DefaultConfig() Config {
	return Config{
		MaxDepth:     3,
		SkipKeywords: []string{"logout", "signout", "sign-out"},
	}
}

// VisitRecord is one fetched page in page_map.jsonl.
type VisitRecord struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Depth     int    `json:"depth"`
	SourceURL string `json:"source_url,omitempty"`
}

// SkipRecord is one excluded link in skipped_links.json.
type SkipRecord struct {
	URL       string `json:"url"`
	Reason    string `json:"reason"`
	SourceURL string `json:"source_url,omitempty"`
}

// GuardrailRecord is one policy intervention in guardrails.jsonl.
type GuardrailRecord struct {
	Type string `json:"type"` // "rate_limit" or "blocklist"
	URL  string `json:"url"`
}

// Result is the BFS outcome, also used to compute the crawl health
// ratio telemetry metric (visited / (visited + skipped)).
type Result struct {
	RunID       string
	Visited     []VisitRecord
	Skipped     []SkipRecord
	Guardrails  []GuardrailRecord
	GeneratedAt time.Time
}

type node struct {
	url   string
	title string
}

type queueItem struct {
	node   node
	depth  int
	source string
}

// Run performs the BFS walk starting from graph's first node (the
// conventional "home" entry), visiting nodes in FIFO order and
// deduplicating by lowercased URL, exactly as the original BFSCrawler.
// Once MaxNodesPerRun is reached the walk breaks entirely rather than
// merely skipping the offending node.
func Run(cfg Config, sink telemetry.Sink, runID, runDir string, graph sitemap.Graph) (*Result, error) {
	if len(graph) == 0 {
		return nil, apierr.Terminal(apierr.New(apierr.KindValidation, "site map must contain at least one page"))
	}

	titles := map[string]string{}
	for _, n := range graph {
		titles[n.URL] = n.Title
	}
	adjacency := map[string][]node{}
	for _, n := range graph {
		children := make([]node, 0, len(n.Links))
		for _, link := range n.Links {
			children = append(children, node{url: link, title: titles[link]})
		}
		adjacency[n.URL] = children
	}

	visited := map[string]VisitRecord{}
	records := []VisitRecord{}
	var skipped []SkipRecord
	var guardrails []GuardrailRecord
	queue := []queueItem{{node: node{url: graph[0].URL, title: graph[0].Title}}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		key := strings.ToLower(item.node.url)
		if _, seen := visited[key]; seen {
			continue
		}

		if cfg.MaxNodesPerRun > 0 && len(visited) >= cfg.MaxNodesPerRun {
			guardrails = append(guardrails, GuardrailRecord{Type: "rate_limit", URL: item.node.url})
			skipped = append(skipped, SkipRecord{URL: item.node.url, Reason: "rate_limited", SourceURL: item.source})
			if sink != nil {
				sink.Emit(telemetry.Event{RunID: runID, Type: "guardrail.triggered", Data: map[string]any{"activity": "crawl", "reason": "rate_limit"}})
			}
			break
		}

		if matchesAny(item.node.url, item.node.title, cfg.DestructiveKeywords) {
			guardrails = append(guardrails, GuardrailRecord{Type: "blocklist", URL: item.node.url})
			skipped = append(skipped, SkipRecord{URL: item.node.url, Reason: "destructive_blocklist", SourceURL: item.source})
			if sink != nil {
				sink.Emit(telemetry.Event{RunID: runID, Type: "guardrail.triggered", Data: map[string]any{"activity": "crawl", "reason": "blocklist"}})
			}
			continue
		}

		if matchesAny(item.node.url, "", cfg.SkipKeywords) {
			skipped = append(skipped, SkipRecord{URL: item.node.url, Reason: "skip_keyword_match", SourceURL: item.source})
			continue
		}

		record := VisitRecord{URL: item.node.url, Title: item.node.title, Depth: item.depth, SourceURL: item.source}
		visited[key] = record
		records = append(records, record)

		if item.depth >= cfg.MaxDepth {
			continue
		}
		for _, child := range adjacency[item.node.url] {
			queue = append(queue, queueItem{node: child, depth: item.depth + 1, source: item.node.url})
		}
	}

	result := &Result{RunID: runID, Visited: records, Skipped: skipped, Guardrails: guardrails, GeneratedAt: time.Now().UTC()}

	if err := persist(runDir, result); err != nil {
		return nil, apierr.Retryable(err)
	}

	if sink != nil {
		total := len(result.Visited) + len(result.Skipped)
		ratio := 1.0
		if total > 0 {
			ratio = float64(len(result.Visited)) / float64(total)
		}
		sink.Emit(telemetry.Event{RunID: runID, Type: "crawl.health", Data: map[string]any{"ratio": ratio}})
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

func persist(runDir string, result *Result) error {
	dir := filepath.Join(runDir, "bfs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := writeJSONL(filepath.Join(dir, "page_map.jsonl"), result.Visited); err != nil {
		return err
	}

	skippedData, err := json.MarshalIndent(result.Skipped, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "skipped_links.json"), skippedData, 0o644); err != nil {
		return err
	}

	summary := map[string]any{
		"run_id":        result.RunID,
		"visited_count": len(result.Visited),
		"skipped_count": len(result.Skipped),
		"generated_at":  result.GeneratedAt,
	}
	summaryData, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "coverage_merge.json"), summaryData, 0o644); err != nil {
		return err
	}

	if len(result.Guardrails) == 0 {
		return nil
	}
	return writeGuardrailsJSONL(filepath.Join(dir, "guardrails.jsonl"), result.Guardrails)
}

func writeJSONL(path string, records []VisitRecord) error {
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
