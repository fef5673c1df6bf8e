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

// Package audit writes append-only JSONL audit records for
// run-scoped API access: who did what, as whom, with what token.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Principal identifies the caller an audit entry is attributed to.
type Principal struct {
	ActorRole        string
	OrganizationSlug string
	Token            string
}

// Entry is a single audit record. Fields are omitted from the JSON
// encoding when empty, matching the original Python writer.
type Entry struct {
	Timestamp        time.Time      `json:"timestamp"`
	Action           string         `json:"action"`
	Status           string         `json:"status"`
	RunID            string         `json:"run_id,omitempty"`
	ActorRole        string         `json:"actor_role,omitempty"`
	OrganizationSlug string         `json:"organization_slug,omitempty"`
	TokenHash        string         `json:"token_hash,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RemoteAddr       string         `json:"remote_addr,omitempty"`
}

// Logger appends Entry records as one compact JSON object per line to
// <storage_root>/_audit/<filename>.
type Logger struct {
	mu   sync.Mutex
	path string
}

const defaultFilename = "audit.log.jsonl"

// NewLogger creates the _audit directory under storageRoot (if needed)
// and returns a Logger writing to filename within it.
func NewLogger(storageRoot, filename string) (*Logger, error) {
	if filename == "" {
		filename = defaultFilename
	}
	dir := filepath.Join(storageRoot, "_audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Logger{path: filepath.Join(dir, filename)}, nil
}

// Emit writes one audit entry. Failures to write are swallowed after
// being logged by the caller's logger — auditing must never block or
// fail the request it is describing.
func (l *Logger) Emit(action, status string, principal *Principal, runID string, metadata map[string]any, remoteAddr string) error {
	entry := Entry{
		Timestamp:  time.Now().UTC(),
		Action:     action,
		Status:     status,
		RunID:      runID,
		Metadata:   metadata,
		RemoteAddr: remoteAddr,
	}
	if principal != nil {
		entry.ActorRole = principal.ActorRole
		entry.OrganizationSlug = principal.OrganizationSlug
		if principal.Token != "" {
			entry.TokenHash = hashToken(principal.Token)
		}
	}

	payload, err := marshalSorted(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(payload, '\n'))
	return err
}

// hashToken returns the first 12 hex characters of the token's SHA-256
// digest, matching gazeqa.audit.AuditLogger.emit's token_hash.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// marshalSorted re-marshals via a map so that object keys are emitted
// sorted, matching json.dumps(..., sort_keys=True) in the original.
func marshalSorted(entry Entry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(generic))
	for k := range generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(generic[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Well-known action names, mirroring the fixed vocabulary the HTTP
// boundary emits against.
const (
	ActionRunCreate     = "runs:create"
	ActionRunRead       = "runs:read"
	ActionRunList       = "runs:list"
	ActionRunEvents     = "runs:events"
	ActionRunDownload   = "runs:download"
	ActionRunCancel     = "runs:cancel"
	ActionRunStatusSet  = "runs:status:set"
	ActionRunCheckpoint = "runs:checkpoint:set"
	ActionRunArtifacts  = "runs:artifacts:list"
	ActionAlertIngest   = "observability:alerts:ingest"
)
