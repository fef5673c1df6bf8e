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

// Package auth implements the auth phase's orchestrator contract:
// authenticate(run_id, credentials) -> {success, stage, storage_state_path?,
// evidence?, metadata?, error?}. Credentials never carry a raw secret —
// CredentialSpec.SecretRef names an environment variable the orchestrator
// resolves out of band, mirroring how the connector package's ApplyAuth
// expands "${VAR}" references rather than accepting a literal value.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/conductor/internal/apierr"
	"github.com/tombee/conductor/internal/runmodel"
	"github.com/tombee/conductor/internal/runregistry"
)

// Result is the orchestrator's response shape.
type Result struct {
	Success          bool
	Stage            string
	StorageStatePath string
	Evidence         []string
	Metadata         map[string]any
	Err              error
}

// Orchestrator resolves a run's credentials into an authenticated
// session, recording whatever evidence (cookies, storage state) later
// phases need to reuse it. Hosts inject their own implementation; the
// one here degrades to a recorded no-op when SecretRef doesn't resolve,
// so a misconfigured credential fails the run instead of silently
// proceeding unauthenticated.
type Orchestrator interface {
	Authenticate(ctx context.Context, runID string, creds runmodel.CredentialSpec) (*Result, error)
}

// EnvOrchestrator resolves CredentialSpec.SecretRef as an environment
// variable name (optionally wrapped "${VAR}", accepted for symmetry
// with the connector package's auth-definition expansion). It writes
// nothing to disk itself: the storage_state.json evidence file is
// written by Run, and the secret value is never written anywhere.
type EnvOrchestrator struct{}

func (EnvOrchestrator) Authenticate(_ context.Context, runID string, creds runmodel.CredentialSpec) (*Result, error) {
	ref := strings.TrimSuffix(strings.TrimPrefix(creds.SecretRef, "${"), "}")
	if ref == "" {
		return &Result{Success: false, Stage: "credential_resolution", Err: fmt.Errorf("credentials.secret_ref is empty")}, nil
	}
	if _, ok := os.LookupEnv(ref); !ok {
		return &Result{Success: false, Stage: "credential_resolution", Err: fmt.Errorf("secret_ref %q is not set in the environment", ref)}, nil
	}
	return &Result{
		Success: true,
		Stage:   "session_established",
		Metadata: map[string]any{
			"username": creds.Username,
			"run_id":   runID,
		},
	}, nil
}

// Run adapts an Orchestrator into the workflow package's Activity
// signature: it authenticates, persists a storage_state.json artifact
// and the auth sub-object of run_summary.json, and returns a retryable
// apierr on any failure per the phase contract (non-success results are
// retried, never treated as an immediate terminal failure).
func Run(ctx context.Context, orchestrator Orchestrator, registry *runregistry.Registry, runID, runDir string, creds runmodel.CredentialSpec) error {
	result, err := orchestrator.Authenticate(ctx, runID, creds)
	if err != nil {
		return apierr.Retryable(err)
	}
	if result == nil || !result.Success {
		msg := "auth orchestrator reported failure"
		if result != nil && result.Err != nil {
			msg = result.Err.Error()
		}
		registry.RecordAuthResult(runID, runregistry.AuthSummary{
			Stage:   stageOrDefault(result),
			Success: false,
		})
		return apierr.Retryable(fmt.Errorf("%s", msg))
	}

	evidencePath, err := writeStorageState(runDir, result)
	if err != nil {
		return apierr.Retryable(err)
	}
	evidence := result.Evidence
	if evidencePath != "" {
		evidence = append(evidence, evidencePath)
	}

	return registry.RecordAuthResult(runID, runregistry.AuthSummary{
		Stage:            result.Stage,
		Success:          true,
		StorageStatePath: evidencePath,
		Evidence:         evidence,
		Metadata:         result.Metadata,
	})
}

func stageOrDefault(result *Result) string {
	if result != nil && result.Stage != "" {
		return result.Stage
	}
	return "unknown"
}

func writeStorageState(runDir string, result *Result) (string, error) {
	dir := filepath.Join(runDir, "auth")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "storage_state.json")
	doc := map[string]any{
		"stage":        result.Stage,
		"metadata":     result.Metadata,
		"recorded_at":  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
