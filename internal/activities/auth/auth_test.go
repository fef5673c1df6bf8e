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

package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/tombee/conductor/internal/apierr"
	"github.com/tombee/conductor/internal/runmodel"
	"github.com/tombee/conductor/internal/runregistry"
)

func newTestRegistry(t *testing.T) (*runregistry.Registry, *runregistry.Manifest) {
	t.Helper()
	dir := t.TempDir()
	reg, err := runregistry.New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	manifest, err := reg.CreateRun(runmodel.CreateRunPayload{
		TargetURL:        "https://example.com",
		OrganizationSlug: "acme",
		Organization:     "Acme",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return reg, manifest
}

func TestEnvOrchestrator_MissingSecretRefFails(t *testing.T) {
	reg, manifest := newTestRegistry(t)
	runDir := reg.RunDir(manifest.ID)

	err := Run(context.Background(), EnvOrchestrator{}, reg, manifest.ID, runDir, runmodel.CredentialSpec{})
	if !apierr.Is(err, apierr.KindRetryable) {
		t.Fatalf("expected retryable error for empty secret_ref, got %v", err)
	}
}

func TestEnvOrchestrator_ResolvesAndRecordsEvidence(t *testing.T) {
	t.Setenv("GAZEQA_TEST_SECRET", "shh")
	reg, manifest := newTestRegistry(t)
	runDir := reg.RunDir(manifest.ID)

	creds := runmodel.CredentialSpec{Username: "qa-bot", SecretRef: "GAZEQA_TEST_SECRET"}
	if err := Run(context.Background(), EnvOrchestrator{}, reg, manifest.ID, runDir, creds); err != nil {
		t.Fatalf("Run: %v", err)
	}

	statePath := filepath.Join(runDir, "auth", "storage_state.json")
	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("expected storage_state.json to be written: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal storage_state.json: %v", err)
	}
	if doc["stage"] != "session_established" {
		t.Errorf("expected stage session_established, got %v", doc["stage"])
	}

	history, err := reg.StatusHistory(manifest.ID)
	if err != nil {
		t.Fatalf("StatusHistory: %v", err)
	}
	_ = history // auth summary lives in run_summary.json, not status history
}

func TestEnvOrchestrator_UnresolvedSecretRefIsRetryableNotTerminal(t *testing.T) {
	reg, manifest := newTestRegistry(t)
	runDir := reg.RunDir(manifest.ID)

	creds := runmodel.CredentialSpec{SecretRef: "GAZEQA_DOES_NOT_EXIST"}
	err := Run(context.Background(), EnvOrchestrator{}, reg, manifest.ID, runDir, creds)
	if !apierr.Is(err, apierr.KindRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
