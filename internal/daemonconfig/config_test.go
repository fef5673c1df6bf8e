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

package daemonconfig

import "testing"

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.APIHost != "127.0.0.1" {
		t.Errorf("expected api host 127.0.0.1, got %q", cfg.APIHost)
	}
	if cfg.APIPort != 8000 {
		t.Errorf("expected api port 8000, got %d", cfg.APIPort)
	}
	if cfg.ExecutorWorkers != 4 {
		t.Errorf("expected 4 executor workers, got %d", cfg.ExecutorWorkers)
	}
	if cfg.IndexBackend != "json" {
		t.Errorf("expected index backend json, got %q", cfg.IndexBackend)
	}
	if cfg.CORS.Enabled {
		t.Errorf("expected CORS disabled by default")
	}
	if cfg.CORS.MaxAge != 86400 {
		t.Errorf("expected CORS max age 86400, got %d", cfg.CORS.MaxAge)
	}
}

func TestLoad_EnvironmentOverlay(t *testing.T) {
	t.Setenv("GAZEQA_API_HOST", "0.0.0.0")
	t.Setenv("GAZEQA_API_PORT", "9000")
	t.Setenv("GAZEQA_STORAGE_ROOT", "/var/gazeqa/runs")
	t.Setenv("GAZEQA_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("GAZEQA_CORS_ALLOW_CREDENTIALS", "true")
	t.Setenv("GAZEQA_EXECUTOR_WORKERS", "16")
	t.Setenv("GAZEQA_INDEX_BACKEND", "sqlite")
	t.Setenv("GAZEQA_API_TOKEN", "test-token")
	t.Setenv("GAZEQA_JWT_SECRET", "test-jwt-secret")
	t.Setenv("GAZEQA_SIGNING_KEY", "test-signing-key")
	t.Setenv("GAZEQA_SIGNING_KEY_PREVIOUS", "old-key-1,old-key-2")
	t.Setenv("GAZEQA_STORAGE_PROFILES_FILE", "/etc/gazeqa/storage-profiles.yaml")
	t.Setenv("GAZEQA_JWT_ISSUER", "gazeqad")
	t.Setenv("GAZEQA_TRACING_ENABLED", "true")
	t.Setenv("GAZEQA_TRACE_SAMPLE_RATE", "0.25")
	t.Setenv("GAZEQA_TRACE_STORAGE_PATH", "/var/gazeqa/traces.db")

	cfg := Load()

	if cfg.APIHost != "0.0.0.0" {
		t.Errorf("expected api host override, got %q", cfg.APIHost)
	}
	if cfg.APIPort != 9000 {
		t.Errorf("expected api port override, got %d", cfg.APIPort)
	}
	if cfg.StorageRoot != "/var/gazeqa/runs" {
		t.Errorf("expected storage root override, got %q", cfg.StorageRoot)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example.com" {
		t.Errorf("unexpected allowed origins: %v", cfg.AllowedOrigins)
	}
	if !cfg.CORS.Enabled {
		t.Errorf("expected CORS enabled once allowed origins are set")
	}
	if !cfg.CORS.AllowCredentials {
		t.Errorf("expected CORS allow credentials override")
	}
	if cfg.ExecutorWorkers != 16 {
		t.Errorf("expected executor workers override, got %d", cfg.ExecutorWorkers)
	}
	if cfg.IndexBackend != "sqlite" {
		t.Errorf("expected index backend override, got %q", cfg.IndexBackend)
	}
	if cfg.Secrets.DefaultToken != "test-token" {
		t.Errorf("expected secrets default token override, got %q", cfg.Secrets.DefaultToken)
	}
	if cfg.Secrets.SigningKey != "test-signing-key" {
		t.Errorf("expected secrets signing key override, got %q", cfg.Secrets.SigningKey)
	}
	if cfg.Secrets.JWTSecret != "test-jwt-secret" {
		t.Errorf("expected secrets jwt secret override, got %q", cfg.Secrets.JWTSecret)
	}
	if len(cfg.Secrets.SigningKeyPrevious) != 2 || cfg.Secrets.SigningKeyPrevious[1] != "old-key-2" {
		t.Errorf("unexpected previous signing keys: %v", cfg.Secrets.SigningKeyPrevious)
	}
	if cfg.StorageProfiles != "/etc/gazeqa/storage-profiles.yaml" {
		t.Errorf("expected storage profiles override, got %q", cfg.StorageProfiles)
	}
	if cfg.JWTIssuer != "gazeqad" {
		t.Errorf("expected jwt issuer override, got %q", cfg.JWTIssuer)
	}
	if !cfg.TracingEnabled {
		t.Errorf("expected tracing enabled override")
	}
	if cfg.TraceSampleRate != 0.25 {
		t.Errorf("expected trace sample rate override, got %v", cfg.TraceSampleRate)
	}
	if cfg.TraceStoragePath != "/var/gazeqa/traces.db" {
		t.Errorf("expected trace storage path override, got %q", cfg.TraceStoragePath)
	}
}

func TestLoad_TraceSampleRateDefaultsToOne(t *testing.T) {
	cfg := Load()
	if cfg.TraceSampleRate != 1.0 {
		t.Errorf("expected default trace sample rate 1.0, got %v", cfg.TraceSampleRate)
	}
}

func TestSplitCSV(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
	got := splitCSV("a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestEnvInt_InvalidReturnsZero(t *testing.T) {
	t.Setenv("GAZEQA_TEST_NOT_AN_INT", "not-a-number")
	if got := envInt("GAZEQA_TEST_NOT_AN_INT"); got != 0 {
		t.Errorf("expected 0 for invalid int, got %d", got)
	}
}
