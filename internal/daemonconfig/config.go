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

// Package daemonconfig loads gazeqad's configuration: defaults,
// overlaid by GAZEQA_* environment variables, overlaid by CLI flags
// the caller applies on top of the returned Config. Named apart from
// the teacher's internal/config (its CLI multi-provider configuration),
// which this repository no longer contains: it was removed together
// with the CLI commands that used it.
package daemonconfig

import (
	"os"
	"strconv"
	"strings"
)

// CORSConfig mirrors internal/httpapi.CORSConfig's fields so this
// package doesn't need to import the HTTP layer.
type CORSConfig struct {
	Enabled          bool
	AllowedMethods   []string
	AllowedHeaders   []string
	MaxAge           int
	AllowCredentials bool
}

// SecretsEnvConfig carries the *_API_TOKEN*/*_SIGNING_KEY* family
// consumed by internal/secrets.Config.
type SecretsEnvConfig struct {
	DefaultToken          string
	RegistryJSON          string
	RegistryFile          string
	TokenFile             string
	TokenFileOrganization string
	TokenFileSlug         string
	TokenFileActorRole    string
	SigningKey            string
	SigningKeyPrevious    []string
	SigningKeyFile        string
	JWTSecret             string
}

// Config is gazeqad's full runtime configuration.
type Config struct {
	APIHost           string
	APIPort           int
	StorageRoot       string
	UIRoot            string
	TLSCertFile       string
	TLSKeyFile        string
	AllowedOrigins    []string
	CORS              CORSConfig
	AlertWebhookToken string
	Secrets           SecretsEnvConfig
	ExecutorWorkers   int
	IndexBackend      string
	OTELEndpoint      string
	StorageProfiles   string
	JWTIssuer         string
	TracingEnabled    bool
	TraceSampleRate   float64

	// TraceStoragePath, if set, persists spans to a local SQLite database
	// at this path (in addition to whatever OTEL exporter is configured)
	// and starts a background retention sweep against it.
	TraceStoragePath string
}

// Default returns a Config populated with the documented defaults,
// before any environment overlay.
func Default() Config {
	return Config{
		APIHost:         "127.0.0.1",
		APIPort:         8000,
		StorageRoot:     "./artifacts/runs",
		ExecutorWorkers: 4,
		IndexBackend:    "json",
		CORS: CORSConfig{
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			MaxAge:         86400,
		},
	}
}

// Load applies Default(), then overlays GAZEQA_* environment variables,
// mirroring the teacher's DefaultConfig → loadFromEnv layering.
func Load() Config {
	cfg := Default()

	if v := os.Getenv("GAZEQA_API_HOST"); v != "" {
		cfg.APIHost = v
	}
	if v := envInt("GAZEQA_API_PORT"); v != 0 {
		cfg.APIPort = v
	}
	if v := os.Getenv("GAZEQA_STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv("GAZEQA_UI_ROOT"); v != "" {
		cfg.UIRoot = v
	}
	if v := os.Getenv("GAZEQA_TLS_CERTFILE"); v != "" {
		cfg.TLSCertFile = v
	}
	if v := os.Getenv("GAZEQA_TLS_KEYFILE"); v != "" {
		cfg.TLSKeyFile = v
	}
	if v := os.Getenv("GAZEQA_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
		cfg.CORS.Enabled = true
	}
	if v := os.Getenv("GAZEQA_CORS_ALLOW_CREDENTIALS"); v != "" {
		cfg.CORS.AllowCredentials = v == "true" || v == "1"
	}
	if v := os.Getenv("GAZEQA_CORS_ALLOW_METHODS"); v != "" {
		cfg.CORS.AllowedMethods = splitCSV(v)
	}
	if v := os.Getenv("GAZEQA_CORS_ALLOW_HEADERS"); v != "" {
		cfg.CORS.AllowedHeaders = splitCSV(v)
	}
	if v := envInt("GAZEQA_CORS_MAX_AGE"); v != 0 {
		cfg.CORS.MaxAge = v
	}
	if v := os.Getenv("GAZEQA_ALERT_WEBHOOK_TOKEN"); v != "" {
		cfg.AlertWebhookToken = v
	}
	if v := envInt("GAZEQA_EXECUTOR_WORKERS"); v != 0 {
		cfg.ExecutorWorkers = v
	}
	if v := os.Getenv("GAZEQA_INDEX_BACKEND"); v != "" {
		cfg.IndexBackend = v
	}
	if v := os.Getenv("GAZEQA_OTEL_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := os.Getenv("GAZEQA_STORAGE_PROFILES_FILE"); v != "" {
		cfg.StorageProfiles = v
	}
	if v := os.Getenv("GAZEQA_JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("GAZEQA_TRACING_ENABLED"); v != "" {
		cfg.TracingEnabled = v == "true" || v == "1"
	}
	cfg.TraceSampleRate = 1.0
	if v := os.Getenv("GAZEQA_TRACE_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TraceSampleRate = rate
		}
	}

	if v := os.Getenv("GAZEQA_TRACE_STORAGE_PATH"); v != "" {
		cfg.TraceStoragePath = v
	}

	cfg.Secrets = loadSecretsEnv()
	return cfg
}

func loadSecretsEnv() SecretsEnvConfig {
	return SecretsEnvConfig{
		DefaultToken:          os.Getenv("GAZEQA_API_TOKEN"),
		RegistryJSON:          os.Getenv("GAZEQA_API_TOKEN_REGISTRY"),
		RegistryFile:          os.Getenv("GAZEQA_API_TOKEN_REGISTRY_FILE"),
		TokenFile:             os.Getenv("GAZEQA_API_TOKEN_FILE"),
		TokenFileOrganization: os.Getenv("GAZEQA_API_TOKEN_FILE_ORGANIZATION"),
		TokenFileSlug:         os.Getenv("GAZEQA_API_TOKEN_FILE_SLUG"),
		TokenFileActorRole:    os.Getenv("GAZEQA_API_TOKEN_FILE_ACTOR_ROLE"),
		SigningKey:            os.Getenv("GAZEQA_SIGNING_KEY"),
		SigningKeyPrevious:    splitCSV(os.Getenv("GAZEQA_SIGNING_KEY_PREVIOUS")),
		SigningKeyFile:        os.Getenv("GAZEQA_SIGNING_KEY_FILE"),
		JWTSecret:             os.Getenv("GAZEQA_JWT_SECRET"),
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
