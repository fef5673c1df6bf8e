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

// Package secrets hot-reloads the bearer-token registry and signing-key
// ring used by the HTTP boundary, composing environment defaults with
// optional file overlays that take precedence once present.
package secrets

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/hkdf"
)

// TokenEntry describes the principal a bearer token resolves to.
type TokenEntry struct {
	Organization     string   `json:"organization"`
	OrganizationSlug string   `json:"organization_slug"`
	ActorRole        string   `json:"actor_role"`
	Scopes           []string `json:"scopes"`
}

// Registry maps bearer tokens to TokenEntry.
type Registry map[string]TokenEntry

// RoleDefaultScopes mirrors gazeqa.security.ROLE_DEFAULT_SCOPES.
var RoleDefaultScopes = map[string][]string{
	"qa_runner": {"runs:create", "runs:read", "runs:events"},
	"qa_viewer": {"runs:read", "runs:events"},
	"admin":     {"runs:create", "runs:read", "runs:events", "runs:read:all"},
}

// ScopesForRole returns the sorted default scope list for a role, falling
// back to qa_viewer's scopes for unknown roles.
func ScopesForRole(role string) []string {
	scopes, ok := RoleDefaultScopes[role]
	if !ok {
		scopes = RoleDefaultScopes["qa_viewer"]
	}
	out := append([]string(nil), scopes...)
	sort.Strings(out)
	return out
}

func normalizeEntry(raw map[string]any) TokenEntry {
	organization := firstNonEmptyString(raw, "organization", "organization_name", "organization_slug")
	if organization == "" {
		organization = "default"
	}
	organizationSlug := firstNonEmptyString(raw, "organization_slug")
	if organizationSlug == "" {
		organizationSlug = organization
	}
	if organizationSlug == "" {
		organizationSlug = "default"
	}
	actorRole := firstNonEmptyString(raw, "actor_role")
	if actorRole == "" {
		actorRole = "qa_viewer"
	}

	var scopes []string
	if rawScopes, ok := raw["scopes"].([]any); ok && len(rawScopes) > 0 {
		seen := map[string]struct{}{}
		for _, s := range rawScopes {
			if str, ok := s.(string); ok && strings.TrimSpace(str) != "" {
				seen[strings.TrimSpace(str)] = struct{}{}
			}
		}
		for s := range seen {
			scopes = append(scopes, s)
		}
		sort.Strings(scopes)
	} else {
		scopes = ScopesForRole(actorRole)
	}

	return TokenEntry{
		Organization:     organization,
		OrganizationSlug: organizationSlug,
		ActorRole:        actorRole,
		Scopes:           scopes,
	}
}

func firstNonEmptyString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// Config wires the various token/signing-key sources.
type Config struct {
	DefaultToken          string
	RegistryJSON          string // GAZEQA_API_TOKEN_REGISTRY
	RegistryFile          string
	TokenFile             string
	TokenFileOrganization string
	TokenFileSlug         string
	TokenFileActorRole    string
	SigningKey            string // GAZEQA_SIGNING_KEY, derived via HKDF if short
	SigningKeyPrevious    []string
	SigningKeyFile        string
	Logger                *slog.Logger
}

// Manager hot-reloads tokens and signing keys by checking file mtimes
// (and, where the filesystem supports it, an fsnotify watch that
// short-circuits the mtime poll) on every read.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger

	baseRegistry Registry

	registryFile     string
	registryMtime    time.Time
	registryOverride Registry

	tokenFile        string
	tokenFileMtime   time.Time
	tokenFileEntry   Registry
	tokenFileDefault TokenEntry

	primarySigningKey  string
	previousKeys       []string
	signingKeyFile     string
	signingKeyFileMt   time.Time
	signingKeyFileKeys []string

	watcher *fsnotify.Watcher
}

// New constructs a Manager and attempts to start an fsnotify watch on
// any configured files; watch failures (e.g. unsupported filesystem)
// are logged as warnings and degrade to plain mtime polling on every
// Get call.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger:       logger,
		baseRegistry: loadTokenRegistry(cfg.DefaultToken, cfg.RegistryJSON, logger),
		registryFile: cfg.RegistryFile,
		tokenFile:    cfg.TokenFile,
		tokenFileDefault: TokenEntry{
			Organization:     orDefault(cfg.TokenFileOrganization, "default"),
			OrganizationSlug: orDefault(cfg.TokenFileSlug, "default"),
			ActorRole:        orDefault(cfg.TokenFileActorRole, "qa_runner"),
		},
		primarySigningKey: resolveSigningKey(cfg.SigningKey),
		previousKeys:      trimNonEmpty(cfg.SigningKeyPrevious),
		signingKeyFile:    cfg.SigningKeyFile,
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		m.watcher = w
		for _, f := range []string{cfg.RegistryFile, cfg.TokenFile, cfg.SigningKeyFile} {
			if f == "" {
				continue
			}
			if err := w.Add(f); err != nil {
				logger.Warn("secrets: fsnotify watch unavailable, falling back to mtime polling", "file", f, "error", err)
			}
		}
		go m.drainEvents()
	} else {
		logger.Warn("secrets: fsnotify unavailable, using mtime polling only", "error", err)
	}

	return m
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func trimNonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// resolveSigningKey derives a 32-byte key via HKDF-SHA256 when the
// configured value is shorter than 32 bytes (a passphrase rather than a
// proper key), so short operator-chosen secrets don't weaken the HMAC.
func resolveSigningKey(raw string) string {
	if raw == "" {
		return ""
	}
	if len(raw) >= 32 {
		return raw
	}
	hk := hkdf.New(sha256.New, []byte(raw), []byte("gazeqa-signing-salt"), []byte("gazeqa-artifact-url"))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(hk, derived); err != nil {
		return raw
	}
	return fmt.Sprintf("%x", derived)
}

func (m *Manager) drainEvents() {
	for range m.watcher.Events {
		// Any event just invalidates our cached mtimes; the next Get*
		// call re-stats and reloads. We don't inspect op/path: a
		// rename-then-recreate (common with atomic config writers)
		// looks different per platform and mtime comparison already
		// handles "did this change" correctly.
		m.mu.Lock()
		m.registryMtime = time.Time{}
		m.tokenFileMtime = time.Time{}
		m.signingKeyFileMt = time.Time{}
		m.mu.Unlock()
	}
}

func loadTokenRegistry(defaultToken, registryJSON string, logger *slog.Logger) Registry {
	registry := Registry{}
	raw := registryJSON
	if raw == "" {
		raw = os.Getenv("GAZEQA_API_TOKEN_REGISTRY")
	}
	if raw != "" {
		var parsed map[string]map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			logger.Warn("secrets: failed to parse token registry JSON, ignoring")
		} else {
			for token, value := range parsed {
				registry[token] = normalizeEntry(value)
			}
		}
	}
	if defaultToken != "" {
		if _, exists := registry[defaultToken]; !exists {
			registry[defaultToken] = TokenEntry{
				Organization:     "default",
				OrganizationSlug: "default",
				ActorRole:        "qa_runner",
				Scopes:           ScopesForRole("qa_runner"),
			}
		}
	}
	return registry
}

// GetTokenRegistry returns the composed registry: base env/JSON config,
// overlaid by the token file entry, overlaid by the registry file —
// file sources always win over environment defaults.
func (m *Manager) GetTokenRegistry() Registry {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshTokenFileLocked()
	m.refreshRegistryFileLocked()

	composed := Registry{}
	for k, v := range m.baseRegistry {
		composed[k] = v
	}
	for k, v := range m.tokenFileEntry {
		composed[k] = v
	}
	for k, v := range m.registryOverride {
		composed[k] = v
	}
	return composed
}

func (m *Manager) refreshRegistryFileLocked() {
	if m.registryFile == "" {
		return
	}
	st, err := os.Stat(m.registryFile)
	if err != nil {
		if len(m.registryOverride) > 0 {
			m.logger.Warn("secrets: token registry file disappeared", "file", m.registryFile)
		}
		m.registryOverride = nil
		m.registryMtime = time.Time{}
		return
	}
	if st.ModTime().Equal(m.registryMtime) {
		return
	}
	data, err := os.ReadFile(m.registryFile)
	if err != nil {
		m.logger.Error("secrets: failed to read token registry file", "file", m.registryFile, "error", err)
		return
	}
	var parsed map[string]map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		m.logger.Error("secrets: invalid JSON in token registry file", "file", m.registryFile, "error", err)
		return
	}
	override := Registry{}
	for token, value := range parsed {
		override[token] = normalizeEntry(value)
	}
	m.registryOverride = override
	m.registryMtime = st.ModTime()
}

func (m *Manager) refreshTokenFileLocked() {
	if m.tokenFile == "" {
		return
	}
	st, err := os.Stat(m.tokenFile)
	if err != nil {
		if len(m.tokenFileEntry) > 0 {
			m.logger.Warn("secrets: token file disappeared", "file", m.tokenFile)
		}
		m.tokenFileEntry = nil
		m.tokenFileMtime = time.Time{}
		return
	}
	if st.ModTime().Equal(m.tokenFileMtime) {
		return
	}
	data, err := os.ReadFile(m.tokenFile)
	if err != nil {
		m.logger.Error("secrets: failed to read token file", "file", m.tokenFile, "error", err)
		return
	}
	token := strings.TrimSpace(string(data))
	m.tokenFileMtime = st.ModTime()
	if token == "" {
		m.tokenFileEntry = nil
		return
	}
	entry := m.tokenFileDefault
	entry.Scopes = ScopesForRole(entry.ActorRole)
	m.tokenFileEntry = Registry{token: entry}
}

// SigningKeySet is the active primary signing key plus every key still
// accepted for verification (to tolerate in-flight rotation).
type SigningKeySet struct {
	Primary string
	AllKeys []string
}

// GetSigningKeys returns the composed signing key set. A signing key
// file supersedes the env/flag-configured primary key entirely (it is
// meant for full key rotation, not incremental trust).
func (m *Manager) GetSigningKeys() SigningKeySet {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshSigningKeyFileLocked()

	var keys []string
	if len(m.signingKeyFileKeys) > 0 {
		keys = append(keys, m.signingKeyFileKeys...)
	} else if m.primarySigningKey != "" {
		keys = append(keys, m.primarySigningKey)
	}
	for _, k := range m.previousKeys {
		if !contains(keys, k) {
			keys = append(keys, k)
		}
	}
	set := SigningKeySet{AllKeys: keys}
	if len(keys) > 0 {
		set.Primary = keys[0]
	}
	return set
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (m *Manager) refreshSigningKeyFileLocked() {
	if m.signingKeyFile == "" {
		return
	}
	st, err := os.Stat(m.signingKeyFile)
	if err != nil {
		if len(m.signingKeyFileKeys) > 0 {
			m.logger.Warn("secrets: signing key file disappeared", "file", m.signingKeyFile)
		}
		m.signingKeyFileKeys = nil
		m.signingKeyFileMt = time.Time{}
		return
	}
	if st.ModTime().Equal(m.signingKeyFileMt) {
		return
	}
	data, err := os.ReadFile(m.signingKeyFile)
	if err != nil {
		m.logger.Error("secrets: failed to read signing key file", "file", m.signingKeyFile, "error", err)
		return
	}
	var keys []string
	seen := map[string]struct{}{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		keys = append(keys, line)
	}
	m.signingKeyFileKeys = keys
	m.signingKeyFileMt = st.ModTime()
}

// Close stops the fsnotify watcher, if one was started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
