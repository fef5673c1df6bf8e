package secrets

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestGetTokenRegistry_DefaultToken(t *testing.T) {
	m := New(Config{DefaultToken: "tok-123", Logger: testLogger()})
	defer m.Close()

	reg := m.GetTokenRegistry()
	entry, ok := reg["tok-123"]
	if !ok {
		t.Fatal("expected default token in registry")
	}
	if entry.OrganizationSlug != "default" || entry.ActorRole != "qa_runner" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestGetTokenRegistry_FileOverlayWins(t *testing.T) {
	dir := t.TempDir()
	regFile := filepath.Join(dir, "registry.json")
	os.WriteFile(regFile, []byte(`{"tok-123":{"organization_slug":"acme","actor_role":"admin"}}`), 0o644)

	m := New(Config{DefaultToken: "tok-123", RegistryFile: regFile, Logger: testLogger()})
	defer m.Close()

	reg := m.GetTokenRegistry()
	entry := reg["tok-123"]
	if entry.OrganizationSlug != "acme" || entry.ActorRole != "admin" {
		t.Errorf("expected file overlay to win, got %+v", entry)
	}
}

func TestGetTokenRegistry_ReloadsOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	regFile := filepath.Join(dir, "registry.json")
	os.WriteFile(regFile, []byte(`{"tok-1":{"organization_slug":"acme"}}`), 0o644)

	m := New(Config{RegistryFile: regFile, Logger: testLogger()})
	defer m.Close()

	reg := m.GetTokenRegistry()
	if _, ok := reg["tok-1"]; !ok {
		t.Fatal("expected tok-1 present initially")
	}

	time.Sleep(10 * time.Millisecond)
	os.WriteFile(regFile, []byte(`{"tok-2":{"organization_slug":"beta"}}`), 0o644)

	reg = m.GetTokenRegistry()
	if _, ok := reg["tok-2"]; !ok {
		t.Fatal("expected registry to reload updated file contents")
	}
}

func TestGetSigningKeys_FileSupersedesEnvKey(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "keys.txt")
	os.WriteFile(keyFile, []byte("key-one\nkey-two\n"), 0o644)

	m := New(Config{
		SigningKey:     "env-key-should-not-be-used-when-file-present-xxxx",
		SigningKeyFile: keyFile,
		Logger:         testLogger(),
	})
	defer m.Close()

	set := m.GetSigningKeys()
	if set.Primary != "key-one" {
		t.Errorf("primary = %q, want key-one", set.Primary)
	}
	if len(set.AllKeys) != 2 {
		t.Errorf("expected 2 keys, got %d", len(set.AllKeys))
	}
}

func TestResolveSigningKey_DerivesShortPassphrase(t *testing.T) {
	derived := resolveSigningKey("short-pass")
	if len(derived) != 64 { // hex-encoded 32 bytes
		t.Errorf("expected 64 hex chars, got %d", len(derived))
	}
	if derived == "short-pass" {
		t.Error("expected short passphrase to be derived, not passed through")
	}
}

func TestResolveSigningKey_PassesThroughLongKey(t *testing.T) {
	long := "0123456789abcdef0123456789abcdef"
	if resolveSigningKey(long) != long {
		t.Error("expected long key to pass through unchanged")
	}
}

func TestScopesForRole_UnknownFallsBackToViewer(t *testing.T) {
	got := ScopesForRole("nonexistent")
	want := ScopesForRole("qa_viewer")
	if len(got) != len(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
