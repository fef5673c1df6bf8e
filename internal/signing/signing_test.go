package signing

import (
	"testing"
	"time"
)

func TestSignAndVerify_RoundTrip(t *testing.T) {
	ring := NewRing("key-a")
	expires := time.Now().Add(time.Hour)
	sig, err := ring.Sign("RUN-1", "acme", "artifacts/index.json", expires)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(ring, "RUN-1", "acme", "artifacts/index.json", expires.Unix(), sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify_RejectsTamperedPath(t *testing.T) {
	ring := NewRing("key-a")
	expires := time.Now().Add(time.Hour)
	sig, _ := ring.Sign("RUN-1", "acme", "artifacts/index.json", expires)
	if err := Verify(ring, "RUN-1", "acme", "artifacts/other.json", expires.Unix(), sig); err == nil {
		t.Fatal("expected signature mismatch on tampered path")
	}
}

func TestVerify_RejectsWrongTenant(t *testing.T) {
	ring := NewRing("key-a")
	expires := time.Now().Add(time.Hour)
	sig, _ := ring.Sign("RUN-1", "acme", "artifacts/index.json", expires)
	if err := Verify(ring, "RUN-1", "other-org", "artifacts/index.json", expires.Unix(), sig); err == nil {
		t.Fatal("expected signature mismatch on tampered organization slug")
	}
}

func TestVerify_RejectsExpired(t *testing.T) {
	ring := NewRing("key-a")
	expires := time.Now().Add(-time.Minute)
	sig, _ := ring.Sign("RUN-1", "acme", "artifacts/index.json", expires)
	if err := Verify(ring, "RUN-1", "acme", "artifacts/index.json", expires.Unix(), sig); err == nil {
		t.Fatal("expected expired error")
	}
}

func TestVerify_RejectsPathTraversal(t *testing.T) {
	ring := NewRing("key-a")
	expires := time.Now().Add(time.Hour)
	sig, _ := ring.Sign("RUN-1", "acme", "../secrets", expires)
	if err := Verify(ring, "RUN-1", "acme", "../secrets", expires.Unix(), sig); err == nil {
		t.Fatal("expected path traversal rejection")
	}
}

func TestVerify_ToleratesKeyRotation(t *testing.T) {
	oldRing := NewRing("old-key")
	expires := time.Now().Add(time.Hour)
	sig, _ := oldRing.Sign("RUN-1", "acme", "artifacts/index.json", expires)

	rotated := NewRing("new-key", "old-key")
	if err := Verify(rotated, "RUN-1", "acme", "artifacts/index.json", expires.Unix(), sig); err != nil {
		t.Fatalf("expected rotated ring to still verify old signature: %v", err)
	}
}
