package storageprofile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ParsesProfilesAndS3Archive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage-profiles.yaml")
	contents := `
profiles:
  default: {}
  s3-archive:
    s3_archive:
      bucket: gazeqa-run-archive
      prefix: runs/
      region: us-east-1
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	def := doc.Lookup("default")
	if def.S3Archive != nil {
		t.Errorf("expected default profile to have no archive config, got %+v", def.S3Archive)
	}

	archive := doc.Lookup("s3-archive")
	if archive.S3Archive == nil {
		t.Fatal("expected s3-archive profile to carry S3ArchiveConfig")
	}
	if archive.S3Archive.Bucket != "gazeqa-run-archive" || archive.S3Archive.Region != "us-east-1" {
		t.Errorf("unexpected S3ArchiveConfig: %+v", archive.S3Archive)
	}
}

func TestLookup_UnknownProfileReturnsEmpty(t *testing.T) {
	doc := Document{Profiles: map[string]Profile{}}
	p := doc.Lookup("nonexistent")
	if p.S3Archive != nil {
		t.Errorf("expected no archive config for unknown profile")
	}
}
