package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"log/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeBaseImage(t *testing.T, dir, name string, content []byte) ManifestEntry {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	return ManifestEntry{SHA256: hex.EncodeToString(sum[:]), Version: "1"}
}

func TestValidateImageAcceptsMatchingChecksum(t *testing.T) {
	dir := t.TempDir()
	entry := writeBaseImage(t, dir, "default.ext4", []byte("fake-image-bytes"))
	manifest := Manifest{"default.ext4": entry}

	m := New(dir, t.TempDir(), manifest, false, discardLogger())
	path, err := m.ValidateImage("default.ext4")
	if err != nil {
		t.Fatalf("ValidateImage: %v", err)
	}
	if path != filepath.Join(dir, "default.ext4") {
		t.Errorf("path = %q", path)
	}
}

func TestValidateImageRejectsMismatchedChecksum(t *testing.T) {
	dir := t.TempDir()
	writeBaseImage(t, dir, "default.ext4", []byte("fake-image-bytes"))
	manifest := Manifest{"default.ext4": {SHA256: "0000000000000000000000000000000000000000000000000000000000000000", Version: "1"}}

	m := New(dir, t.TempDir(), manifest, false, discardLogger())
	if _, err := m.ValidateImage("default.ext4"); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestValidateImageRejectsMissingManifestEntry(t *testing.T) {
	dir := t.TempDir()
	writeBaseImage(t, dir, "default.ext4", []byte("fake-image-bytes"))

	m := New(dir, t.TempDir(), Manifest{}, false, discardLogger())
	if _, err := m.ValidateImage("default.ext4"); err == nil {
		t.Fatal("expected missing manifest entry error")
	}
}

func TestCreateFallsBackToCopyWhenDeviceMapperDisabled(t *testing.T) {
	imageDir := t.TempDir()
	overlayDir := t.TempDir()
	content := []byte("fake-image-bytes")
	entry := writeBaseImage(t, imageDir, "default.ext4", content)
	manifest := Manifest{"default.ext4": entry}

	m := New(imageDir, overlayDir, manifest, false, discardLogger())
	base, err := m.ValidateImage("default.ext4")
	if err != nil {
		t.Fatal(err)
	}

	overlayPath, err := m.Create(context.Background(), 200, base)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := os.ReadFile(overlayPath)
	if err != nil {
		t.Fatalf("read overlay: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("overlay content = %q, want %q", got, content)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	imageDir := t.TempDir()
	overlayDir := t.TempDir()
	content := []byte("fake-image-bytes")
	entry := writeBaseImage(t, imageDir, "default.ext4", content)
	manifest := Manifest{"default.ext4": entry}

	m := New(imageDir, overlayDir, manifest, false, discardLogger())
	base, _ := m.ValidateImage("default.ext4")
	overlayPath, err := m.Create(context.Background(), 201, base)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Destroy(overlayPath); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := m.Destroy(overlayPath); err != nil {
		t.Fatalf("second Destroy should be a no-op, got: %v", err)
	}
	if _, err := os.Stat(overlayPath); !os.IsNotExist(err) {
		t.Error("overlay file should no longer exist")
	}
}

func TestLoadManifestParsesJSON(t *testing.T) {
	dir := t.TempDir()
	manifest := Manifest{"default.ext4": {SHA256: "abc123", Version: "3"}}
	data, _ := json.Marshal(manifest)
	path := filepath.Join(dir, ".manifest.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if got["default.ext4"].SHA256 != "abc123" {
		t.Errorf("sha256 = %q, want abc123", got["default.ext4"].SHA256)
	}
}
