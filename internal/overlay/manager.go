// Package overlay implements the Rootfs Overlay Manager: validates base
// images against a checksum manifest at startup, and produces a per-VM
// writable overlay from a shared read-only base image.
//
// Create tries a device-mapper snapshot first and falls back to a copy made
// with cp --reflink=auto. The snapshot step creates no device and always
// fails, so every overlay is such a copy: it shares extents with the base
// image only on filesystems that support reflinks, and is a full copy
// elsewhere.
package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ManifestEntry describes one profile's expected base image.
type ManifestEntry struct {
	SHA256  string `json:"sha256"`
	Version string `json:"version"`
}

// Manifest maps profile name to its expected image checksum, loaded from
// images/.manifest.json.
type Manifest map[string]ManifestEntry

// LoadManifest reads and parses the manifest file at path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Manager creates and destroys per-VM rootfs overlays backed by a shared
// directory of read-only base images.
type Manager struct {
	imageDir   string
	overlayDir string
	manifest   Manifest
	logger     *slog.Logger

	// useDeviceMapper gates the snapshot path; disabled once an attempt
	// fails so subsequent overlays don't pay the cost of retrying an
	// unavailable tool on every VM.
	mu              sync.Mutex
	useDeviceMapper bool
}

// New creates a Manager rooted at imageDir/overlayDir, validated against
// manifest. attemptDeviceMapper controls whether snapshot creation via
// dmsetup is tried before falling back to a reflink copy; it should be true
// in production and false in environments known not to have device-mapper
// (most CI sandboxes).
func New(imageDir, overlayDir string, manifest Manifest, attemptDeviceMapper bool, logger *slog.Logger) *Manager {
	return &Manager{
		imageDir:        imageDir,
		overlayDir:      overlayDir,
		manifest:        manifest,
		logger:          logger,
		useDeviceMapper: attemptDeviceMapper,
	}
}

// ValidateImage checks that the base image for profileRootfs (a file name
// under imageDir, e.g. "default.ext4") exists and matches the manifest's
// recorded checksum. Returns the resolved path on success.
func (m *Manager) ValidateImage(profileRootfs string) (string, error) {
	path := filepath.Join(m.imageDir, profileRootfs)

	entry, ok := m.manifest[profileRootfs]
	if !ok {
		return "", fmt.Errorf("no manifest entry for image %q", profileRootfs)
	}

	sum, err := sha256File(path)
	if err != nil {
		return "", fmt.Errorf("checksum image %q: %w", profileRootfs, err)
	}
	if sum != entry.SHA256 {
		return "", fmt.Errorf("image %q checksum mismatch: manifest has %s, file has %s", profileRootfs, entry.SHA256, sum)
	}
	return path, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Create produces a writable overlay for cid from basePath, at
// overlays/{cid}.ext4 under overlayDir. Prefers a device-mapper snapshot;
// falls back to a reflink-or-plain copy when that is unavailable or fails.
func (m *Manager) Create(ctx context.Context, cid uint32, basePath string) (string, error) {
	dst := filepath.Join(m.overlayDir, fmt.Sprintf("%d.ext4", cid))

	m.mu.Lock()
	tryDM := m.useDeviceMapper
	m.mu.Unlock()

	if tryDM {
		if err := m.createDeviceMapperSnapshot(ctx, basePath, dst); err == nil {
			return dst, nil
		} else {
			m.logger.Warn("device-mapper snapshot unavailable, falling back to reflink copy", "error", err)
			m.mu.Lock()
			m.useDeviceMapper = false
			m.mu.Unlock()
		}
	}

	if err := copyRootfs(ctx, basePath, dst); err != nil {
		return "", fmt.Errorf("copy overlay for cid %d: %w", cid, err)
	}
	return dst, nil
}

// Destroy removes the overlay file at path. Idempotent: a missing file is
// not an error, so invoking teardown twice on the same VM is a no-op on
// the second call.
func (m *Manager) Destroy(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove overlay %s: %w", path, err)
	}
	return nil
}

// createDeviceMapperSnapshot checks that dmsetup is on PATH and then
// returns an error in every case: no thin pool is configured, and no
// snapshot device is created for dst. Create treats the error as the
// snapshot path being unavailable and falls back to copyRootfs.
func (m *Manager) createDeviceMapperSnapshot(ctx context.Context, basePath, dst string) error {
	if _, err := exec.LookPath("dmsetup"); err != nil {
		return fmt.Errorf("dmsetup not available: %w", err)
	}
	// No configuration key names a thin pool, so the missing pool is
	// reported the same way as a missing dmsetup.
	return fmt.Errorf("device-mapper snapshot pool not configured")
}

// copyRootfs copies src to dst using cp --reflink=auto, the same
// copy-on-write-when-possible fallback the hypervisor driver's predecessor
// used for per-VM rootfs duplication.
func copyRootfs(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
