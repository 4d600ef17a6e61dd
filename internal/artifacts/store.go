// Package artifacts persists serialized model artifacts and serves
// deserialized models through a process-local, TTL-bounded handle cache.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgesight/forgesight/internal/config"
	"github.com/forgesight/forgesight/internal/mlmodel"
)

// Sentinel errors for artifact storage.
var (
	// ErrArtifactNotFound is returned when a handle does not resolve to a stored artifact.
	ErrArtifactNotFound = errors.New("model artifact not found")

	// ErrEmptyArtifact is returned when persisting zero bytes.
	ErrEmptyArtifact = errors.New("model artifact cannot be empty")

	// ErrInvalidHandle is returned when a handle escapes the artifact root.
	ErrInvalidHandle = errors.New("invalid artifact handle")
)

const (
	handleHashLen   = 12
	artifactDirPerm = 0o750
	artifactPerm    = 0o640
)

// Store defines artifact persistence. Handles are opaque strings stored in the
// model registry; only this package interprets them.
type Store interface {
	// Persist writes artifact bytes and returns the handle to store in the registry.
	Persist(data []byte, family mlmodel.Family, version mlmodel.SemVer) (string, error)

	// Load reads the artifact bytes for a handle.
	Load(handle string) ([]byte, error)

	// ModTime returns the artifact's last-modified timestamp. The model cache
	// folds this into its key so a replaced artifact on the same handle is
	// never served stale.
	ModTime(handle string) (time.Time, error)
}

// FSStore implements Store on the local filesystem (or a mounted volume).
// Layout: <root>/<family>/<version>/<content-hash>.model.
type FSStore struct {
	root string
}

// Compile-time interface assertion.
var _ Store = (*FSStore)(nil)

// LoadStoreConfig returns the artifact root directory from the environment.
func LoadStoreConfig() string {
	return config.GetEnvStr("ARTIFACT_ROOT", "/var/lib/forgesight/artifacts")
}

// NewFSStore creates the artifact root if needed and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, artifactDirPerm); err != nil {
		return nil, fmt.Errorf("create artifact root %q: %w", root, err)
	}

	return &FSStore{root: root}, nil
}

// Persist writes the artifact under a content-addressed filename and returns
// its handle. Re-persisting identical bytes for the same family and version is
// idempotent (same handle, file overwritten in place).
func (s *FSStore) Persist(data []byte, family mlmodel.Family, version mlmodel.SemVer) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyArtifact
	}

	sum := sha256.Sum256(data)
	handle := filepath.Join(
		family.String(),
		version.String(),
		hex.EncodeToString(sum[:])[:handleHashLen]+".model",
	)

	path := filepath.Join(s.root, handle)
	if err := os.MkdirAll(filepath.Dir(path), artifactDirPerm); err != nil {
		return "", fmt.Errorf("create artifact dir for %q: %w", handle, err)
	}

	// Write-then-rename so readers never observe a partial artifact.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, artifactPerm); err != nil {
		return "", fmt.Errorf("write artifact %q: %w", handle, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize artifact %q: %w", handle, err)
	}

	return handle, nil
}

// Load reads the artifact bytes for a handle.
func (s *FSStore) Load(handle string) ([]byte, error) {
	path, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrArtifactNotFound, handle)
	}

	if err != nil {
		return nil, fmt.Errorf("read artifact %q: %w", handle, err)
	}

	return data, nil
}

// ModTime returns the artifact's last-modified timestamp.
func (s *FSStore) ModTime(handle string) (time.Time, error) {
	path, err := s.resolve(handle)
	if err != nil {
		return time.Time{}, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrArtifactNotFound, handle)
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("stat artifact %q: %w", handle, err)
	}

	return info.ModTime(), nil
}

// resolve joins the handle onto the root and rejects path traversal.
func (s *FSStore) resolve(handle string) (string, error) {
	cleaned := filepath.Clean(handle)
	if cleaned == "" || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}

	return filepath.Join(s.root, cleaned), nil
}
