package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists snapshots as JSON files next to a base path.
// Params: base path; keys other than the default get a suffixed file name.
// Returns: filesystem-backed store for single-instance mode.
type FileStore struct {
	path string
}

// NewFileStore creates a filesystem snapshot store.
// Params: base snapshot file path.
// Returns: initialized store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// pathFor derives the file path for one snapshot key.
// Params: snapshot key.
// Returns: base path for the default key, suffixed path otherwise.
func (s *FileStore) pathFor(key string) string {
	if key == SnapshotKeyCooldown {
		return s.path
	}
	ext := filepath.Ext(s.path)
	return strings.TrimSuffix(s.path, ext) + "-" + key + ext
}

// SaveSnapshot writes one snapshot blob atomically via temp file rename.
// Params: context (unused), snapshot key, and blob.
// Returns: write or rename error.
func (s *FileStore) SaveSnapshot(_ context.Context, key string, blob []byte) error {
	target := s.pathFor(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write snapshot %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace snapshot %q: %w", target, err)
	}
	return nil
}

// LoadSnapshot reads one snapshot blob.
// Params: context (unused) and snapshot key.
// Returns: blob bytes, ErrNotFound for a missing file, or read error.
func (s *FileStore) LoadSnapshot(_ context.Context, key string) ([]byte, error) {
	blob, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot %q: %w", s.pathFor(key), err)
	}
	return blob, nil
}

// Close is a no-op for the filesystem store.
// Params: none.
// Returns: nil.
func (s *FileStore) Close() error {
	return nil
}
