package snapstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/timeline"
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{0,127}$`)

// FS implements Store with one JSON file per key under a directory.
type FS struct {
	root string // absolute path to drafts directory
}

// NewFS creates a new FS store rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("snapstore: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("snapstore: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapstore: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// path maps a key to its file. Keys are restricted to a safe alphabet so
// they can never name a file outside root.
func (f *FS) path(key string) (string, error) {
	if !keyRe.MatchString(key) || key == "." || key == ".." {
		return "", fmt.Errorf("snapstore: invalid key %q: %w", key, apperr.ErrInvalid)
	}
	return filepath.Join(f.root, key+".json"), nil
}

// Load reads and decodes the snapshot stored under key.
func (f *FS) Load(_ context.Context, key string) (*timeline.Snapshot, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("snapstore: draft %q: %w", key, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("snapstore: read %s: %w", key, err)
	}
	return timeline.DecodeSnapshot(data)
}

// Save atomically writes the snapshot: tmp file → fsync → rename.
func (f *FS) Save(_ context.Context, key string, s *timeline.Snapshot) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	data, err := s.Encode()
	if err != nil {
		return err
	}
	return WriteFileAtomic(p, data)
}

// Delete removes the file for key.
func (f *FS) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapstore: delete %s: %w", key, err)
	}
	return nil
}

// WriteFileAtomic writes content next to path and renames it into place so
// readers never observe a partial file.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapstore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".guardian-tmp-*")
	if err != nil {
		return fmt.Errorf("snapstore: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("snapstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("snapstore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("snapstore: rename: %w", err)
	}
	success = true
	return nil
}
