package blobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a blob is not present in the store.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidID is returned for identifiers that are empty or cannot be
	// mapped to a single file under the store root.
	ErrInvalidID = errors.New("invalid blob identifier")
)

// FSStore keeps one file per identifier under a fixed root directory.
// File names are the case-folded normalized identifier, so identifiers
// differing only by case resolve to the same file.
type FSStore struct {
	root string
}

// NewFSStore returns a store rooted at dir. The directory is created
// lazily by the first Write.
func NewFSStore(dir string) *FSStore {
	return &FSStore{root: dir}
}

// Root returns the store's root directory.
func (s *FSStore) Root() string {
	return s.root
}

// Path resolves a blob name to its file path. The name is normalized
// first; names that normalize to empty or that contain path elements are
// rejected.
func (s *FSStore) Path(name string) (string, error) {
	id := Normalize(name)
	if id == "" {
		return "", ErrInvalidID
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) || id == Suffix {
		return "", fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	file := Key(id)
	if file == "."+Suffix || file == ".."+Suffix {
		return "", fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	return filepath.Join(s.root, file), nil
}

// Has reports whether the blob exists.
func (s *FSStore) Has(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Read returns the blob's bytes. Returns ErrNotFound if it does not exist
// and ErrTooLarge without reading if the file exceeds MaxBytes.
func (s *FSStore) Read(name string) ([]byte, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat blob: %w", err)
	}
	if info.Size() > MaxBytes {
		return nil, fmt.Errorf("%d bytes exceeds %d: %w", info.Size(), MaxBytes, ErrTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Write validates data and stores it as the blob's full content,
// replacing any previous file. The previous file is never partially
// overwritten: data goes to a temp file that is renamed into place.
func (s *FSStore) Write(name string, data []byte) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := Validate(data); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write blob data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync blob data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}
