// Package docstore implements the local multi-document store: content blobs
// on disk keyed by document id, plus a single root pointer naming the
// device's identity document.
//
// Layout of the data directory:
//
//	<dir>/root_doc_id          text file with the identity doc id
//	<dir>/<doc-id>.automerge   one blob per document
//
// All writes are atomic: temp file in the same directory, fsync, rename.
// A reader never observes a truncated blob.
package docstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/evcraddock/todufit-go/internal/docid"
)

// DocExtension is the file extension for document blobs.
const DocExtension = "automerge"

// RootFileName is the fixed name of the root pointer file.
const RootFileName = "root_doc_id"

// FilePerms restricts blobs to owner read/write.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// Store reads and writes document blobs under a single data directory.
type Store struct {
	dir string
}

// New creates a store rooted at dir. The directory is created lazily on the
// first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the data directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the blob path for a document id.
func (s *Store) Path(id docid.ID) string {
	return filepath.Join(s.dir, id.String()+"."+DocExtension)
}

// Exists reports whether a blob for id is present on disk.
func (s *Store) Exists(id docid.ID) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Load reads a document blob. Returns (nil, nil) if the blob does not exist.
func (s *Store) Load(id docid.ID) ([]byte, error) {
	path := s.Path(id)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("docstore: reading %s: %w", path, err)
	}

	return data, nil
}

// Save writes a document blob atomically, creating the data directory if
// needed. A concurrent reader sees either the previous blob or the new one
// in full.
func (s *Store) Save(id docid.ID, data []byte) error {
	return s.writeAtomic(s.Path(id), data)
}

// Delete removes a document blob. Returns true if a blob was removed, false
// if none existed.
func (s *Store) Delete(id docid.ID) (bool, error) {
	path := s.Path(id)

	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("docstore: deleting %s: %w", path, err)
	}

	return true, nil
}

// List scans the data directory and returns the ids of all stored documents.
// Files whose stem does not parse as a document id — including the root
// pointer file — are ignored.
func (s *Store) List() ([]docid.ID, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("docstore: reading directory %s: %w", s.dir, err)
	}

	var ids []docid.ID

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		stem, ok := strings.CutSuffix(name, "."+DocExtension)
		if !ok {
			continue
		}

		id, parseErr := docid.Parse(stem)
		if parseErr != nil {
			continue
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// rootPath returns the root pointer file path.
func (s *Store) rootPath() string {
	return filepath.Join(s.dir, RootFileName)
}

// SaveRoot records id as the device's root (identity) document.
func (s *Store) SaveRoot(id docid.ID) error {
	return s.writeAtomic(s.rootPath(), []byte(id.String()))
}

// LoadRoot reads the root pointer. Returns (zero, false, nil) when no root
// has been set. Content is trimmed before parsing so a trailing newline from
// manual editing is harmless.
func (s *Store) LoadRoot() (docid.ID, bool, error) {
	path := s.rootPath()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return docid.ID{}, false, nil
	}

	if err != nil {
		return docid.ID{}, false, fmt.Errorf("docstore: reading %s: %w", path, err)
	}

	id, err := docid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return docid.ID{}, false, fmt.Errorf("docstore: parsing root pointer %s: %w", path, err)
	}

	return id, true, nil
}

// HasRoot reports whether a root pointer file exists.
func (s *Store) HasRoot() bool {
	_, err := os.Stat(s.rootPath())
	return err == nil
}

// writeAtomic writes data to path via a sibling temp file, fsyncing before
// the rename so a crash cannot leave a partial file at the final path.
func (s *Store) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(s.dir, DirPerms); err != nil {
		return fmt.Errorf("docstore: creating directory %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("docstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("docstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("docstore: writing %s: %w", tmpPath, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("docstore: syncing %s: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("docstore: closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("docstore: renaming to %s: %w", path, err)
	}

	success = true

	return nil
}
