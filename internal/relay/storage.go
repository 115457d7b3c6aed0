// Package relay implements the sync relay server: API-key authentication,
// per-document persistence, and fan-out of document updates between
// connected clients.
package relay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/evcraddock/todufit-go/internal/crdt"
)

// docExtension is the on-disk blob extension.
const docExtension = "automerge"

// storageFilePerms restricts blobs to the relay user.
const storageFilePerms = 0o600

// storageDirPerms is used for scope directories.
const storageDirPerms = 0o700

// Storage error sentinels.
var (
	// ErrInvalidOwnerScope rejects scope or kind strings that could escape
	// the data directory. Returned before any filesystem access.
	ErrInvalidOwnerScope = errors.New("relay: invalid owner scope")
	// ErrDocumentParse marks a blob that exists but does not load.
	ErrDocumentParse = errors.New("relay: document parse failure")
)

// Storage persists one blob per (owner scope, document kind) under
// <dataDir>/<scope>/<kind>.automerge.
type Storage struct {
	dataDir string
}

// NewStorage creates storage rooted at dataDir.
func NewStorage(dataDir string) *Storage {
	return &Storage{dataDir: dataDir}
}

// validatePathPart rejects empty strings, path separators, parent
// references, and leading dots. Both owner scopes and document kinds pass
// through this before touching the filesystem.
func validatePathPart(part string) error {
	if part == "" ||
		strings.ContainsAny(part, "/\\") ||
		strings.Contains(part, "..") ||
		strings.HasPrefix(part, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidOwnerScope, part)
	}

	return nil
}

// path resolves the blob path after validating both components.
func (s *Storage) path(scope, kind string) (string, error) {
	if err := validatePathPart(scope); err != nil {
		return "", err
	}

	if err := validatePathPart(kind); err != nil {
		return "", err
	}

	return filepath.Join(s.dataDir, scope, kind+"."+docExtension), nil
}

// Exists reports whether a blob is present.
func (s *Storage) Exists(scope, kind string) (bool, error) {
	path, err := s.path(scope, kind)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("relay: checking %s: %w", path, err)
	}

	return true, nil
}

// LoadBytes reads a raw blob. Returns (nil, nil) when it does not exist.
func (s *Storage) LoadBytes(scope, kind string) ([]byte, error) {
	path, err := s.path(scope, kind)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("relay: reading %s: %w", path, err)
	}

	return data, nil
}

// Load reads and parses a document. Returns (nil, nil) when no blob exists.
func (s *Storage) Load(scope, kind string) (*crdt.Doc, error) {
	data, err := s.LoadBytes(scope, kind)
	if err != nil || data == nil {
		return nil, err
	}

	doc, err := crdt.Load(data)
	if err != nil {
		path, _ := s.path(scope, kind)
		return nil, fmt.Errorf("%w: %s: %w", ErrDocumentParse, path, err)
	}

	return doc, nil
}

// SaveBytes writes a blob atomically, creating the scope directory if
// needed.
func (s *Storage) SaveBytes(scope, kind string, data []byte) error {
	path, err := s.path(scope, kind)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, storageDirPerms); err != nil {
		return fmt.Errorf("relay: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+kind+"-*.tmp")
	if err != nil {
		return fmt.Errorf("relay: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, storageFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("relay: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("relay: writing %s: %w", tmpPath, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("relay: syncing %s: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("relay: closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("relay: renaming to %s: %w", path, err)
	}

	success = true

	return nil
}

// Save serializes and writes a document atomically.
func (s *Storage) Save(scope, kind string, doc *crdt.Doc) error {
	return s.SaveBytes(scope, kind, doc.Save())
}
