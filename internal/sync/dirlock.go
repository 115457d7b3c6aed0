package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockFileName is the advisory lock file inside the data directory.
const lockFileName = ".sync.lock"

// lockFilePerms matches the store's blob permissions.
const lockFilePerms = 0o600

// lockDirPerms is used when the data directory must be created first.
const lockDirPerms = 0o700

// lockDataDir takes a non-blocking exclusive flock on the data directory's
// lock file so two sync runs never interleave writes to the same store.
// Returns a release function, or ErrConcurrentSession when contended.
func lockDataDir(dir string) (release func(), err error) {
	if err := os.MkdirAll(dir, lockDirPerms); err != nil {
		return nil, fmt.Errorf("sync: creating data directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, lockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePerms)
	if err != nil {
		return nil, fmt.Errorf("sync: opening lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, ErrConcurrentSession
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
