package store

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/seekr-dev/seekr/internal/errors"
)

// BaseLock guards single-process ownership of a storage base directory.
// Two orchestrators opening the same directory would corrupt each other's
// on-disk indices; the lock makes the second open fail fast.
// Works on all platforms (Unix, Linux, macOS, Windows).
type BaseLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewBaseLock creates a lock for the given base directory.
// The lock file is created at <dir>/.seekr.lock
func NewBaseLock(dir string) *BaseLock {
	lockPath := filepath.Join(dir, ".seekr.lock")
	return &BaseLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Acquire attempts to take the exclusive lock without blocking.
// Returns ErrCodeBackendBusy when another process holds it.
func (l *BaseLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	if !acquired {
		return errors.Newf(errors.ErrCodeBackendBusy,
			"base directory %s is locked by another process", filepath.Dir(l.path))
	}

	l.locked = true
	return nil
}

// Release drops the lock. Safe to call multiple times.
func (l *BaseLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}
