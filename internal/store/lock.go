package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const defaultLockRetryDelay = 50 * time.Millisecond

// ErrLockNotAcquired indicates the database lock file could not be taken
// before the context ended.
var ErrLockNotAcquired = errors.New("store: lock not acquired")

// FileLocker serializes apply phases across processes that share one
// database file. It takes a single advisory lock regardless of the keys.
type FileLocker struct {
	path       string
	retryDelay time.Duration
}

// NewFileLocker returns a locker backed by the lock file at path.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path, retryDelay: defaultLockRetryDelay}
}

// LockPath derives the lock file path for a database path.
func LockPath(databasePath string) string {
	return databasePath + ".lock"
}

// Lock blocks until the lock file is held or ctx ends.
func (l *FileLocker) Lock(ctx context.Context, _ []string) (func(), error) {
	lock := flock.New(l.path)
	ok, err := lock.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, l.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, l.path)
	}
	return func() {
		_ = lock.Unlock()
	}, nil
}
