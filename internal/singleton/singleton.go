// Package singleton guards a root directory against a second running instance
// using an exclusive, non-blocking advisory lock on a well-known file.
package singleton

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"seedkeeper/internal/apperrors"
)

// Guard holds the lock file for the lifetime of the process.
// The OS releases the lock if the process dies without calling Release.
type Guard struct {
	path string
	file *os.File
}

// Path returns the lock file path.
func (g *Guard) Path() string {
	return g.path
}

// Acquire opens or creates the lock file at path and takes an exclusive lock
// without blocking. It returns an error matching apperrors.ErrAlreadyRunning when
// another holder exists, and ErrStartupPrecondition when the file cannot be opened.
func Acquire(path string) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, apperrors.Precondition("singleton.open", err)
	}

	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			return nil, &apperrors.Error{
				Sentinel: apperrors.ErrAlreadyRunning,
				Message:  fmt.Sprintf("lock %s is held by another process", path),
				Resource: path,
				Op:       "singleton.acquire",
			}
		}
		return nil, apperrors.Precondition("singleton.lock", err)
	}

	// The pid is informational only.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Guard{path: path, file: f}, nil
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	err := errors.Join(unlockFile(g.file), g.file.Close())
	g.file = nil
	return err
}
