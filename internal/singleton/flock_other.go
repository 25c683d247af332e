//go:build !unix

package singleton

import (
	"errors"
	"os"
)

var errLocked = errors.New("lock held")

func lockFile(*os.File) error {
	return errors.New("advisory locking is not supported on this platform")
}

func unlockFile(*os.File) error {
	return nil
}
