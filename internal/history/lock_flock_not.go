//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package history

import (
	"fmt"
	"os"
)

// lockDir only creates the lock file. Ownership is enforced only where
// flock(2) is available.
func lockDir(dir string) (*os.File, error) {
	f, err := os.OpenFile(lockPath(dir), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening history lock: %w", err)
	}
	return f, nil
}

func unlockDir(f *os.File) error {
	return f.Close()
}
