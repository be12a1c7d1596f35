//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package history

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/shiftcraft/rosterd/internal/model"
)

// lockDir takes the exclusive owner lock of a history directory. The kernel
// releases it when the process dies, so a crashed owner never blocks a
// restart.
func lockDir(dir string) (*os.File, error) {
	f, err := os.OpenFile(lockPath(dir), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening history lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("history %s is owned by another rosterd process: %w", dir, model.ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("locking history: %w", err)
	}
	return f, nil
}

func unlockDir(f *os.File) error {
	return errors.Join(
		unix.Flock(int(f.Fd()), unix.LOCK_UN),
		f.Close(),
	)
}
