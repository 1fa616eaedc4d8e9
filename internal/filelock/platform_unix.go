// ABOUTME: flock(2) backing for lock markers on unix systems
// ABOUTME: Locks are released by the kernel when the holding process exits

//go:build unix

package filelock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

type flockLocker struct{}

func newPlatformLocker() platformLocker {
	return flockLocker{}
}

func (flockLocker) Lock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrLocked
	}
	return err
}

func (flockLocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
