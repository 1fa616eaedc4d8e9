// ABOUTME: Fallback for platforms without an advisory lock primitive
// ABOUTME: Relies on the exclusive marker file and age-based stale detection only

//go:build !unix && !windows

package filelock

import (
	"errors"
	"os"
)

type noopLocker struct{}

func newPlatformLocker() platformLocker {
	return noopLocker{}
}

func (noopLocker) Lock(*os.File) error   { return errors.ErrUnsupported }
func (noopLocker) Unlock(*os.File) error { return nil }
