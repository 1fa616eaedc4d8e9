// ABOUTME: Platform advisory locking abstraction for lock markers
// ABOUTME: Concrete backings are selected by build tags

package filelock

import "os"

// platformLocker takes a non-blocking exclusive advisory lock on an open file.
// Lock returns ErrLocked when another holder has it.
type platformLocker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}
