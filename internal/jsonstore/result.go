// ABOUTME: Outcome values reported by Load and Save
// ABOUTME: Persistence failures are returned as data instead of panics or bare errors

package jsonstore

import "fmt"

// Status classifies the outcome of a Load or Save.
type Status int

const (
	// StatusOK means the document was read or written as requested.
	StatusOK Status = iota
	// StatusMissing means the file does not exist; the default was returned.
	StatusMissing
	// StatusEmpty means the file has no content; the default was returned.
	StatusEmpty
	// StatusRecovered means the file was corrupt and was restored from its backup sibling.
	StatusRecovered
	// StatusCorrupt means the file was corrupt and no valid backup existed; the default was returned.
	StatusCorrupt
	// StatusInvalid means the value could not be serialized; nothing was written.
	StatusInvalid
	// StatusIOError means reading or writing the file failed.
	StatusIOError
	// StatusLockFailed means the path lock could not be acquired.
	StatusLockFailed
)

var statusNames = map[Status]string{
	StatusOK:         "ok",
	StatusMissing:    "missing",
	StatusEmpty:      "empty",
	StatusRecovered:  "recovered",
	StatusCorrupt:    "corrupt",
	StatusInvalid:    "invalid",
	StatusIOError:    "io_error",
	StatusLockFailed: "lock_failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result reports the outcome of a store operation.
type Result struct {
	Status Status
	Err    error
}

// OK reports whether the returned value came from disk (directly or via recovery),
// or for Save, whether the document was written.
func (r Result) OK() bool {
	return r.Status == StatusOK || r.Status == StatusRecovered
}

// UsedDefault reports whether Load fell back to the caller's default.
func (r Result) UsedDefault() bool {
	switch r.Status {
	case StatusOK, StatusRecovered:
		return false
	default:
		return true
	}
}

// Writable reports whether a value returned by Load may be modified and saved
// back. It is false when the file could not be locked or read, since the
// default in hand would replace content that still exists on disk.
func (r Result) Writable() bool {
	switch r.Status {
	case StatusLockFailed, StatusIOError:
		return false
	default:
		return true
	}
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Status, r.Err)
	}
	return r.Status.String()
}
