// Package filelock provides scoped, advisory, per-path locks for documents on disk.
//
// A lock on path P is represented by a marker file P.lock created exclusively,
// plus a platform advisory lock held on that marker (flock on unix,
// LockFileEx on windows). Goroutines of the same process are serialized by an
// in-memory semaphore before touching the filesystem.
//
// Locks held by a process that died are detected and broken: either the
// advisory lock on the marker can be taken (the kernel released it when the
// holder exited) or the marker is older than the stale threshold.
//
// Usage:
//
//	l := filelock.New(filelock.Options{Timeout: 10 * time.Second})
//	g, err := l.Acquire(ctx, "/srv/data/state.json")
//	if err != nil {
//	    return err
//	}
//	defer g.Release()
package filelock
