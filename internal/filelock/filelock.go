// ABOUTME: Scoped advisory file locks backed by an exclusive marker file
// ABOUTME: Retries on contention and force-breaks locks abandoned by dead processes

package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LockSuffix is appended to a document path to form its marker path.
const LockSuffix = ".lock"

var (
	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLocked is returned by platform lockers when the file is held elsewhere.
	ErrLocked = errors.New("file is locked")
)

// Locker acquires an exclusive lock scoped to a single path.
type Locker interface {
	Acquire(ctx context.Context, path string) (Guard, error)
}

// Guard is a held lock. Release must be called exactly once.
type Guard interface {
	Release() error
}

// Options configures a FileLocker. Zero values select defaults.
type Options struct {
	// Timeout bounds a single acquisition (default 10s).
	Timeout time.Duration
	// StaleAfter is the marker age past which a lock is broken unconditionally (default 30s).
	StaleAfter time.Duration
	// Grace is the minimum marker age before an unheld advisory lock counts as abandoned (default 1s).
	Grace time.Duration
	// RetryDelay is the fixed wait between attempts (default 50ms).
	RetryDelay time.Duration
	// Now overrides the clock, for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// FileLocker implements Locker with marker files and platform advisory locks.
type FileLocker struct {
	opts     Options
	platform platformLocker
	logger   *slog.Logger

	// sems maps a marker path to a 1-slot channel serializing local goroutines.
	sems sync.Map
}

// markerInfo is written into the marker for debugging and stale detection.
type markerInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// New creates a FileLocker.
func New(opts Options) *FileLocker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLocker{
		opts:     opts,
		platform: newPlatformLocker(),
		logger:   logger.With("component", "filelock"),
	}
}

// MarkerPath returns the marker file used to lock path.
func MarkerPath(path string) string {
	return path + LockSuffix
}

// Acquire blocks until the lock for path is held, ctx is done, or the
// configured timeout passes.
func (l *FileLocker) Acquire(ctx context.Context, path string) (Guard, error) {
	marker := MarkerPath(path)

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	sem := l.semaphore(marker)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, l.waitErr(ctx, marker)
	}

	f, err := l.acquireMarker(ctx, marker)
	if err != nil {
		<-sem
		return nil, err
	}

	return &guard{locker: l, marker: marker, file: f, sem: sem}, nil
}

func (l *FileLocker) semaphore(marker string) chan struct{} {
	v, _ := l.sems.LoadOrStore(marker, make(chan struct{}, 1))
	return v.(chan struct{})
}

// acquireMarker loops creating the marker exclusively until it succeeds.
func (l *FileLocker) acquireMarker(ctx context.Context, marker string) (*os.File, error) {
	attempt := 0
	for {
		attempt++
		f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			l.holdAdvisory(f)
			l.writeInfo(f)
			if attempt > 1 {
				l.logger.Debug("lock acquired after contention", "path", marker, "attempts", attempt)
			}
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock marker: %w", err)
		}

		if l.breakIfStale(marker) {
			continue
		}

		l.logger.Debug("lock busy, retrying", "path", marker, "attempt", attempt)
		timer := time.NewTimer(l.opts.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, l.waitErr(ctx, marker)
		}
	}
}

// holdAdvisory takes the platform lock on a freshly created marker. A stale
// check in another process may hold it for an instant, so a few quick retries
// are made; the exclusive marker remains authoritative if they all fail.
func (l *FileLocker) holdAdvisory(f *os.File) {
	for i := 0; i < 10; i++ {
		err := l.platform.Lock(f)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrLocked) {
			l.logger.Debug("advisory lock unavailable", "path", f.Name(), "error", err)
			return
		}
		time.Sleep(time.Millisecond)
	}
	l.logger.Debug("advisory lock contended, relying on marker", "path", f.Name())
}

func (l *FileLocker) writeInfo(f *os.File) {
	host, _ := os.Hostname()
	info := markerInfo{PID: os.Getpid(), Host: host, AcquiredAt: l.opts.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if _, err := f.Write(data); err != nil {
		l.logger.Debug("writing lock marker info", "path", f.Name(), "error", err)
	}
}

// breakIfStale removes marker when its holder is gone. Returns true if the
// marker was removed (or vanished) and acquisition should be retried at once.
func (l *FileLocker) breakIfStale(marker string) bool {
	f, err := os.OpenFile(marker, os.O_RDWR, 0)
	if err != nil {
		// Released between our create attempt and now.
		return os.IsNotExist(err)
	}

	reason, age := l.staleReason(f)
	if reason == "" {
		f.Close()
		return false
	}

	// Only remove the marker we inspected, not one created since.
	opened, statErr := f.Stat()
	_ = l.platform.Unlock(f)
	f.Close()
	if statErr != nil {
		return false
	}
	current, err := os.Stat(marker)
	if err != nil {
		return os.IsNotExist(err)
	}
	if !os.SameFile(opened, current) {
		return true
	}

	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to break stale lock", "path", marker, "error", err)
		return false
	}
	l.logger.Warn("broke stale lock", "path", marker, "age", age.Round(time.Millisecond), "reason", reason)
	return true
}

// staleReason reports why the marker behind f is abandoned, or "" if it is live.
// When the reason is "holder gone" the advisory lock on f is left held.
func (l *FileLocker) staleReason(f *os.File) (string, time.Duration) {
	age, ok := l.markerAge(f)
	if !ok {
		return "", 0
	}
	switch {
	case age > l.opts.StaleAfter:
		return "expired", age
	case age > l.opts.Grace:
		if err := l.platform.Lock(f); err == nil {
			return "holder gone", age
		}
	}
	return "", age
}

// markerAge reads the acquisition time from the marker, falling back to its
// modification time when the content is missing or unreadable.
func (l *FileLocker) markerAge(f *os.File) (time.Duration, bool) {
	var info markerInfo
	data := make([]byte, 512)
	n, _ := f.ReadAt(data, 0)
	if n > 0 && json.Unmarshal(data[:n], &info) == nil && !info.AcquiredAt.IsZero() {
		return l.opts.Now().Sub(info.AcquiredAt), true
	}

	st, err := f.Stat()
	if err != nil {
		return 0, false
	}
	return l.opts.Now().Sub(st.ModTime()), true
}

func (l *FileLocker) waitErr(ctx context.Context, marker string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, marker)
	}
	return ctx.Err()
}

// guard is a held FileLocker lock.
type guard struct {
	locker *FileLocker
	marker string
	file   *os.File
	sem    chan struct{}
	once   sync.Once
}

// Release removes the marker, drops the advisory lock and frees the local slot.
func (g *guard) Release() error {
	var err error
	g.once.Do(func() {
		removeErr := os.Remove(g.marker)

		_ = g.locker.platform.Unlock(g.file)
		closeErr := g.file.Close()

		// Platforms that refuse to delete open files get a second try once closed.
		if removeErr != nil && !os.IsNotExist(removeErr) {
			removeErr = os.Remove(g.marker)
		}
		if removeErr != nil && !os.IsNotExist(removeErr) {
			err = fmt.Errorf("removing lock marker: %w", removeErr)
		} else if closeErr != nil {
			err = fmt.Errorf("closing lock marker: %w", closeErr)
		}

		<-g.sem
	})
	return err
}
