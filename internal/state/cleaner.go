// ABOUTME: Bounds the growth of state.json by time, size and item-count triggers
// ABOUTME: Serializes read-modify-write cycles on the state document within the process

package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/2389/cyberintel/internal/jsonstore"
)

const mib = 1024 * 1024

// Limits are the thresholds applied by a Cleaner.
type Limits struct {
	// DedupMax clears the whole dedup section when the total item count exceeds it.
	DedupMax int
	// PerFeed is the number of newest identifiers kept per feed.
	PerFeed int
	// CacheMax clears http_cache when its entry count exceeds it.
	CacheMax int
	// HashesMax clears html_hashes when its entry count exceeds it.
	HashesMax int
	// WarnSize and CriticalSize are file sizes in bytes that trigger a pass.
	WarnSize     int64
	CriticalSize int64
	// Interval triggers a pass when this long has passed since the last one.
	Interval time.Duration
}

// DefaultLimits returns the standard thresholds.
func DefaultLimits() Limits {
	return Limits{
		DedupMax:     2000,
		PerFeed:      500,
		CacheMax:     1000,
		HashesMax:    100,
		WarnSize:     5 * mib,
		CriticalSize: 10 * mib,
		Interval:     7 * 24 * time.Hour,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.DedupMax <= 0 {
		l.DedupMax = d.DedupMax
	}
	if l.PerFeed <= 0 {
		l.PerFeed = d.PerFeed
	}
	if l.CacheMax <= 0 {
		l.CacheMax = d.CacheMax
	}
	if l.HashesMax <= 0 {
		l.HashesMax = d.HashesMax
	}
	if l.WarnSize <= 0 {
		l.WarnSize = d.WarnSize
	}
	if l.CriticalSize <= 0 {
		l.CriticalSize = d.CriticalSize
	}
	if l.Interval <= 0 {
		l.Interval = d.Interval
	}
	return l
}

// Report describes one cleanup pass.
type Report struct {
	Reason    string `json:"reason"`
	Before    Counts `json:"before"`
	After     Counts `json:"after"`
	SizeBytes int64  `json:"size_bytes"`
}

// Options configures a Cleaner.
type Options struct {
	Store  *jsonstore.Store
	Path   string
	Limits Limits
	Now    func() time.Time
	Logger *slog.Logger
}

// Cleaner loads, mutates and trims the state document at Path.
type Cleaner struct {
	store  *jsonstore.Store
	path   string
	limits Limits
	now    func() time.Time
	logger *slog.Logger

	// mu serializes Update and CheckAndCleanup so their load-modify-save
	// cycles do not lose each other's writes.
	mu sync.Mutex
}

// NewCleaner creates a Cleaner.
func NewCleaner(opts Options) *Cleaner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		store:  opts.Store,
		path:   opts.Path,
		limits: opts.Limits.withDefaults(),
		now:    opts.Now,
		logger: logger.With("component", "state"),
	}
}

// Path returns the state document path.
func (c *Cleaner) Path() string {
	return c.path
}

// Limits returns the effective thresholds.
func (c *Cleaner) Limits() Limits {
	return c.limits
}

// Load reads the state document, creating missing sections.
func (c *Cleaner) Load(ctx context.Context) (Document, jsonstore.Result) {
	v, res := c.store.Load(ctx, c.path, map[string]any{})
	return FromValue(v), res
}

// Update applies fn to the current document and saves it atomically. The
// document is not saved when fn returns an error.
func (c *Cleaner) Update(ctx context.Context, fn func(Document) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, res := c.Load(ctx)
	if !res.Writable() {
		return fmt.Errorf("loading state: %w", res.Err)
	}
	if err := fn(doc); err != nil {
		return err
	}
	if res := c.store.Save(ctx, c.path, doc); !res.OK() {
		return fmt.Errorf("saving state: %w", res.Err)
	}
	return nil
}

// Exclusive runs fn while no Update or CheckAndCleanup is in flight. Whole
// file replacements such as backup restores go through it so a concurrent
// load-modify-save cannot write over them.
func (c *Cleaner) Exclusive(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// CleanupPass trims doc in place and returns it with before/after counts.
func (c *Cleaner) CleanupPass(doc Document) (Document, Report) {
	if doc == nil {
		doc = NewDocument()
	}
	doc.ensure()
	report := Report{Before: doc.Counts()}

	dedup := doc.section(KeyDedup)
	if total := dedupTotal(dedup); total > c.limits.DedupMax {
		c.logger.Info("clearing dedup section", "items", total, "limit", c.limits.DedupMax)
		doc[KeyDedup] = map[string]any{}
	} else {
		trimmed := 0
		for feed := range dedup {
			if doc.TrimSeen(feed, c.limits.PerFeed) {
				trimmed++
			}
		}
		if trimmed > 0 {
			c.logger.Info("trimmed dedup feeds", "feeds", trimmed, "keep", c.limits.PerFeed)
		}
	}

	if n := len(doc.section(KeyHTTPCache)); n > c.limits.CacheMax {
		c.logger.Info("clearing http cache section", "items", n, "limit", c.limits.CacheMax)
		doc[KeyHTTPCache] = map[string]any{}
	}

	if n := len(doc.section(KeyHTMLHashes)); n > c.limits.HashesMax {
		c.logger.Info("clearing html hash section", "items", n, "limit", c.limits.HashesMax)
		doc[KeyHTMLHashes] = map[string]any{}
	}

	now := float64(c.now().UnixNano()) / float64(time.Second)
	if prev := doc.LastCleanup(); prev > now {
		now = prev
	}
	doc[KeyLastCleanup] = now

	report.After = doc.Counts()
	return doc, report
}

// ShouldCleanupByTime reports whether the cleanup interval has passed since
// the document's last cleanup.
func (c *Cleaner) ShouldCleanupByTime(doc Document) bool {
	last := doc.LastCleanup()
	elapsed := float64(c.now().UnixNano())/float64(time.Second) - last
	return elapsed > c.limits.Interval.Seconds()
}

// ShouldCleanupBySize reports whether the state file exceeds the warn or
// critical size, with a reason naming the threshold crossed.
func (c *Cleaner) ShouldCleanupBySize() (bool, string) {
	size := c.fileSize()
	switch {
	case size > c.limits.CriticalSize:
		return true, fmt.Sprintf("critical size (%.2f MB > %.2f MB)", toMB(size), toMB(c.limits.CriticalSize))
	case size > c.limits.WarnSize:
		return true, fmt.Sprintf("large size (%.2f MB > %.2f MB)", toMB(size), toMB(c.limits.WarnSize))
	}
	return false, ""
}

// CheckAndCleanup loads the document and runs a pass when forced, when the
// interval has passed, or when the file is too large. It reports whether a
// pass ran.
func (c *Cleaner) CheckAndCleanup(ctx context.Context, force bool) (Document, Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, res := c.Load(ctx)
	if !res.Writable() {
		c.logger.Error("skipping state cleanup, document unreadable", "path", c.path, "status", res.Status.String(), "error", res.Err)
		return doc, Report{}, false
	}

	reason := ""
	switch {
	case force:
		reason = "forced"
	case c.ShouldCleanupByTime(doc):
		reason = fmt.Sprintf("%s cycle", formatInterval(c.limits.Interval))
	default:
		if ok, sizeReason := c.ShouldCleanupBySize(); ok {
			reason = sizeReason
		}
	}
	if reason == "" {
		return doc, Report{}, false
	}

	doc, report := c.CleanupPass(doc)
	report.Reason = reason

	if res := c.store.Save(ctx, c.path, doc, jsonstore.WithAtomic(true)); !res.OK() {
		c.logger.Error("failed to save cleaned state", "path", c.path, "status", res.Status.String(), "error", res.Err)
	}

	report.SizeBytes = c.fileSize()
	c.logger.Info("state cleanup finished",
		"reason", reason,
		"before", report.Before,
		"after", report.After,
		"size_mb", fmt.Sprintf("%.2f", toMB(report.SizeBytes)),
	)
	return doc, report, true
}

func (c *Cleaner) fileSize() int64 {
	st, err := os.Stat(c.path)
	if err != nil {
		return 0
	}
	return st.Size()
}

func toMB(n int64) float64 {
	return float64(n) / mib
}

func formatInterval(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%d day", int(d/(24*time.Hour)))
	}
	return d.String()
}
