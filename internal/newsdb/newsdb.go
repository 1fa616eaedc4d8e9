// ABOUTME: Processed-news database and scan history backed by JSON documents
// ABOUTME: Keeps the newest entries and drops the rest on every write

package newsdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/cyberintel/internal/jsonstore"
)

const (
	// DefaultMaxNews bounds database.json.
	DefaultMaxNews = 1000
	// DefaultMaxRuns bounds history.json.
	DefaultMaxRuns = 200
)

// Entry is one processed news item.
type Entry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Link      string `json:"link"`
	Source    string `json:"source"`
	Published string `json:"published,omitempty"`
	PostedAt  string `json:"posted_at"`
}

// Database is the content of database.json.
type Database struct {
	News       []Entry `json:"news"`
	LastUpdate string  `json:"last_update,omitempty"`
}

// Run is one feed scan recorded in history.json.
type Run struct {
	Trigger    string `json:"trigger"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`
	Found      int    `json:"found"`
	Posted     int    `json:"posted"`
	Errors     int    `json:"errors"`
}

// Options configures a DB.
type Options struct {
	Store       *jsonstore.Store
	DBPath      string
	HistoryPath string
	MaxNews     int
	MaxRuns     int
	Now         func() time.Time
	Logger      *slog.Logger
}

// DB reads and appends to the news and history documents.
type DB struct {
	store       *jsonstore.Store
	dbPath      string
	historyPath string
	maxNews     int
	maxRuns     int
	now         func() time.Time
	logger      *slog.Logger

	mu sync.Mutex
}

// New creates a DB.
func New(opts Options) *DB {
	if opts.MaxNews <= 0 {
		opts.MaxNews = DefaultMaxNews
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		store:       opts.Store,
		dbPath:      opts.DBPath,
		historyPath: opts.HistoryPath,
		maxNews:     opts.MaxNews,
		maxRuns:     opts.MaxRuns,
		now:         opts.Now,
		logger:      logger.With("component", "newsdb"),
	}
}

func (d *DB) load(ctx context.Context) (Database, jsonstore.Result) {
	return jsonstore.LoadAs(ctx, d.store, d.dbPath, Database{})
}

// Record appends entries, skipping ids already present, and stamps last_update.
// It returns how many entries were added.
func (d *DB) Record(ctx context.Context, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	db, res := d.load(ctx)
	if !res.Writable() {
		return 0, fmt.Errorf("loading news database: %w", res.Err)
	}
	known := make(map[string]struct{}, len(db.News))
	for _, e := range db.News {
		known[e.ID] = struct{}{}
	}

	now := d.now().UTC().Format(time.RFC3339)
	added := 0
	for _, e := range entries {
		if _, dup := known[e.ID]; dup || e.ID == "" {
			continue
		}
		known[e.ID] = struct{}{}
		if e.PostedAt == "" {
			e.PostedAt = now
		}
		db.News = append(db.News, e)
		added++
	}
	if len(db.News) > d.maxNews {
		db.News = db.News[len(db.News)-d.maxNews:]
	}
	db.LastUpdate = now

	if res := d.store.Save(ctx, d.dbPath, db); !res.OK() {
		return 0, fmt.Errorf("saving news database: %w", res.Err)
	}
	return added, nil
}

// Stats returns the number of stored items and the last update time.
func (d *DB) Stats(ctx context.Context) (int, string) {
	db, _ := d.load(ctx)
	return len(db.News), db.LastUpdate
}

// Recent returns up to n entries, newest first.
func (d *DB) Recent(ctx context.Context, n int) []Entry {
	db, _ := d.load(ctx)
	out := make([]Entry, 0, n)
	for i := len(db.News) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, db.News[i])
	}
	return out
}

// RecordRun appends a scan to history.json.
func (d *DB) RecordRun(ctx context.Context, run Run) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	runs, res := jsonstore.LoadAs(ctx, d.store, d.historyPath, []Run{})
	if !res.Writable() {
		return fmt.Errorf("loading scan history: %w", res.Err)
	}
	runs = append(runs, run)
	if len(runs) > d.maxRuns {
		runs = runs[len(runs)-d.maxRuns:]
	}
	if res := d.store.Save(ctx, d.historyPath, runs); !res.OK() {
		return fmt.Errorf("saving scan history: %w", res.Err)
	}
	return nil
}

// Runs returns up to n scans, newest first.
func (d *DB) Runs(ctx context.Context, n int) []Run {
	runs, _ := jsonstore.LoadAs(ctx, d.store, d.historyPath, []Run{})
	out := make([]Run, 0, n)
	for i := len(runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, runs[i])
	}
	return out
}
