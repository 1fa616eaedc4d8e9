// ABOUTME: SQLite audit log using modernc.org/sqlite with automatic schema creation
// ABOUTME: Records who ran which command or probed which honeypot, and when

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Action is an auditable action.
type Action string

const (
	ActionCommand      Action = "command"
	ActionIntrusion    Action = "intrusion"
	ActionConfigChange Action = "config_change"
	ActionRestore      Action = "restore"
)

// ValidActions lists every action accepted by the schema.
var ValidActions = []Action{ActionCommand, ActionIntrusion, ActionConfigChange, ActionRestore}

// tsLayout sorts lexicographically in time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one audit record.
type Entry struct {
	ID        string
	Actor     string // Matrix user id or remote IP
	Action    Action
	Target    string // command name, request path, file
	Timestamp time.Time
	Detail    map[string]any
}

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Since  *time.Time
	Actor  *string
	Action *Action
	Limit  int // default 100, max 1000
}

// Log is the SQLite-backed audit log.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the audit database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Log{db: db, logger: logger, now: time.Now}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit log initialized", "path", path)
	return l, nil
}

func (l *Log) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target      TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN ('command', 'intrusion', 'config_change', 'restore'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor, action);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append stores e, generating its ID and Timestamp when unset.
func (l *Log) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, actor, action, target, ts, detail_json) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Actor,
		string(e.Action),
		e.Target,
		e.Timestamp.UTC().Format(tsLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	level := slog.LevelInfo
	if e.Action == ActionIntrusion {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "AUDIT",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.Target,
	)
	return nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listQuery = `
	SELECT audit_id, actor, action, target, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// List returns entries matching f, newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	var since, action *string
	if f.Since != nil {
		s := f.Since.UTC().Format(tsLayout)
		since = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		action = &a
	}

	rows, err := l.db.QueryContext(ctx, listQuery,
		since, since,
		f.Actor, f.Actor,
		action, action,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var (
		e          Entry
		action, ts string
		detailJSON *string
	)
	if err := scanner.Scan(&e.ID, &e.Actor, &action, &e.Target, &ts, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.Action = Action(action)

	var err error
	e.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

// CountByAction returns the number of entries per action.
func (l *Log) CountByAction(ctx context.Context) (map[Action]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM audit_log GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Action]int)
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scanning audit count: %w", err)
		}
		counts[Action(action)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit counts: %w", err)
	}
	return counts, nil
}

// IsBlacklisted reports whether actor has triggered a honeypot.
func (l *Log) IsBlacklisted(ctx context.Context, actor string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE actor = ? AND action = ?`,
		actor, string(ActionIntrusion),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking blacklist: %w", err)
	}
	return n > 0, nil
}
