// ABOUTME: Timestamped backup creation, listing, retention cleanup and restore
// ABOUTME: Operates on raw bytes and never mutates a backup after creating it

package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/2389/cyberintel/internal/filelock"
	"github.com/2389/cyberintel/internal/jsonstore"
	"github.com/2389/cyberintel/internal/paths"
)

const (
	// Extension ends every backup file name.
	Extension = ".json.backup"

	// LabelAuto marks scheduled backups of critical files.
	LabelAuto = "auto"
	// LabelPreRestore marks the snapshot taken before a restore.
	LabelPreRestore = "pre_restore"

	timestampLayout = "20060102_150405"
)

// DefaultCritical lists the documents covered by AutoBackupCritical.
var DefaultCritical = []string{"config.json", "state.json", "history.json", "database.json"}

var (
	// ErrSourceMissing is returned when the file to back up does not exist.
	ErrSourceMissing = errors.New("source file does not exist")
	// ErrNoBackups is returned when a restore finds no backup for the file.
	ErrNoBackups = errors.New("no backups found")
	// ErrBackupMissing is returned when the named backup does not exist.
	ErrBackupMissing = errors.New("backup does not exist")
)

var backupName = regexp.MustCompile(`^(.+?)_(\d{8}_\d{6})(?:_(.+))?\.json\.backup$`)

// Result reports the outcome of Create and Restore.
type Result struct {
	OK  bool
	Err error
}

// Info describes one backup on disk.
type Info struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Source  string    `json:"source"`
	Label   string    `json:"label,omitempty"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
	AgeDays float64   `json:"age_days"`
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	// Dir holds the backups (default <data dir>/backups).
	Dir string
	// Retention is the maximum backup age (default 90 days).
	Retention time.Duration
	// MaxPerFile is the number of newest backups kept per source (default 30).
	MaxPerFile int
	// Critical names the documents AutoBackupCritical snapshots.
	Critical []string
	// Resolver maps Critical names to paths.
	Resolver *paths.Resolver
	// Locker, when set, guards Restore against concurrent store access.
	Locker filelock.Locker
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager creates, lists, prunes and restores backups.
type Manager struct {
	dir        string
	retention  time.Duration
	maxPerFile int
	critical   []string
	resolver   *paths.Resolver
	locker     filelock.Locker
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Manager.
func New(opts Options) *Manager {
	if opts.Resolver == nil {
		opts.Resolver = paths.New("", "")
	}
	if opts.Dir == "" {
		opts.Dir = filepath.Join(opts.Resolver.DataDir(), "backups")
	}
	if opts.Retention <= 0 {
		opts.Retention = 90 * 24 * time.Hour
	}
	if opts.MaxPerFile <= 0 {
		opts.MaxPerFile = 30
	}
	if opts.Critical == nil {
		opts.Critical = DefaultCritical
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:        opts.Dir,
		retention:  opts.Retention,
		maxPerFile: opts.MaxPerFile,
		critical:   opts.Critical,
		resolver:   opts.Resolver,
		locker:     opts.Locker,
		now:        opts.Now,
		logger:     logger.With("component", "backup"),
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Create snapshots path. It returns the backup's path, or "" with a failed
// Result when the source is missing or the copy fails.
func (m *Manager) Create(path, label string) (string, Result) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("file does not exist, skipping backup", "path", path)
		return "", Result{Err: fmt.Errorf("%w: %s", ErrSourceMissing, path)}
	}
	if err != nil {
		m.logger.Error("failed to stat file for backup", "path", path, "error", err)
		return "", Result{Err: fmt.Errorf("stat source: %w", err)}
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		m.logger.Error("failed to create backup directory", "dir", m.dir, "error", err)
		return "", Result{Err: fmt.Errorf("creating backup directory: %w", err)}
	}

	now := m.now()
	dest, err := m.reserveName(filepath.Base(path), now, label)
	if err != nil {
		m.logger.Error("failed to reserve backup name", "path", path, "error", err)
		return "", Result{Err: err}
	}

	if err := copyInto(path, dest, st.Mode().Perm()); err != nil {
		_ = os.Remove(dest)
		m.logger.Error("failed to create backup", "path", path, "error", err)
		return "", Result{Err: err}
	}
	if err := os.Chtimes(dest, now, now); err != nil {
		m.logger.Debug("failed to stamp backup time", "path", dest, "error", err)
	}

	m.logger.Info("backup created", "source", path, "backup", dest)
	return dest, Result{OK: true}
}

// reserveName creates an empty file with a unique backup name. A second
// backup of the same file within one second gets a numeric suffix.
func (m *Manager) reserveName(filename string, now time.Time, label string) (string, error) {
	base := filename + "_" + now.Format(timestampLayout)
	if label != "" {
		base += "_" + label
	}
	for n := 0; n < 1000; n++ {
		name := base
		if n > 0 {
			name += "_" + strconv.Itoa(n)
		}
		dest := filepath.Join(m.dir, name+Extension)
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating backup file: %w", err)
		}
		return dest, f.Close()
	}
	return "", fmt.Errorf("too many backups of %s within one second", filename)
}

// List returns the backups of path, newest first.
func (m *Manager) List(path string) ([]Info, error) {
	all, err := m.scan()
	if err != nil {
		return nil, err
	}
	source := filepath.Base(path)
	var out []Info
	for _, info := range all {
		if info.Source == source {
			out = append(out, info)
		}
	}
	return out, nil
}

// ListAll returns every backup in the directory, newest first.
func (m *Manager) ListAll() ([]Info, error) {
	return m.scan()
}

// scan reads every backup in the directory, newest first.
func (m *Manager) scan() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	now := m.now()
	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := backupName.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path:    filepath.Join(m.dir, e.Name()),
			Name:    e.Name(),
			Source:  match[1],
			Label:   match[3],
			Size:    fi.Size(),
			Created: fi.ModTime(),
			AgeDays: now.Sub(fi.ModTime()).Hours() / 24,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// Cleanup deletes backups older than the retention window or ranked past
// MaxPerFile among backups of the same source. An empty path cleans every
// source. It returns the number of files removed.
func (m *Manager) Cleanup(path string) int {
	all, err := m.scan()
	if err != nil {
		m.logger.Error("failed to list backups for cleanup", "error", err)
		return 0
	}

	only := ""
	if path != "" {
		only = filepath.Base(path)
	}

	rank := make(map[string]int)
	removed := 0
	for _, info := range all {
		if only != "" && info.Source != only {
			continue
		}
		r := rank[info.Source]
		rank[info.Source] = r + 1

		expired := m.now().Sub(info.Created) > m.retention
		excess := r >= m.maxPerFile
		if !expired && !excess {
			continue
		}

		if err := os.Remove(info.Path); err != nil {
			m.logger.Warn("failed to remove backup", "path", info.Path, "error", err)
			continue
		}
		removed++
		m.logger.Debug("backup removed", "name", info.Name, "expired", expired, "excess", excess)
	}

	if removed > 0 {
		m.logger.Info("backup cleanup finished", "removed", removed)
	}
	return removed
}

// Restore replaces path with backupPath, or with the newest backup of path
// when backupPath is empty. The live file is snapshotted first.
func (m *Manager) Restore(ctx context.Context, path, backupPath string) Result {
	if backupPath == "" {
		backups, err := m.List(path)
		if err != nil {
			m.logger.Error("failed to list backups for restore", "path", path, "error", err)
			return Result{Err: err}
		}
		if len(backups) == 0 {
			m.logger.Error("no backups found", "path", path)
			return Result{Err: fmt.Errorf("%w: %s", ErrNoBackups, path)}
		}
		backupPath = backups[0].Path
	} else if !filepath.IsAbs(backupPath) && filepath.Dir(backupPath) == "." {
		backupPath = filepath.Join(m.dir, backupPath)
	}

	data, err := os.ReadFile(backupPath)
	if errors.Is(err, os.ErrNotExist) {
		m.logger.Error("backup does not exist", "backup", backupPath)
		return Result{Err: fmt.Errorf("%w: %s", ErrBackupMissing, backupPath)}
	}
	if err != nil {
		m.logger.Error("failed to read backup", "backup", backupPath, "error", err)
		return Result{Err: fmt.Errorf("reading backup: %w", err)}
	}

	if m.locker != nil {
		g, err := m.locker.Acquire(ctx, path)
		if err != nil {
			m.logger.Error("failed to lock file for restore", "path", path, "error", err)
			return Result{Err: err}
		}
		defer func() {
			if err := g.Release(); err != nil {
				m.logger.Warn("failed to release restore lock", "path", path, "error", err)
			}
		}()
	}

	if _, err := os.Stat(path); err == nil {
		if _, res := m.Create(path, LabelPreRestore); !res.OK {
			m.logger.Error("pre-restore backup failed, aborting restore", "path", path, "error", res.Err)
			return res
		}
	}

	if err := jsonstore.WriteFileAtomic(path, data, jsonstore.DefaultPerm); err != nil {
		m.logger.Error("failed to restore backup", "path", path, "backup", backupPath, "error", err)
		return Result{Err: fmt.Errorf("writing restored file: %w", err)}
	}

	m.logger.Info("file restored", "path", path, "backup", backupPath)
	return Result{OK: true}
}

// AutoBackupCritical snapshots every critical document that exists, then
// prunes all backups. It returns the number of backups created.
func (m *Manager) AutoBackupCritical() int {
	created := 0
	for _, name := range m.critical {
		path := m.resolver.Resolve(name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, res := m.Create(path, LabelAuto); res.OK {
			created++
		}
	}
	if created > 0 {
		m.logger.Info("automatic backup finished", "files", created)
	}
	m.Cleanup("")
	return created
}

// copyInto copies src over the already-reserved dest and syncs it.
func copyInto(src, dest string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("opening backup: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing backup: %w", err)
	}
	return os.Chmod(dest, perm)
}

// SourceOf returns the source filename encoded in a backup name.
func SourceOf(name string) (string, bool) {
	match := backupName.FindStringSubmatch(filepath.Base(name))
	if match == nil {
		return "", false
	}
	return match[1], true
}

// HasLabel reports whether a backup name carries label.
func HasLabel(name, label string) bool {
	match := backupName.FindStringSubmatch(filepath.Base(name))
	return match != nil && (match[3] == label || strings.HasPrefix(match[3], label+"_"))
}
