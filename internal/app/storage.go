// ABOUTME: Builds the persistence layer shared by the server and the CLI maintenance commands
// ABOUTME: Resolver, lock, JSON store, backup manager and state cleaner from one config

package app

import (
	"log/slog"

	"github.com/2389/cyberintel/internal/backup"
	"github.com/2389/cyberintel/internal/config"
	"github.com/2389/cyberintel/internal/filelock"
	"github.com/2389/cyberintel/internal/jsonstore"
	"github.com/2389/cyberintel/internal/paths"
	"github.com/2389/cyberintel/internal/state"
)

// Document names under the data directory.
const (
	ConfigDoc   = "config.json"
	StateDoc    = "state.json"
	HistoryDoc  = "history.json"
	DatabaseDoc = "database.json"
)

// Storage is the persistence layer.
type Storage struct {
	Paths   *paths.Resolver
	Locker  *filelock.FileLocker
	Store   *jsonstore.Store
	Backups *backup.Manager
	State   *state.Cleaner
}

// OpenStorage wires the persistence components from cfg. Nothing is read
// from disk until a component is used.
func OpenStorage(cfg *config.Config, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	resolver := paths.New(cfg.Data.WorkDir, cfg.Data.Dir)
	locker := filelock.New(filelock.Options{
		Timeout:    cfg.Storage.LockTimeout,
		StaleAfter: cfg.Storage.StaleLockAge,
		RetryDelay: cfg.Storage.LockRetryDelay,
		Logger:     logger,
	})
	store := jsonstore.New(locker, logger)

	backups := backup.New(backup.Options{
		Dir:        cfg.Backup.Dir,
		Retention:  cfg.Backup.Retention(),
		MaxPerFile: cfg.Backup.MaxPerFile,
		Critical:   []string{ConfigDoc, StateDoc, HistoryDoc, DatabaseDoc},
		Resolver:   resolver,
		Locker:     locker,
		Logger:     logger,
	})

	cleaner := state.NewCleaner(state.Options{
		Store:  store,
		Path:   resolver.Resolve(StateDoc),
		Limits: StateLimits(cfg.State),
		Logger: logger,
	})

	return &Storage{
		Paths:   resolver,
		Locker:  locker,
		Store:   store,
		Backups: backups,
		State:   cleaner,
	}
}

// StateLimits converts the state config section to cleaner limits.
func StateLimits(c config.StateConfig) state.Limits {
	return state.Limits{
		DedupMax:     c.DedupMax,
		PerFeed:      c.PerFeedMax,
		CacheMax:     c.CacheMax,
		HashesMax:    c.HashesMax,
		WarnSize:     config.Bytes(c.WarnSizeMB),
		CriticalSize: config.Bytes(c.CriticalSizeMB),
		Interval:     c.CleanupInterval,
	}
}
