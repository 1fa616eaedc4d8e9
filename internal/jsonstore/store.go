// ABOUTME: Lock-protected JSON document store with atomic saves
// ABOUTME: Recovers corrupt documents from a .backup sibling and degrades to defaults

package jsonstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/cyberintel/internal/filelock"
)

// DefaultPerm is the mode given to newly created documents.
const DefaultPerm os.FileMode = 0644

// Store reads and writes JSON documents under per-path locks.
type Store struct {
	locker filelock.Locker
	logger *slog.Logger
	perm   os.FileMode

	// rename is swapped in tests to simulate a crash before commit.
	rename func(oldpath, newpath string) error
}

// New creates a Store. A nil logger falls back to slog.Default.
func New(locker filelock.Locker, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		locker: locker,
		logger: logger.With("component", "jsonstore"),
		perm:   DefaultPerm,
		rename: os.Rename,
	}
}

type loadOptions struct {
	validate bool
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithValidate re-serializes the decoded document and treats failure as corruption.
func WithValidate() LoadOption {
	return func(o *loadOptions) { o.validate = true }
}

type saveOptions struct {
	atomic bool
}

// SaveOption configures Save.
type SaveOption func(*saveOptions)

// WithAtomic selects temp-file-and-rename (true, the default) or an in-place write.
func WithAtomic(atomic bool) SaveOption {
	return func(o *saveOptions) { o.atomic = atomic }
}

// Load reads the document at path. def is returned when the file is missing,
// empty, unreadable, or corrupt without a usable backup.
func (s *Store) Load(ctx context.Context, path string, def any, opts ...LoadOption) (any, Result) {
	var doc any
	res := s.load(ctx, path, func(data []byte, validate bool) error {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if validate {
			if err := roundTrip(v, new(any)); err != nil {
				return err
			}
		}
		doc = v
		return nil
	}, opts)
	if res.UsedDefault() {
		return def, res
	}
	return doc, res
}

// LoadAs is Load decoding into T.
func LoadAs[T any](ctx context.Context, s *Store, path string, def T, opts ...LoadOption) (T, Result) {
	var doc T
	res := s.load(ctx, path, func(data []byte, validate bool) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if validate {
			if err := roundTrip(v, new(T)); err != nil {
				return err
			}
		}
		doc = v
		return nil
	}, opts)
	if res.UsedDefault() {
		return def, res
	}
	return doc, res
}

// decodeFunc parses data, keeping the value only on success.
type decodeFunc func(data []byte, validate bool) error

func (s *Store) load(ctx context.Context, path string, decode decodeFunc, opts []LoadOption) Result {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	g, err := s.locker.Acquire(ctx, path)
	if err != nil {
		s.logger.Error("failed to lock document for load", "path", path, "error", err)
		return Result{Status: StatusLockFailed, Err: err}
	}
	defer s.release(g, path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("document not found, using default", "path", path)
		return Result{Status: StatusMissing}
	}
	if err != nil {
		s.logger.Error("failed to read document", "path", path, "error", err)
		return Result{Status: StatusIOError, Err: fmt.Errorf("reading document: %w", err)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		s.logger.Warn("document is empty, using default", "path", path)
		return Result{Status: StatusEmpty}
	}

	parseErr := decode(data, o.validate)
	if parseErr == nil {
		return Result{Status: StatusOK}
	}

	s.logger.Error("document is corrupt", "path", path, "error", parseErr)
	return s.recoverFromBackup(path, decode, o.validate, parseErr)
}

// recoverFromBackup restores path from its .backup sibling. Called with the
// path lock held.
func (s *Store) recoverFromBackup(path string, decode decodeFunc, validate bool, parseErr error) Result {
	corrupt := Result{Status: StatusCorrupt, Err: fmt.Errorf("parsing document: %w", parseErr)}
	backupPath := path + BackupSuffix

	data, err := os.ReadFile(backupPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Error("no backup available, using default", "path", path)
		} else {
			s.logger.Error("failed to read backup, using default", "path", backupPath, "error", err)
		}
		return corrupt
	}
	if err := decode(data, validate); err != nil {
		s.logger.Error("backup is also corrupt, using default", "path", backupPath, "error", err)
		return corrupt
	}

	if err := writeFileAtomic(path, data, s.perm, s.rename); err != nil {
		// The backup content is still returned; the next save replaces the corrupt file.
		s.logger.Error("failed to write recovered document", "path", path, "error", err)
	} else {
		s.logger.Info("document recovered from backup", "path", path, "backup", backupPath)
	}
	return Result{Status: StatusRecovered, Err: corrupt.Err}
}

// Save writes data to path. Nothing on disk changes when data cannot be serialized.
func (s *Store) Save(ctx context.Context, path string, data any, opts ...SaveOption) Result {
	o := saveOptions{atomic: true}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := Encode(data)
	if err != nil {
		s.logger.Error("document is not serializable, save aborted", "path", path, "error", err)
		return Result{Status: StatusInvalid, Err: fmt.Errorf("encoding document: %w", err)}
	}

	g, err := s.locker.Acquire(ctx, path)
	if err != nil {
		s.logger.Error("failed to lock document for save", "path", path, "error", err)
		return Result{Status: StatusLockFailed, Err: err}
	}
	defer s.release(g, path)

	if o.atomic {
		err = writeFileAtomic(path, payload, s.perm, s.rename)
	} else {
		err = writeFileDirect(path, payload, s.perm)
	}
	if err != nil {
		s.logger.Error("failed to save document", "path", path, "atomic", o.atomic, "error", err)
		s.preserveOriginal(path)
		return Result{Status: StatusIOError, Err: err}
	}

	s.logger.Debug("document saved", "path", path, "bytes", len(payload))
	return Result{Status: StatusOK}
}

// preserveOriginal copies the current on-disk document to its .backup sibling
// after a failed save.
func (s *Store) preserveOriginal(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("failed to read original for safety copy", "path", path, "error", err)
		}
		return
	}
	if len(bytes.TrimSpace(data)) == 0 || !json.Valid(data) {
		// Never let a half-written original replace a good backup.
		return
	}
	backupPath := path + BackupSuffix
	if err := WriteFileAtomic(backupPath, data, s.perm); err != nil {
		s.logger.Error("failed to write safety copy", "path", backupPath, "error", err)
		return
	}
	s.logger.Warn("original document preserved", "path", backupPath)
}

func (s *Store) release(g filelock.Guard, path string) {
	if err := g.Release(); err != nil {
		s.logger.Warn("failed to release document lock", "path", path, "error", err)
	}
}

// roundTrip re-serializes v and decodes it into fresh.
func roundTrip(v any, fresh any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("re-encoding document: %w", err)
	}
	if err := json.Unmarshal(data, fresh); err != nil {
		return fmt.Errorf("re-decoding document: %w", err)
	}
	return nil
}
