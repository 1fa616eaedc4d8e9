// ABOUTME: Tests for the news database and scan history documents
// ABOUTME: Covers dedup on record, size bounds and newest-first reads

package newsdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cyberintel/internal/filelock"
	"github.com/2389/cyberintel/internal/jsonstore"
)

func newTestDB(t *testing.T, maxNews, maxRuns int) *DB {
	t.Helper()
	dir := t.TempDir()
	return New(Options{
		Store:       jsonstore.New(filelock.New(filelock.Options{}), nil),
		DBPath:      filepath.Join(dir, "database.json"),
		HistoryPath: filepath.Join(dir, "history.json"),
		MaxNews:     maxNews,
		MaxRuns:     maxRuns,
		Now:         func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
	})
}

func TestStatsEmpty(t *testing.T) {
	db := newTestDB(t, 0, 0)
	total, last := db.Stats(context.Background())
	assert.Equal(t, 0, total)
	assert.Empty(t, last)
}

func TestRecordSkipsDuplicates(t *testing.T) {
	db := newTestDB(t, 0, 0)
	ctx := context.Background()

	added, err := db.Record(ctx, []Entry{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = db.Record(ctx, []Entry{{ID: "b"}, {ID: "c", Title: "C"}, {ID: ""}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	total, last := db.Stats(ctx)
	assert.Equal(t, 3, total)
	assert.Equal(t, "2025-03-10T12:00:00Z", last)

	recent := db.Recent(ctx, 2)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "2025-03-10T12:00:00Z", recent[0].PostedAt)
}

func TestRecordKeepsNewest(t *testing.T) {
	db := newTestDB(t, 5, 0)
	ctx := context.Background()

	var entries []Entry
	for i := 0; i < 8; i++ {
		entries = append(entries, Entry{ID: fmt.Sprintf("n%d", i)})
	}
	_, err := db.Record(ctx, entries)
	require.NoError(t, err)

	total, _ := db.Stats(ctx)
	assert.Equal(t, 5, total)
	assert.Equal(t, "n7", db.Recent(ctx, 1)[0].ID)
}

func TestRunsBounded(t *testing.T) {
	db := newTestDB(t, 0, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordRun(ctx, Run{Trigger: fmt.Sprintf("t%d", i)}))
	}
	runs := db.Runs(ctx, 10)
	require.Len(t, runs, 3)
	assert.Equal(t, "t4", runs[0].Trigger)
	assert.Equal(t, "t2", runs[2].Trigger)
}

type flakyLocker struct {
	next filelock.Locker
	fail atomic.Int32
}

func (l *flakyLocker) Acquire(ctx context.Context, path string) (filelock.Guard, error) {
	if l.fail.Load() > 0 {
		l.fail.Add(-1)
		return nil, filelock.ErrLockTimeout
	}
	return l.next.Acquire(ctx, path)
}

func TestWritesSkippedWhenLoadFails(t *testing.T) {
	locker := &flakyLocker{next: filelock.New(filelock.Options{})}
	dir := t.TempDir()
	db := New(Options{
		Store:       jsonstore.New(locker, nil),
		DBPath:      filepath.Join(dir, "database.json"),
		HistoryPath: filepath.Join(dir, "history.json"),
	})
	ctx := context.Background()

	_, err := db.Record(ctx, []Entry{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	require.NoError(t, db.RecordRun(ctx, Run{Trigger: "scheduled"}))

	locker.fail.Store(1)
	_, err = db.Record(ctx, []Entry{{ID: "c"}})
	require.ErrorIs(t, err, filelock.ErrLockTimeout)

	locker.fail.Store(1)
	err = db.RecordRun(ctx, Run{Trigger: "manual"})
	require.ErrorIs(t, err, filelock.ErrLockTimeout)

	total, _ := db.Stats(ctx)
	assert.Equal(t, 2, total)
	runs := db.Runs(ctx, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, "scheduled", runs[0].Trigger)
}
