// ABOUTME: Tests for backup naming, listing, retention cleanup and restore
// ABOUTME: A stepping clock produces distinct timestamps without sleeping

package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cyberintel/internal/filelock"
	"github.com/2389/cyberintel/internal/paths"
)

type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *paths.Resolver, *clock) {
	t.Helper()
	r := paths.New(t.TempDir(), "")
	c := &clock{t: time.Date(2025, 3, 10, 14, 30, 0, 0, time.Local)}
	m := New(Options{
		Resolver: r,
		Locker:   filelock.New(filelock.Options{}),
		Now:      c.Now,
	})
	return m, r, c
}

func writeDoc(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCreateNamesAndCopies(t *testing.T) {
	m, r, _ := newTestManager(t)
	src := r.Resolve("state.json")
	writeDoc(t, src, `{"dedup": {}}`)

	dest, res := m.Create(src, "")
	require.True(t, res.OK)
	assert.Equal(t, filepath.Join(r.DataDir(), "backups", "state.json_20250310_143000.json.backup"), dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, `{"dedup": {}}`, string(data))

	labelled, res := m.Create(src, "pre_update")
	require.True(t, res.OK)
	assert.True(t, strings.HasSuffix(labelled, "state.json_20250310_143000_pre_update.json.backup"))
}

func TestCreateSameSecondDoesNotOverwrite(t *testing.T) {
	m, r, _ := newTestManager(t)
	src := r.Resolve("state.json")
	writeDoc(t, src, "1")

	first, res := m.Create(src, LabelAuto)
	require.True(t, res.OK)
	writeDoc(t, src, "2")
	second, res := m.Create(src, LabelAuto)
	require.True(t, res.OK)

	assert.NotEqual(t, first, second)
	assert.True(t, HasLabel(second, LabelAuto))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestCreateMissingSource(t *testing.T) {
	m, r, _ := newTestManager(t)
	dest, res := m.Create(r.Resolve("nope.json"), "")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrSourceMissing)
	assert.Empty(t, dest)
}

func TestListNewestFirstAndScopedToSource(t *testing.T) {
	m, r, c := newTestManager(t)
	state := r.Resolve("state.json")
	cfg := r.Resolve("config.json")
	writeDoc(t, state, "{}")
	writeDoc(t, cfg, "{}")

	var created []string
	for i := 0; i < 3; i++ {
		dest, res := m.Create(state, "")
		require.True(t, res.OK)
		created = append(created, dest)
		c.Advance(time.Hour)
	}
	_, res := m.Create(cfg, "")
	require.True(t, res.OK)

	list, err := m.List(state)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, created[2], list[0].Path)
	assert.Equal(t, created[0], list[2].Path)
	assert.Equal(t, "state.json", list[0].Source)
	assert.InDelta(t, 3.0/24, list[2].AgeDays, 0.001)
	assert.Equal(t, int64(2), list[0].Size)
}

func TestCleanupKeepsNewestThirty(t *testing.T) {
	m, r, c := newTestManager(t)
	src := r.Resolve("state.json")
	writeDoc(t, src, "{}")

	var created []string
	for i := 0; i < 35; i++ {
		dest, res := m.Create(src, "")
		require.True(t, res.OK)
		created = append(created, dest)
		c.Advance(time.Minute)
	}

	removed := m.Cleanup(src)
	assert.Equal(t, 5, removed)

	list, err := m.List(src)
	require.NoError(t, err)
	require.Len(t, list, 30)
	for i, info := range list {
		assert.Equal(t, created[34-i], info.Path)
	}
	for _, old := range created[:5] {
		assert.NoFileExists(t, old)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	m, r, _ := newTestManager(t)
	src := r.Resolve("history.json")
	writeDoc(t, src, "[]")

	old, res := m.Create(src, "")
	require.True(t, res.OK)
	aged := m.now().Add(-91 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, aged, aged))

	fresh, res := m.Create(src, "fresh")
	require.True(t, res.OK)

	assert.Equal(t, 1, m.Cleanup(src))
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestCleanupAllGroupsBySource(t *testing.T) {
	m, r, c := newTestManager(t)
	m.maxPerFile = 2
	for _, name := range []string{"state.json", "config.json"} {
		src := r.Resolve(name)
		writeDoc(t, src, "{}")
		for i := 0; i < 3; i++ {
			_, res := m.Create(src, "")
			require.True(t, res.OK)
			c.Advance(time.Second)
		}
	}

	assert.Equal(t, 2, m.Cleanup(""))
	for _, name := range []string{"state.json", "config.json"} {
		list, err := m.List(r.Resolve(name))
		require.NoError(t, err)
		assert.Len(t, list, 2)
	}
}

func TestRestoreTakesPreRestoreSnapshot(t *testing.T) {
	m, r, c := newTestManager(t)
	src := r.Resolve("config.json")
	writeDoc(t, src, `{"good": true}`)

	good, res := m.Create(src, "")
	require.True(t, res.OK)
	c.Advance(time.Minute)

	writeDoc(t, src, `{"broken"`)
	res = m.Restore(context.Background(), src, good)
	require.True(t, res.OK, res.Err)

	data, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, `{"good": true}`, string(data))

	list, err := m.List(src)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, LabelPreRestore, list[0].Label)
	pre, err := os.ReadFile(list[0].Path)
	require.NoError(t, err)
	assert.Equal(t, `{"broken"`, string(pre))

	assert.NoFileExists(t, filelock.MarkerPath(src))
}

func TestRestoreDefaultsToNewest(t *testing.T) {
	m, r, c := newTestManager(t)
	src := r.Resolve("state.json")
	writeDoc(t, src, "1")
	_, res := m.Create(src, "")
	require.True(t, res.OK)
	c.Advance(time.Minute)
	writeDoc(t, src, "2")
	_, res = m.Create(src, "")
	require.True(t, res.OK)
	c.Advance(time.Minute)
	writeDoc(t, src, "3")

	require.True(t, m.Restore(context.Background(), src, "").OK)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}

func TestRestoreByBareName(t *testing.T) {
	m, r, _ := newTestManager(t)
	src := r.Resolve("state.json")
	writeDoc(t, src, "1")
	dest, res := m.Create(src, "")
	require.True(t, res.OK)
	writeDoc(t, src, "2")

	require.True(t, m.Restore(context.Background(), src, filepath.Base(dest)).OK)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestRestoreFailures(t *testing.T) {
	m, r, _ := newTestManager(t)
	src := r.Resolve("state.json")
	writeDoc(t, src, "{}")

	res := m.Restore(context.Background(), src, "")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrNoBackups)

	res = m.Restore(context.Background(), src, filepath.Join(m.Dir(), "gone.json_20250101_000000.json.backup"))
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrBackupMissing)

	// Nothing was snapshotted by the failed attempts.
	list, err := m.List(src)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAutoBackupCritical(t *testing.T) {
	m, r, _ := newTestManager(t)
	writeDoc(t, r.Resolve("state.json"), "{}")
	writeDoc(t, r.Resolve("database.json"), `{"news": []}`)

	assert.Equal(t, 2, m.AutoBackupCritical())

	for _, name := range []string{"state.json", "database.json"} {
		list, err := m.List(r.Resolve(name))
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, LabelAuto, list[0].Label)
	}
	list, err := m.List(r.Resolve("config.json"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSourceOf(t *testing.T) {
	src, ok := SourceOf("/x/state.json_20250310_143000_pre_restore.json.backup")
	require.True(t, ok)
	assert.Equal(t, "state.json", src)

	_, ok = SourceOf("state.json.backup")
	assert.False(t, ok)
}
