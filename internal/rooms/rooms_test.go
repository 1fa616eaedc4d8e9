// ABOUTME: Tests for per-room alert configuration
// ABOUTME: Uses a real jsonstore in a temp directory

package rooms

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cyberintel/internal/filelock"
	"github.com/2389/cyberintel/internal/jsonstore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store := jsonstore.New(filelock.New(filelock.Options{}), nil)
	defaults := Room{Filters: []string{"security", "cyber", "hacker", "breach"}, Language: "pt_BR"}
	return New(store, filepath.Join(t.TempDir(), "config.json"), defaults, nil)
}

func TestSetChannelCreatesWithDefaults(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	room, err := r.SetChannel(ctx, "!soc:example.org", "!alerts:example.org")
	require.NoError(t, err)
	assert.Equal(t, "!alerts:example.org", room.ChannelID)
	assert.Equal(t, []string{"security", "cyber", "hacker", "breach"}, room.Filters)
	assert.Equal(t, "pt_BR", room.Language)

	got, ok := r.Get(ctx, "!soc:example.org")
	require.True(t, ok)
	assert.Equal(t, room, got)
}

func TestSetChannelPreservesFilters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.SetFilters(ctx, "!soc:example.org", []string{" ransomware ", "", "zero-day"})
	require.NoError(t, err)
	room, err := r.SetChannel(ctx, "!soc:example.org", "!soc:example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"ransomware", "zero-day"}, room.Filters)
}

func TestSetChannelRequiresRoom(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.SetChannel(context.Background(), "", "x")
	assert.Error(t, err)
}

func TestTargetsSkipsUnconfigured(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.SetFilters(ctx, "!quiet:example.org", []string{"cve"})
	require.NoError(t, err)
	_, err = r.SetChannel(ctx, "!b:example.org", "!b:example.org")
	require.NoError(t, err)
	_, err = r.SetChannel(ctx, "!a:example.org", "!a:example.org")
	require.NoError(t, err)

	targets := r.Targets(ctx)
	require.Len(t, targets, 2)
	assert.Equal(t, "!a:example.org", targets[0].RoomID)
	assert.Equal(t, "!b:example.org", targets[1].RoomID)
}

func TestMatches(t *testing.T) {
	room := Room{Filters: []string{"Ransomware", "breach"}}
	assert.True(t, room.Matches("New ransomware strain hits hospitals"))
	assert.True(t, room.Matches("Data BREACH at retailer"))
	assert.False(t, room.Matches("Quarterly earnings report"))
	assert.True(t, Room{}.Matches("anything"))
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

func TestUpdateKeepsConfigWhenLoadFails(t *testing.T) {
	locker := &flakyLocker{next: filelock.New(filelock.Options{})}
	r := New(jsonstore.New(locker, nil), filepath.Join(t.TempDir(), "config.json"), Room{}, nil)
	ctx := context.Background()

	_, err := r.SetChannel(ctx, "!a:example.org", "!alerts:example.org")
	require.NoError(t, err)

	locker.fail.Store(1)
	_, err = r.SetChannel(ctx, "!b:example.org", "!other:example.org")
	require.ErrorIs(t, err, filelock.ErrLockTimeout)

	all := r.All(ctx)
	assert.Len(t, all, 1)
	assert.Equal(t, "!alerts:example.org", all["!a:example.org"].ChannelID)
}
