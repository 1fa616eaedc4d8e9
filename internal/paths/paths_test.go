// ABOUTME: Tests for logical filename resolution
// ABOUTME: Covers data-file redirection, passthrough paths, and directory creation

package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_RedirectsJSONIntoDataDir(t *testing.T) {
	root := t.TempDir()
	r := New(root, "data")

	got := r.Resolve("state.json")

	assert.Equal(t, filepath.Join(root, "data", "state.json"), got)
	info, err := os.Stat(filepath.Join(root, "data"))
	require.NoError(t, err, "data directory should be created")
	assert.True(t, info.IsDir())
}

func TestResolve_AlreadyUnderDataDir(t *testing.T) {
	root := t.TempDir()
	r := New(root, "data")

	got := r.Resolve("data/database.json")

	assert.Equal(t, filepath.Join(root, "data", "database.json"), got)
}

func TestResolve_NonDataFileStaysInWorkDir(t *testing.T) {
	root := t.TempDir()
	r := New(root, "data")

	assert.Equal(t, filepath.Join(root, "web", "templates"), r.Resolve("web/templates"))
	assert.Equal(t, filepath.Join(root, "bot.log"), r.Resolve("bot.log"))

	_, err := os.Stat(filepath.Join(root, "data"))
	assert.True(t, os.IsNotExist(err), "data directory should not be created for non-data files")
}

func TestResolve_AbsolutePathUnchanged(t *testing.T) {
	root := t.TempDir()
	r := New(root, "data")
	abs := filepath.Join(root, "elsewhere", "x.json")

	assert.Equal(t, abs, r.Resolve(abs))
}

func TestResolve_DataDirPrefixIsNotSubstringMatch(t *testing.T) {
	root := t.TempDir()
	r := New(root, "data")

	// "database.json" starts with "data" but is not inside the data directory.
	got := r.Resolve("database.json")

	assert.Equal(t, filepath.Join(root, "data", "database.json"), got)
}

func TestResolve_Idempotent(t *testing.T) {
	root := t.TempDir()
	r := New(root, "")

	first := r.Resolve("config.json")
	second := r.Resolve("config.json")

	assert.Equal(t, first, second)
	assert.Equal(t, filepath.Join(root, DefaultDataDir), r.DataDir())
}

func TestResolve_AbsoluteDataDir(t *testing.T) {
	root := t.TempDir()
	volume := filepath.Join(t.TempDir(), "volume")
	r := New(root, volume)

	assert.Equal(t, filepath.Join(volume, "state.json"), r.Resolve("state.json"))
	assert.Equal(t, volume, r.DataDir())
}
