// ABOUTME: Resolves logical filenames into absolute paths
// ABOUTME: Routes JSON documents into the persistent data directory

package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// DataExt is the extension that marks a file as a persistent document.
const DataExt = ".json"

// DefaultDataDir is the data directory name used when none is configured.
const DefaultDataDir = "data"

// Resolver maps logical filenames to absolute paths.
type Resolver struct {
	workDir string
	dataDir string // directory name relative to workDir
}

// New creates a Resolver rooted at workDir. An empty workDir means the
// process working directory; an empty dataDir means DefaultDataDir.
func New(workDir, dataDir string) *Resolver {
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		} else {
			workDir = "."
		}
	}
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	return &Resolver{
		workDir: filepath.Clean(workDir),
		dataDir: filepath.Clean(dataDir),
	}
}

// WorkDir returns the absolute working directory.
func (r *Resolver) WorkDir() string {
	return r.workDir
}

// DataDir returns the absolute data directory.
func (r *Resolver) DataDir() string {
	if filepath.IsAbs(r.dataDir) {
		return r.dataDir
	}
	return filepath.Join(r.workDir, r.dataDir)
}

// Resolve returns the absolute path for name. Names with the data extension
// that are not already under the data directory are redirected into it, and
// the data directory is created if needed. Directory creation failures are
// ignored here; the subsequent open reports them.
func (r *Resolver) Resolve(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}

	clean := filepath.Clean(name)
	if strings.HasSuffix(clean, DataExt) && !r.underDataDir(clean) {
		dir := r.DataDir()
		_ = os.MkdirAll(dir, 0755)
		return filepath.Join(dir, clean)
	}

	return filepath.Join(r.workDir, clean)
}

// underDataDir reports whether the relative name already starts with the
// data directory component.
func (r *Resolver) underDataDir(name string) bool {
	if filepath.IsAbs(r.dataDir) {
		return false
	}
	prefix := r.dataDir + string(filepath.Separator)
	return name == r.dataDir || strings.HasPrefix(name, prefix)
}
