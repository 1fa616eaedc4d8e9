// ABOUTME: Interfaces the command handler depends on
// ABOUTME: Each is satisfied by a concrete service package and faked in tests

package bot

import (
	"context"

	"github.com/2389/cyberintel/internal/audit"
	"github.com/2389/cyberintel/internal/backup"
	"github.com/2389/cyberintel/internal/cve"
	"github.com/2389/cyberintel/internal/feeds"
	"github.com/2389/cyberintel/internal/rooms"
	"github.com/2389/cyberintel/internal/state"
	"github.com/2389/cyberintel/internal/threatintel"
)

// CVELookup is satisfied by *cve.Client.
type CVELookup interface {
	Lookup(ctx context.Context, id string) (*cve.Details, error)
}

// Feeds is satisfied by *feeds.Poller.
type Feeds interface {
	Latest(ctx context.Context, n int) ([]feeds.Item, error)
	Scan(ctx context.Context, trigger string, bypass bool) (feeds.ScanResult, error)
}

// Dashboard is satisfied by *nodered.Client.
type Dashboard interface {
	Health(ctx context.Context) bool
	DashboardURL() string
}

// NewsStats is satisfied by *newsdb.DB.
type NewsStats interface {
	Stats(ctx context.Context) (int, string)
}

// RoomConfig is satisfied by *rooms.Registry.
type RoomConfig interface {
	Get(ctx context.Context, roomID string) (rooms.Room, bool)
	SetChannel(ctx context.Context, roomID, channelID string) (rooms.Room, error)
	Targets(ctx context.Context) []rooms.Target
}

// ThreatIntel is satisfied by *threatintel.Client.
type ThreatIntel interface {
	Status() []threatintel.ProviderStatus
	ScanURL(ctx context.Context, target string) (*threatintel.Submission, error)
	SubmitURL(ctx context.Context, target string) (*threatintel.Analysis, error)
	Pulses(ctx context.Context, limit int) ([]threatintel.Pulse, error)
}

// Backups is satisfied by *backup.Manager.
type Backups interface {
	AutoBackupCritical() int
	ListAll() ([]backup.Info, error)
	Restore(ctx context.Context, path, backupPath string) backup.Result
	Cleanup(path string) int
}

// StateCleaner is satisfied by *state.Cleaner.
type StateCleaner interface {
	CheckAndCleanup(ctx context.Context, force bool) (state.Document, state.Report, bool)
	Path() string
	Exclusive(fn func())
}

// Auditor is satisfied by *audit.Log.
type Auditor interface {
	Append(ctx context.Context, e *audit.Entry) error
	IsBlacklisted(ctx context.Context, actor string) (bool, error)
}

// PathResolver is satisfied by *paths.Resolver.
type PathResolver interface {
	Resolve(name string) string
}
