// ABOUTME: Tests for command parsing, permissions and command replies
// ABOUTME: Every service dependency is replaced by an in-memory fake

package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cyberintel/internal/audit"
	"github.com/2389/cyberintel/internal/backup"
	"github.com/2389/cyberintel/internal/cve"
	"github.com/2389/cyberintel/internal/feeds"
	"github.com/2389/cyberintel/internal/rooms"
	"github.com/2389/cyberintel/internal/state"
	"github.com/2389/cyberintel/internal/threatintel"
)

const (
	owner    = "@owner:example.org"
	admin    = "@admin:example.org"
	stranger = "@stranger:example.org"
	roomID   = "!room:example.org"
)

type fakeAuditor struct {
	mu          sync.Mutex
	entries     []audit.Entry
	blacklisted map[string]bool
}

func (f *fakeAuditor) Append(ctx context.Context, e *audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAuditor) IsBlacklisted(ctx context.Context, actor string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklisted[actor], nil
}

func (f *fakeAuditor) actions() []audit.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audit.Action, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeCVE struct {
	details map[string]*cve.Details
	err     error
}

func (f *fakeCVE) Lookup(ctx context.Context, id string) (*cve.Details, error) {
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.details[id]
	if !ok {
		return nil, cve.ErrNotFound
	}
	return d, nil
}

type fakeFeeds struct {
	items    []feeds.Item
	result   feeds.ScanResult
	triggers []string
	bypass   []bool
}

func (f *fakeFeeds) Latest(ctx context.Context, n int) ([]feeds.Item, error) {
	if len(f.items) > n {
		return f.items[:n], nil
	}
	return f.items, nil
}

func (f *fakeFeeds) Scan(ctx context.Context, trigger string, bypass bool) (feeds.ScanResult, error) {
	f.triggers = append(f.triggers, trigger)
	f.bypass = append(f.bypass, bypass)
	res := f.result
	res.Trigger = trigger
	return res, nil
}

type fakeRooms struct {
	rooms map[string]rooms.Room
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: map[string]rooms.Room{}}
}

func (f *fakeRooms) Get(ctx context.Context, id string) (rooms.Room, bool) {
	r, ok := f.rooms[id]
	return r, ok
}

func (f *fakeRooms) SetChannel(ctx context.Context, id, channel string) (rooms.Room, error) {
	r := f.rooms[id]
	r.ChannelID = channel
	if r.Language == "" {
		r.Language = "en"
	}
	f.rooms[id] = r
	return r, nil
}

func (f *fakeRooms) Targets(ctx context.Context) []rooms.Target {
	var out []rooms.Target
	for id, r := range f.rooms {
		if r.ChannelID != "" {
			out = append(out, rooms.Target{RoomID: id, Room: r})
		}
	}
	return out
}

type fakeIntel struct {
	scanErr   error
	submitErr error
	pulses    []threatintel.Pulse
}

func (f *fakeIntel) Status() []threatintel.ProviderStatus {
	return []threatintel.ProviderStatus{
		{Name: threatintel.ProviderURLScan, Configured: true},
		{Name: threatintel.ProviderOTX, Configured: false},
	}
}

func (f *fakeIntel) ScanURL(ctx context.Context, target string) (*threatintel.Submission, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return &threatintel.Submission{UUID: "abc", Result: "https://urlscan.io/result/abc/"}, nil
}

func (f *fakeIntel) SubmitURL(ctx context.Context, target string) (*threatintel.Analysis, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &threatintel.Analysis{ID: "u-123", Type: "analysis"}, nil
}

func (f *fakeIntel) Pulses(ctx context.Context, limit int) ([]threatintel.Pulse, error) {
	return f.pulses, nil
}

type fakeBackups struct {
	infos    []backup.Info
	restored []string
	cleaned  int
}

func (f *fakeBackups) AutoBackupCritical() int { return 4 }

func (f *fakeBackups) ListAll() ([]backup.Info, error) { return f.infos, nil }

func (f *fakeBackups) Restore(ctx context.Context, path, name string) backup.Result {
	f.restored = append(f.restored, path+"<-"+name)
	return backup.Result{OK: true}
}

func (f *fakeBackups) Cleanup(path string) int { return f.cleaned }

type fakeState struct {
	forced    bool
	exclusive int
}

func (f *fakeState) Path() string { return "/data/state.json" }

func (f *fakeState) Exclusive(fn func()) {
	f.exclusive++
	fn()
}

func (f *fakeState) CheckAndCleanup(ctx context.Context, force bool) (state.Document, state.Report, bool) {
	f.forced = force
	return state.NewDocument(), state.Report{
		Reason: "forced",
		Before: state.Counts{Dedup: 1200, HTTPCache: 40, HTMLHashes: 3},
		After:  state.Counts{Dedup: 1000, HTTPCache: 40, HTMLHashes: 3},
	}, true
}

type fakePaths struct{}

func (fakePaths) Resolve(name string) string { return "/data/" + name }

type fakeDashboard struct{ healthy bool }

func (f fakeDashboard) Health(ctx context.Context) bool { return f.healthy }
func (f fakeDashboard) DashboardURL() string { return "http://localhost:1880/ui" }

type fixture struct {
	h       *Handler
	audit   *fakeAuditor
	feeds   *fakeFeeds
	rooms   *fakeRooms
	backups *fakeBackups
	state   *fakeState
}

func newFixture(t *testing.T, mutate ...func(*HandlerOptions)) *fixture {
	t.Helper()
	f := &fixture{
		audit:   &fakeAuditor{blacklisted: map[string]bool{}},
		feeds:   &fakeFeeds{},
		rooms:   newFakeRooms(),
		backups: &fakeBackups{},
		state:   &fakeState{},
	}
	opts := HandlerOptions{
		OwnerID: owner,
		Admins:  []string{admin},
		CVE: &fakeCVE{details: map[string]*cve.Details{
			"CVE-2021-44228": {
				ID:                 "CVE-2021-44228",
				CVSS:               "10.0",
				Summary:            "Log4Shell remote code execution",
				Published:          "2021-12-10",
				References:         []string{"https://logging.apache.org/log4j/2.x/security.html"},
				VulnerableProducts: []string{"cpe:2.3:a:apache:log4j:2.0"},
			},
		}},
		Feeds:     f.feeds,
		Dashboard: fakeDashboard{healthy: true},
		Rooms:     f.rooms,
		Intel:     &fakeIntel{},
		Backups:   f.backups,
		State:     f.state,
		Audit:     f.audit,
		Paths:     fakePaths{},
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.h = NewHandler(opts)
	return f
}

func (f *fixture) run(t *testing.T, sender, body string) string {
	t.Helper()
	reply, ok := f.h.Handle(context.Background(), Request{RoomID: roomID, Sender: sender, Body: body})
	require.True(t, ok, "expected %q to be handled as a command", body)
	return reply
}

func TestParse(t *testing.T) {
	h := NewHandler(HandlerOptions{})

	name, args, ok := h.Parse("  !CVE cve-2021-44228 extra ")
	require.True(t, ok)
	assert.Equal(t, "cve", name)
	assert.Equal(t, []string{"cve-2021-44228", "extra"}, args)

	_, _, ok = h.Parse("hello there")
	assert.False(t, ok)
	_, _, ok = h.Parse("!")
	assert.False(t, ok)
}

func TestParseCustomPrefix(t *testing.T) {
	h := NewHandler(HandlerOptions{Prefix: "/"})

	name, _, ok := h.Parse("/news")
	require.True(t, ok)
	assert.Equal(t, "news", name)

	_, _, ok = h.Parse("!news")
	assert.False(t, ok)
}

func TestHandleIgnoresNonCommands(t *testing.T) {
	f := newFixture(t)
	_, ok := f.h.Handle(context.Background(), Request{Sender: stranger, Body: "just chatting"})
	assert.False(t, ok)
	assert.Empty(t, f.audit.entries)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	reply := f.run(t, stranger, "!frobnicate")
	assert.Contains(t, reply, "Unknown command `frobnicate`")
	assert.Contains(t, reply, "!help")
	assert.Empty(t, f.audit.entries)
}

func TestCommandsAreAudited(t *testing.T) {
	f := newFixture(t)
	f.run(t, stranger, "!help")

	require.Len(t, f.audit.entries, 1)
	e := f.audit.entries[0]
	assert.Equal(t, stranger, e.Actor)
	assert.Equal(t, audit.ActionCommand, e.Action)
	assert.Equal(t, "help", e.Target)
	assert.Equal(t, roomID, e.Detail["room"])
}

func TestAdminOnlyCommands(t *testing.T) {
	for _, cmd := range []string{"!forcecheck", "!post_latest", "!set_channel", "!backup", "!restore", "!cleanup"} {
		t.Run(cmd, func(t *testing.T) {
			f := newFixture(t)
			reply := f.run(t, stranger, cmd)
			assert.Contains(t, reply, "restricted to administrators")
		})
	}
}

func TestAdminAccess(t *testing.T) {
	f := newFixture(t)
	assert.Contains(t, f.run(t, owner, "!backup"), "Backed up 4 document(s)")
	assert.Contains(t, f.run(t, admin, "!backup"), "Backed up 4 document(s)")
}

func TestBlacklistedAdminIsDenied(t *testing.T) {
	f := newFixture(t)
	f.audit.blacklisted[admin] = true
	assert.Contains(t, f.run(t, admin, "!forcecheck"), "restricted to administrators")
	assert.Empty(t, f.feeds.triggers)
}

func TestCVE(t *testing.T) {
	f := newFixture(t)

	reply := f.run(t, stranger, "!cve cve-2021-44228")
	assert.Contains(t, reply, "CVE-2021-44228")
	assert.Contains(t, reply, "10.0")
	assert.Contains(t, reply, "(critical)")
	assert.Contains(t, reply, "cpe:2.3:a:apache:log4j:2.0")

	assert.Contains(t, f.run(t, stranger, "!cve"), "Usage")
	assert.Contains(t, f.run(t, stranger, "!cve log4shell"), "❌")
	assert.Contains(t, f.run(t, stranger, "!cve CVE-2099-0001"), "No details found for `CVE-2099-0001`")
}

func TestCVEUpstreamFailure(t *testing.T) {
	f := newFixture(t, func(o *HandlerOptions) {
		o.CVE = &fakeCVE{err: errors.New("connection refused")}
	})
	assert.Contains(t, f.run(t, stranger, "!cve CVE-2021-44228"), "Could not fetch CVE information")
}

func TestUnavailableServices(t *testing.T) {
	f := newFixture(t, func(o *HandlerOptions) {
		o.CVE = nil
		o.Feeds = nil
		o.Intel = nil
	})
	assert.Contains(t, f.run(t, stranger, "!cve CVE-2021-44228"), "not available")
	assert.Contains(t, f.run(t, stranger, "!news"), "not available")
	assert.Contains(t, f.run(t, stranger, "!otx"), "not available")
	assert.Contains(t, f.run(t, stranger, "!soc_status"), "none configured")
}

func TestNews(t *testing.T) {
	f := newFixture(t)
	f.feeds.items = []feeds.Item{
		{Title: "Zero-day in *widget*", Link: "https://example.com/a", Source: "Feed A", Summary: "Patch now"},
		{Title: "Second", Link: "https://example.com/b", Source: "Feed B"},
	}

	reply := f.run(t, stranger, "!news")
	assert.Contains(t, reply, `Zero-day in \*widget\*`)
	assert.Contains(t, reply, "[Read more](https://example.com/a)")
	assert.Contains(t, reply, "Second")

	f.feeds.items = nil
	assert.Contains(t, f.run(t, stranger, "!news"), "Could not fetch news")
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	assert.Contains(t, f.run(t, stranger, "!dashboard"), "ONLINE")

	f = newFixture(t, func(o *HandlerOptions) { o.Dashboard = fakeDashboard{healthy: false} })
	assert.Contains(t, f.run(t, stranger, "!dashboard"), "OFFLINE")
}

func TestSetChannel(t *testing.T) {
	f := newFixture(t)

	reply := f.run(t, admin, "!set_channel")
	assert.Contains(t, reply, "Channel configured")
	assert.Equal(t, roomID, f.rooms.rooms[roomID].ChannelID)

	f.run(t, admin, "!set_channel !alerts:example.org")
	assert.Equal(t, "!alerts:example.org", f.rooms.rooms[roomID].ChannelID)

	assert.Contains(t, f.run(t, admin, "!set_channel not-a-room"), "Room ids look like")
	assert.Contains(t, f.audit.actions(), audit.ActionConfigChange)
}

func TestSOCStatus(t *testing.T) {
	f := newFixture(t)
	reply := f.run(t, stranger, "!soc_status")
	assert.Contains(t, reply, "Not configured")
	assert.Contains(t, reply, "✅ URLScan")
	assert.Contains(t, reply, "❌ AlienVault OTX")

	f.rooms.rooms[roomID] = rooms.Room{ChannelID: "!alerts:example.org"}
	assert.Contains(t, f.run(t, stranger, "!soc_status"), "`!alerts:example.org`")
}

func TestAdminPanel(t *testing.T) {
	f := newFixture(t)

	assert.Contains(t, f.run(t, owner, "!admin_panel"), "Welcome, Commander")
	assert.NotContains(t, f.audit.actions(), audit.ActionIntrusion)

	reply := f.run(t, stranger, "!admin_panel")
	assert.Contains(t, reply, "ACCESS DENIED")
	assert.Contains(t, reply, HoneypotQuote)
	assert.Contains(t, f.audit.actions(), audit.ActionIntrusion)
}

func TestAdminPanelWithoutOwner(t *testing.T) {
	f := newFixture(t, func(o *HandlerOptions) { o.OwnerID = "" })
	assert.Contains(t, f.run(t, stranger, "!admin_panel"), "not configured")
	assert.NotContains(t, f.audit.actions(), audit.ActionIntrusion)
}

func TestForceCheckAndPostLatest(t *testing.T) {
	f := newFixture(t)
	f.feeds.result = feeds.ScanResult{Found: 3, Posted: 2, Errors: 1}

	assert.Contains(t, f.run(t, owner, "!forcecheck"), "3 new, 2 posted, 1 errors")
	assert.Contains(t, f.run(t, owner, "!post_latest"), "Newest item posted")
	assert.Equal(t, []string{feeds.TriggerForceCheck, feeds.TriggerPostLatest}, f.feeds.triggers)
	assert.Equal(t, []bool{false, true}, f.feeds.bypass)

	f.feeds.result = feeds.ScanResult{}
	assert.Contains(t, f.run(t, owner, "!post_latest"), "Nothing was posted")
}

func TestScanURL(t *testing.T) {
	f := newFixture(t)
	reply := f.run(t, stranger, "!scan_url https://evil.example")
	assert.Contains(t, reply, "https://urlscan.io/result/abc/")
	assert.Contains(t, reply, "`u-123`")

	f = newFixture(t, func(o *HandlerOptions) {
		o.Intel = &fakeIntel{scanErr: threatintel.ErrRateLimited, submitErr: threatintel.ErrNotConfigured}
	})
	reply = f.run(t, stranger, "!scan_url https://evil.example")
	assert.Contains(t, reply, "URLScan: rate limited")
	assert.Contains(t, reply, "VirusTotal: not configured")
}

func TestOTX(t *testing.T) {
	f := newFixture(t, func(o *HandlerOptions) {
		o.Intel = &fakeIntel{pulses: []threatintel.Pulse{{Name: "APT42 infra", Tags: []string{"phishing"}}}}
	})
	reply := f.run(t, stranger, "!otx")
	assert.Contains(t, reply, "**APT42 infra** (phishing)")
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	assert.Contains(t, f.run(t, owner, "!restore"), "No backups yet")

	f.backups.infos = []backup.Info{{Name: "state.json_20260101_120000_auto.json.backup", Size: 2048, AgeDays: 1.5}}
	listing := f.run(t, owner, "!restore")
	assert.Contains(t, listing, "state.json_20260101_120000_auto.json.backup")
	assert.Contains(t, listing, "2.0 KB")

	reply := f.run(t, owner, "!restore ../../state.json_20260101_120000_auto.json.backup")
	assert.Contains(t, reply, "Restored `state.json`")
	assert.Equal(t, []string{"/data/state.json<-state.json_20260101_120000_auto.json.backup"}, f.backups.restored)
	assert.Contains(t, f.audit.actions(), audit.ActionRestore)
	assert.Equal(t, 1, f.state.exclusive)

	f.run(t, owner, "!restore config.json_20260101_120000_auto.json.backup")
	assert.Equal(t, "/data/config.json<-config.json_20260101_120000_auto.json.backup", f.backups.restored[1])
	assert.Equal(t, 1, f.state.exclusive)

	assert.Contains(t, f.run(t, owner, "!restore whatever.txt"), "not a backup name")
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	f.backups.cleaned = 2

	reply := f.run(t, owner, "!cleanup")
	assert.True(t, f.state.forced)
	assert.Contains(t, reply, "**Dedup:** 1200 → 1000")
	assert.Contains(t, reply, "**Old backups removed:** 2")
}

func TestHelpListsCommands(t *testing.T) {
	f := newFixture(t)
	reply := f.run(t, stranger, "!help")
	for name := range f.h.commands {
		assert.Contains(t, reply, "`!"+name)
	}
	assert.Contains(t, reply, "(admin)")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo...", truncate("héllo world", 5))
}
