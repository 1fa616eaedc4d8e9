// ABOUTME: Tests for feed scans, digests and page change detection
// ABOUTME: Runs against an httptest feed server with real state and news stores

package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cyberintel/internal/filelock"
	"github.com/2389/cyberintel/internal/jsonstore"
	"github.com/2389/cyberintel/internal/newsdb"
	"github.com/2389/cyberintel/internal/state"
	"github.com/2389/cyberintel/internal/stats"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Test</title>
<item><title>Old breach</title><link>https://news.example/1</link><guid>item-1</guid>
<pubDate>Mon, 10 Mar 2025 10:00:00 GMT</pubDate><description>&lt;p&gt;old &lt;b&gt;story&lt;/b&gt;&lt;/p&gt;</description></item>
<item><title>New hacker group</title><link>https://news.example/2</link><guid>item-2</guid>
<pubDate>Mon, 10 Mar 2025 11:00:00 GMT</pubDate><description>fresh</description></item>
</channel></rss>`

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recorder) Notify(_ context.Context, a Alert) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return 1, nil
}

func (r *recorder) take() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.alerts
	r.alerts = nil
	return out
}

type fixture struct {
	srv     *httptest.Server
	page    *string
	poller  *Poller
	rec     *recorder
	cleaner *state.Cleaner
	news    *newsdb.DB
	stats   *stats.Stats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	page := "<html>v1</html>"
	f := &fixture{page: &page, rec: &recorder{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"feed-v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"feed-v1"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = fmt.Fprint(w, testFeed)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, *f.page)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	dir := t.TempDir()
	store := jsonstore.New(filelock.New(filelock.Options{}), nil)
	f.cleaner = state.NewCleaner(state.Options{
		Store:  store,
		Path:   filepath.Join(dir, "state.json"),
		Limits: state.DefaultLimits(),
	})
	f.news = newsdb.New(newsdb.Options{
		Store:       store,
		DBPath:      filepath.Join(dir, "database.json"),
		HistoryPath: filepath.Join(dir, "history.json"),
	})
	f.stats = stats.New(nil, nil)
	f.poller = NewPoller(Options{
		Feeds:         []Source{{Name: "test", URL: f.srv.URL + "/feed"}},
		Pages:         []Source{{Name: "advisories", URL: f.srv.URL + "/page"}},
		Digest:        []Source{{Name: "test", URL: f.srv.URL + "/feed"}},
		DigestPerFeed: 1,
		State:         f.cleaner,
		News:          f.news,
		Stats:         f.stats,
		Notifier:      f.rec,
	})
	return f
}

func TestScanPostsNewItemsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.poller.Scan(ctx, TriggerScheduled, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 2, res.Posted)
	assert.Zero(t, res.Errors)

	alerts := f.rec.take()
	require.Len(t, alerts, 2)
	assert.Equal(t, "Old breach", alerts[0].Title)
	assert.Equal(t, "old story", alerts[0].Summary)
	assert.Equal(t, "New hacker group", alerts[1].Title)
	assert.Equal(t, KindNews, alerts[1].Kind)

	doc, _ := f.cleaner.Load(ctx)
	assert.Equal(t, []string{"item-2", "item-1"}, doc.SeenItems("test"))
	meta, ok := doc.CacheEntry(f.srv.URL + "/feed")
	require.True(t, ok)
	assert.Equal(t, `"feed-v1"`, meta.ETag)

	total, _ := f.news.Stats(ctx)
	assert.Equal(t, 2, total)

	res, err = f.poller.Scan(ctx, TriggerScheduled, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotModified)
	assert.Zero(t, res.Posted)
	assert.Empty(t, f.rec.take())

	snap := f.stats.Snapshot()
	assert.Equal(t, int64(2), snap.Scans)
	assert.Equal(t, int64(2), snap.NewsPosted)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Len(t, f.news.Runs(ctx, 10), 2)
}

func TestScanSkipsSeenItemsWithoutCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cleaner.Update(ctx, func(d state.Document) error {
		d.MarkSeen("test", "item-1")
		return nil
	}))

	res, err := f.poller.Scan(ctx, TriggerForceCheck, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Posted)
	alerts := f.rec.take()
	require.Len(t, alerts, 1)
	assert.Equal(t, "item-2", alerts[0].ID)
	assert.Equal(t, TriggerForceCheck, alerts[0].Trigger)
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

func TestScanAbortsWhenStateUnreadable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cleaner.Update(ctx, func(d state.Document) error {
		d.MarkSeen("test", "item-1")
		return nil
	}))

	locker := &flakyLocker{next: filelock.New(filelock.Options{})}
	opts := f.poller.opts
	opts.State = state.NewCleaner(state.Options{
		Store:  jsonstore.New(locker, nil),
		Path:   f.cleaner.Path(),
		Limits: state.DefaultLimits(),
	})
	p := NewPoller(opts)

	locker.fail.Store(1)
	_, err := p.Scan(ctx, TriggerScheduled, false)
	require.ErrorIs(t, err, filelock.ErrLockTimeout)
	assert.Empty(t, f.rec.take())

	doc, _ := f.cleaner.Load(ctx)
	assert.Equal(t, []string{"item-1"}, doc.SeenItems("test"))

	res, err := p.Scan(ctx, TriggerScheduled, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Posted)
}

func TestScanBypassPostsNewestOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.poller.Scan(ctx, TriggerScheduled, false)
	require.NoError(t, err)
	f.rec.take()

	res, err := f.poller.Scan(ctx, TriggerPostLatest, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Posted)
	alerts := f.rec.take()
	require.Len(t, alerts, 1)
	assert.Equal(t, "New hacker group", alerts[0].Title)
}

func TestScanDetectsPageChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.poller.Scan(ctx, TriggerScheduled, false)
	require.NoError(t, err)
	assert.Zero(t, res.PagesChanged)
	doc, _ := f.cleaner.Load(ctx)
	assert.Equal(t, HashBody([]byte("<html>v1</html>")), doc.PageHash(f.srv.URL+"/page"))
	f.rec.take()

	*f.page = "<html>v2</html>"
	res, err = f.poller.Scan(ctx, TriggerScheduled, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PagesChanged)

	alerts := f.rec.take()
	require.Len(t, alerts, 1)
	assert.Equal(t, KindPageChange, alerts[0].Kind)
	assert.Equal(t, "advisories changed", alerts[0].Title)

	doc, _ = f.cleaner.Load(ctx)
	assert.Equal(t, HashBody([]byte("<html>v2</html>")), doc.PageHash(f.srv.URL+"/page"))
}

func TestScanCountsFetchErrors(t *testing.T) {
	f := newFixture(t)
	f.poller.opts.Feeds = append(f.poller.opts.Feeds, Source{Name: "broken", URL: f.srv.URL + "/missing"})

	res, err := f.poller.Scan(context.Background(), TriggerScheduled, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 2, res.Posted)
}

func TestLatestDigest(t *testing.T) {
	f := newFixture(t)

	items, err := f.poller.Latest(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "New hacker group", items[0].Title)
	assert.Equal(t, time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC), items[0].Published.UTC())

	f.poller.opts.Digest = []Source{{Name: "broken", URL: f.srv.URL + "/missing"}}
	_, err = f.poller.Latest(context.Background(), 5)
	assert.Error(t, err)
}

func TestFanoutSumsAndJoinsErrors(t *testing.T) {
	ok := NotifierFunc(func(context.Context, Alert) (int, error) { return 2, nil })
	bad := NotifierFunc(func(context.Context, Alert) (int, error) { return 0, fmt.Errorf("down") })

	n, err := Fanout{ok, nil, bad, ok}.Notify(context.Background(), Alert{})
	assert.Equal(t, 4, n)
	assert.ErrorContains(t, err, "down")
}
