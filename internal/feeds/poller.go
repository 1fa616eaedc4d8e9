// ABOUTME: Feed and page scanning: fetch, parse, deduplicate, notify, record
// ABOUTME: All state.json changes go through the state cleaner's locked update

package feeds

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/2389/cyberintel/internal/newsdb"
	"github.com/2389/cyberintel/internal/state"
	"github.com/2389/cyberintel/internal/stats"
)

// Scan triggers recorded in history.json.
const (
	TriggerScheduled  = "scheduled"
	TriggerForceCheck = "forcecheck"
	TriggerPostLatest = "post_latest"
	TriggerStartup    = "startup"
)

const (
	defaultMaxPerFeed  = 5
	defaultConcurrency = 4
	summaryLength      = 200
)

// Source is one feed or monitored page.
type Source struct {
	Name string
	URL  string
}

// Item is a parsed feed entry.
type Item struct {
	ID        string
	Source    string
	Title     string
	Link      string
	Summary   string
	Published time.Time
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Trigger      string
	Found        int
	Posted       int
	NotModified  int
	PagesChanged int
	Errors       int
	Duration     time.Duration
}

// Options configures a Poller.
type Options struct {
	Feeds  []Source
	Pages  []Source
	Digest []Source
	// DigestPerFeed is how many items each digest feed contributes.
	DigestPerFeed int
	// MaxPerFeed bounds the alerts sent per feed in one scan.
	MaxPerFeed  int
	Concurrency int

	Fetcher  *Fetcher
	State    *state.Cleaner
	News     *newsdb.DB
	Stats    *stats.Stats
	Notifier Notifier
	Now      func() time.Time
	Logger   *slog.Logger
}

// Poller runs feed scans. Scans never run concurrently with each other.
type Poller struct {
	opts   Options
	logger *slog.Logger

	scanMu sync.Mutex
}

// NewPoller creates a Poller.
func NewPoller(opts Options) *Poller {
	if opts.DigestPerFeed <= 0 {
		opts.DigestPerFeed = 3
	}
	if opts.MaxPerFeed <= 0 {
		opts.MaxPerFeed = defaultMaxPerFeed
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewFetcher(FetcherOptions{})
	}
	if opts.Notifier == nil {
		opts.Notifier = Fanout(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{opts: opts, logger: logger.With("component", "feeds")}
}

type fetched struct {
	src   Source
	resp  *Response
	items []Item
	err   error
}

// Scan fetches every feed and page once. With bypass set, conditional
// headers and the dedup section are ignored and only the single newest item
// across all feeds is posted.
func (p *Poller) Scan(ctx context.Context, trigger string, bypass bool) (ScanResult, error) {
	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	started := p.opts.Now()
	res := ScanResult{Trigger: trigger}
	p.logger.Info("scan started", "trigger", trigger, "bypass", bypass, "feeds", len(p.opts.Feeds))

	doc, loadRes := p.opts.State.Load(ctx)
	if !loadRes.Writable() {
		p.logger.Error("scan aborted, state unreadable", "status", loadRes.Status.String(), "error", loadRes.Err)
		return res, fmt.Errorf("loading state: %w", loadRes.Err)
	}
	results := p.fetchAll(ctx, p.opts.Feeds, doc, bypass, true)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var (
		alerts   []Alert
		entries  []newsdb.Entry
		seen     = make(map[string][]string)
		cacheSet = make(map[string]state.CacheMeta)
	)
	for _, r := range results {
		if r.err != nil {
			res.Errors++
			p.logger.Warn("feed fetch failed", "feed", r.src.Name, "url", r.src.URL, "error", r.err)
			continue
		}
		cacheSet[r.src.URL] = r.resp.Meta
		if r.resp.NotModified {
			res.NotModified++
			if p.opts.Stats != nil {
				p.opts.Stats.CacheHit(r.src.Name)
			}
			continue
		}

		var fresh []Item
		for _, item := range r.items {
			if !bypass && doc.HasSeen(r.src.Name, item.ID) {
				continue
			}
			fresh = append(fresh, item)
			seen[r.src.Name] = append(seen[r.src.Name], item.ID)
		}
		res.Found += len(fresh)
		if !bypass && len(fresh) > p.opts.MaxPerFeed {
			fresh = fresh[:p.opts.MaxPerFeed]
		}
		for _, item := range fresh {
			alerts = append(alerts, p.alertFor(item, trigger))
		}
	}

	if bypass {
		alerts = newestOnly(alerts)
	}

	// Oldest first so rooms read alerts in publication order.
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Published.Before(alerts[j].Published) })
	for _, a := range alerts {
		delivered, err := p.opts.Notifier.Notify(ctx, a)
		if err != nil {
			res.Errors++
			p.logger.Warn("alert delivery failed", "source", a.Source, "title", a.Title, "error", err)
		}
		if delivered > 0 {
			res.Posted++
			entries = append(entries, newsdb.Entry{
				ID:        a.ID,
				Title:     a.Title,
				Link:      a.Link,
				Source:    a.Source,
				Published: formatPublished(a.Published),
			})
		}
	}

	hashes := make(map[string]string)
	changed, pageErrs := p.checkPages(ctx, doc, trigger, cacheSet, hashes)
	res.PagesChanged = changed
	res.Errors += pageErrs

	perFeed := p.opts.State.Limits().PerFeed
	err := p.opts.State.Update(ctx, func(d state.Document) error {
		for feed, ids := range seen {
			d.MarkSeen(feed, ids...)
			d.TrimSeen(feed, perFeed)
		}
		for key, meta := range cacheSet {
			d.SetCacheEntry(key, meta)
		}
		for page, hash := range hashes {
			d.SetPageHash(page, hash)
		}
		return nil
	})
	if err != nil {
		res.Errors++
		p.logger.Error("saving scan state failed", "error", err)
	}

	p.record(ctx, &res, entries, started)
	return res, nil
}

func (p *Poller) record(ctx context.Context, res *ScanResult, entries []newsdb.Entry, started time.Time) {
	res.Duration = p.opts.Now().Sub(started)

	if p.opts.News != nil {
		if _, err := p.opts.News.Record(ctx, entries); err != nil {
			p.logger.Error("recording news failed", "error", err)
		}
		run := newsdb.Run{
			Trigger:    res.Trigger,
			StartedAt:  started.UTC().Format(time.RFC3339),
			DurationMS: res.Duration.Milliseconds(),
			Found:      res.Found,
			Posted:     res.Posted,
			Errors:     res.Errors,
		}
		if err := p.opts.News.RecordRun(ctx, run); err != nil {
			p.logger.Error("recording scan history failed", "error", err)
		}
	}
	if p.opts.Stats != nil {
		p.opts.Stats.ScanCompleted(res.Trigger, res.Duration)
		p.opts.Stats.NewsPosted(res.Posted)
	}

	p.logger.Info("scan finished",
		"trigger", res.Trigger,
		"found", res.Found,
		"posted", res.Posted,
		"not_modified", res.NotModified,
		"pages_changed", res.PagesChanged,
		"errors", res.Errors,
		"duration", res.Duration,
	)
}

// checkPages compares page bodies with their stored hash, collecting new
// hashes and cache metadata. The first sighting of a page only records its
// hash.
func (p *Poller) checkPages(ctx context.Context, doc state.Document, trigger string, cacheSet map[string]state.CacheMeta, hashes map[string]string) (int, int) {
	if len(p.opts.Pages) == 0 {
		return 0, 0
	}
	changed, errs := 0, 0
	for _, r := range p.fetchAll(ctx, p.opts.Pages, doc, false, false) {
		if r.err != nil {
			errs++
			p.logger.Warn("page fetch failed", "page", r.src.Name, "url", r.src.URL, "error", r.err)
			continue
		}
		cacheSet[r.src.URL] = r.resp.Meta
		if r.resp.NotModified {
			continue
		}
		prev := doc.PageHash(r.src.URL)
		hash := r.resp.Meta.Hash
		if prev == hash {
			continue
		}
		hashes[r.src.URL] = hash
		if prev == "" {
			p.logger.Info("page baseline recorded", "page", r.src.Name)
			continue
		}
		changed++
		a := Alert{
			Kind:    KindPageChange,
			Source:  r.src.Name,
			Title:   fmt.Sprintf("%s changed", r.src.Name),
			Link:    SafeURL(r.src.URL),
			Trigger: trigger,
		}
		if _, err := p.opts.Notifier.Notify(ctx, a); err != nil {
			errs++
			p.logger.Warn("page change delivery failed", "page", r.src.Name, "error", err)
		}
	}
	return changed, errs
}

// Latest returns up to n of the newest items of the digest feeds, at most
// DigestPerFeed per feed. It does not touch state.
func (p *Poller) Latest(ctx context.Context, n int) ([]Item, error) {
	results := p.fetchAll(ctx, p.opts.Digest, nil, true, true)

	var (
		items  []Item
		failed int
	)
	for _, r := range results {
		if r.err != nil {
			failed++
			p.logger.Warn("digest fetch failed", "feed", r.src.Name, "error", r.err)
			continue
		}
		take := r.items
		if len(take) > p.opts.DigestPerFeed {
			take = take[:p.opts.DigestPerFeed]
		}
		items = append(items, take...)
	}
	if len(items) == 0 && failed > 0 {
		return nil, fmt.Errorf("all %d digest feeds failed", failed)
	}
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return items, nil
}

// fetchAll fetches sources concurrently. A nil doc or bypass sends no
// validators. Results keep the order of sources.
func (p *Poller) fetchAll(ctx context.Context, sources []Source, doc state.Document, bypass, parse bool) []fetched {
	out := make([]fetched, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i, src := range sources {
		g.Go(func() error {
			var prev state.CacheMeta
			if doc != nil && !bypass {
				prev, _ = doc.CacheEntry(src.URL)
			}
			r := fetched{src: src}
			r.resp, r.err = p.opts.Fetcher.Fetch(gctx, src.URL, prev)
			if r.err == nil && parse && !r.resp.NotModified {
				r.items, r.err = ParseFeed(src.Name, r.resp.Body)
			}
			out[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ParseFeed parses an RSS or Atom body into items, newest first.
func ParseFeed(source string, body []byte) ([]Item, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", source, err)
	}

	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		item := Item{
			Source:  source,
			Title:   CleanHTML(it.Title),
			Link:    it.Link,
			Summary: CleanHTML(it.Description),
		}
		if item.Summary == "" {
			item.Summary = CleanHTML(it.Content)
		}
		switch {
		case it.PublishedParsed != nil:
			item.Published = *it.PublishedParsed
		case it.UpdatedParsed != nil:
			item.Published = *it.UpdatedParsed
		}
		item.ID = itemID(it)
		if item.ID == "" {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Published.After(items[j].Published) })
	return items, nil
}

func itemID(it *gofeed.Item) string {
	switch {
	case it.GUID != "":
		return it.GUID
	case it.Link != "":
		return it.Link
	case it.Title != "":
		return HashBody([]byte(it.Title))
	}
	return ""
}

func (p *Poller) alertFor(item Item, trigger string) Alert {
	return Alert{
		Kind:      KindNews,
		ID:        item.ID,
		Source:    item.Source,
		Title:     item.Title,
		Link:      SafeURL(item.Link),
		Summary:   Truncate(item.Summary, summaryLength),
		Published: item.Published,
		Trigger:   trigger,
	}
}

func newestOnly(alerts []Alert) []Alert {
	if len(alerts) <= 1 {
		return alerts
	}
	newest := alerts[0]
	for _, a := range alerts[1:] {
		if a.Published.After(newest.Published) {
			newest = a
		}
	}
	return []Alert{newest}
}

func formatPublished(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
