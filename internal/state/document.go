// ABOUTME: Typed accessors over the raw state.json map
// ABOUTME: Tolerates both list and set-shaped dedup sections written by older versions

package state

import (
	"sort"
)

// Section keys of the state document.
const (
	KeyDedup       = "dedup"
	KeyHTTPCache   = "http_cache"
	KeyHTMLHashes  = "html_hashes"
	KeyLastCleanup = "last_cleanup"
)

// Document is the decoded state.json.
type Document map[string]any

// CacheMeta is the conditional-request metadata stored per cache key.
type CacheMeta struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	Hash         string `json:"hash,omitempty"`
	FetchedAt    int64  `json:"fetched_at,omitempty"`
}

// Counts holds item counts of the bounded sections.
type Counts struct {
	Dedup      int `json:"dedup"`
	HTTPCache  int `json:"http_cache"`
	HTMLHashes int `json:"html_hashes"`
}

// NewDocument returns an empty document with every section present.
func NewDocument() Document {
	return Document{
		KeyDedup:       map[string]any{},
		KeyHTTPCache:   map[string]any{},
		KeyHTMLHashes:  map[string]any{},
		KeyLastCleanup: float64(0),
	}
}

// FromValue converts a loaded JSON value to a Document, creating missing
// sections. Non-object values yield an empty document.
func FromValue(v any) Document {
	doc := Document{}
	if m, ok := v.(map[string]any); ok {
		doc = Document(m)
	}
	doc.ensure()
	return doc
}

func (d Document) ensure() {
	for _, key := range []string{KeyDedup, KeyHTTPCache, KeyHTMLHashes} {
		if _, ok := d[key].(map[string]any); !ok {
			d[key] = map[string]any{}
		}
	}
	if _, ok := d[KeyLastCleanup]; !ok {
		d[KeyLastCleanup] = float64(0)
	}
}

func (d Document) section(key string) map[string]any {
	m, ok := d[key].(map[string]any)
	if !ok {
		m = map[string]any{}
		d[key] = m
	}
	return m
}

// SeenItems returns the dedup identifiers recorded for feed, oldest first.
func (d Document) SeenItems(feed string) []string {
	switch v := d.section(KeyDedup)[feed].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case map[string]any:
		out := make([]string, 0, len(v))
		for k := range v {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	return nil
}

// HasSeen reports whether id is recorded for feed.
func (d Document) HasSeen(feed, id string) bool {
	switch v := d.section(KeyDedup)[feed].(type) {
	case []any:
		for _, item := range v {
			if item == id {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == id {
				return true
			}
		}
	case map[string]any:
		_, ok := v[id]
		return ok
	}
	return false
}

// MarkSeen appends ids not yet recorded for feed. A set-shaped entry is
// converted to a list.
func (d Document) MarkSeen(feed string, ids ...string) {
	dedup := d.section(KeyDedup)
	existing := d.SeenItems(feed)
	seen := make(map[string]struct{}, len(existing))
	list := make([]any, 0, len(existing)+len(ids))
	for _, id := range existing {
		seen[id] = struct{}{}
		list = append(list, id)
	}
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		list = append(list, id)
	}
	dedup[feed] = list
}

// TrimSeen keeps only the newest keep entries of a list-shaped feed entry.
// It reports whether anything was dropped.
func (d Document) TrimSeen(feed string, keep int) bool {
	dedup := d.section(KeyDedup)
	switch v := dedup[feed].(type) {
	case []any:
		if len(v) > keep {
			dedup[feed] = append([]any(nil), v[len(v)-keep:]...)
			return true
		}
	case []string:
		if len(v) > keep {
			trimmed := make([]any, 0, keep)
			for _, s := range v[len(v)-keep:] {
				trimmed = append(trimmed, s)
			}
			dedup[feed] = trimmed
			return true
		}
	}
	return false
}

// CacheEntry returns the cached metadata for key.
func (d Document) CacheEntry(key string) (CacheMeta, bool) {
	raw, ok := d.section(KeyHTTPCache)[key].(map[string]any)
	if !ok {
		return CacheMeta{}, false
	}
	meta := CacheMeta{}
	meta.ETag, _ = raw["etag"].(string)
	meta.LastModified, _ = raw["last_modified"].(string)
	meta.Hash, _ = raw["hash"].(string)
	if ts, ok := raw["fetched_at"].(float64); ok {
		meta.FetchedAt = int64(ts)
	}
	return meta, true
}

// SetCacheEntry stores metadata for key.
func (d Document) SetCacheEntry(key string, meta CacheMeta) {
	entry := map[string]any{}
	if meta.ETag != "" {
		entry["etag"] = meta.ETag
	}
	if meta.LastModified != "" {
		entry["last_modified"] = meta.LastModified
	}
	if meta.Hash != "" {
		entry["hash"] = meta.Hash
	}
	if meta.FetchedAt != 0 {
		entry["fetched_at"] = float64(meta.FetchedAt)
	}
	d.section(KeyHTTPCache)[key] = entry
}

// PageHash returns the last content hash recorded for page.
func (d Document) PageHash(page string) string {
	h, _ := d.section(KeyHTMLHashes)[page].(string)
	return h
}

// SetPageHash records the content hash of page.
func (d Document) SetPageHash(page, hash string) {
	d.section(KeyHTMLHashes)[page] = hash
}

// LastCleanup returns the last cleanup time in seconds since the epoch.
func (d Document) LastCleanup() float64 {
	switch v := d[KeyLastCleanup].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Counts returns the item counts of the bounded sections. Dedup counts the
// entries of every feed: lists and sets by length, anything else as one.
func (d Document) Counts() Counts {
	return Counts{
		Dedup:      dedupTotal(d.section(KeyDedup)),
		HTTPCache:  len(d.section(KeyHTTPCache)),
		HTMLHashes: len(d.section(KeyHTMLHashes)),
	}
}

func dedupTotal(dedup map[string]any) int {
	total := 0
	for _, v := range dedup {
		switch items := v.(type) {
		case []any:
			total += len(items)
		case []string:
			total += len(items)
		case map[string]any:
			total += len(items)
		default:
			total++
		}
	}
	return total
}
