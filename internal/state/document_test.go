// ABOUTME: Tests for state document accessors
// ABOUTME: Covers list and set shaped dedup entries and cache metadata

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromValueFillsSections(t *testing.T) {
	doc := FromValue(map[string]any{"dedup": "garbage"})
	assert.Equal(t, map[string]any{}, doc[KeyDedup])
	assert.Equal(t, map[string]any{}, doc[KeyHTTPCache])
	assert.Equal(t, map[string]any{}, doc[KeyHTMLHashes])
	assert.Equal(t, float64(0), doc.LastCleanup())

	assert.Equal(t, NewDocument(), FromValue([]any{1, 2}))
}

func TestMarkSeenAppendsUnique(t *testing.T) {
	doc := NewDocument()
	doc.MarkSeen("thn", "a", "b")
	doc.MarkSeen("thn", "b", "c", "")

	assert.Equal(t, []string{"a", "b", "c"}, doc.SeenItems("thn"))
	assert.True(t, doc.HasSeen("thn", "c"))
	assert.False(t, doc.HasSeen("thn", "z"))
	assert.False(t, doc.HasSeen("other", "a"))
}

func TestSetShapedDedup(t *testing.T) {
	doc := FromValue(map[string]any{
		"dedup": map[string]any{"bleeping": map[string]any{"y": true, "x": true}},
	})
	assert.Equal(t, []string{"x", "y"}, doc.SeenItems("bleeping"))
	assert.True(t, doc.HasSeen("bleeping", "x"))

	doc.MarkSeen("bleeping", "z")
	assert.Equal(t, []string{"x", "y", "z"}, doc.SeenItems("bleeping"))
}

func TestTrimSeenKeepsNewest(t *testing.T) {
	doc := NewDocument()
	doc.MarkSeen("f", "1", "2", "3", "4")
	assert.True(t, doc.TrimSeen("f", 2))
	assert.Equal(t, []string{"3", "4"}, doc.SeenItems("f"))
	assert.False(t, doc.TrimSeen("f", 2))
}

func TestCacheEntryRoundTrip(t *testing.T) {
	doc := NewDocument()
	_, ok := doc.CacheEntry("https://example.com/rss")
	assert.False(t, ok)

	meta := CacheMeta{ETag: `W/"1"`, LastModified: "Mon, 10 Mar 2025 14:30:00 GMT", Hash: "abc", FetchedAt: 1741617000}
	doc.SetCacheEntry("https://example.com/rss", meta)
	got, ok := doc.CacheEntry("https://example.com/rss")
	assert.True(t, ok)
	assert.Equal(t, meta, got)
}

func TestPageHash(t *testing.T) {
	doc := NewDocument()
	assert.Empty(t, doc.PageHash("cisa"))
	doc.SetPageHash("cisa", "deadbeef")
	assert.Equal(t, "deadbeef", doc.PageHash("cisa"))
}

func TestCountsSumsNestedCollections(t *testing.T) {
	doc := FromValue(map[string]any{
		"dedup": map[string]any{
			"a": []any{"1", "2"},
			"b": map[string]any{"x": true},
			"c": "scalar",
		},
		"http_cache":  map[string]any{"k": map[string]any{}},
		"html_hashes": map[string]any{"p": "h", "q": "h"},
	})
	assert.Equal(t, Counts{Dedup: 4, HTTPCache: 1, HTMLHashes: 2}, doc.Counts())
}
