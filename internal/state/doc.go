// Package state owns state.json, the mutable document holding feed
// deduplication sets, the HTTP response cache, monitored page hashes and the
// time of the last cleanup.
//
// Document gives typed access to the sections of the raw JSON map. Cleaner
// bounds the document's growth: a pass is triggered every cleanup interval, or
// when the file grows past the warn or critical size, or on demand. Sections
// over their ceiling are cleared whole; per-feed dedup lists are truncated to
// their newest entries.
package state
