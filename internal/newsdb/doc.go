// Package newsdb records processed news items (database.json) and the history
// of feed scans (history.json). Both documents are bounded: the newest
// MaxNews items and the newest MaxRuns scans are kept.
package newsdb
