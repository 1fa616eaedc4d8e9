// Package jsonstore loads and saves JSON documents safely.
//
// Every Load and Save on a path runs under an exclusive filelock on that
// path. Saves are atomic by default: the document is written to a temporary
// file in the target directory, synced, and renamed over the target, so a
// reader observes either the previous version or the new one.
//
// Neither operation fails the caller. Load always yields a usable value (the
// decoded document, a recovered backup, or the caller's default) and both
// operations report what happened through a Result:
//
//	doc, res := store.Load(ctx, path, map[string]any{})
//	if res.Status == jsonstore.StatusRecovered {
//	    logger.Warn("state recovered from backup", "path", path)
//	}
//
// A document that fails to parse is recovered from its "<path>.backup"
// sibling when that file is valid. Save writes that sibling from the previous
// on-disk content when a write fails.
package jsonstore
