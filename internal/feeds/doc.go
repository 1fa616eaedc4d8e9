// Package feeds polls security RSS/Atom feeds and monitored web pages.
//
// Fetcher issues conditional GET requests using the http_cache section of
// state.json, limited per host. Poller parses feeds with gofeed, drops items
// already recorded in the dedup section, hands new items to a Notifier, and
// records what it posted in the news database and scan history. Pages are
// compared by SHA-256 of their body against html_hashes.
//
// CleanHTML and SafeURL prepare feed text and links for chat messages.
package feeds
