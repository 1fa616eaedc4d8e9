// Package bot is the Matrix side of CyberIntel.
//
// # Overview
//
// Bot syncs with the homeserver, turns prefixed text messages into commands
// and replies with notices. Handler holds the command table and depends only
// on small interfaces, so it can be tested without a homeserver:
//
//	cve <id>          CVE details from the CIRCL API
//	news              latest headlines from the digest feeds
//	dashboard         Node-RED dashboard link and health
//	status_db         processed news count and last update
//	set_channel       make this room (or the given room) receive alerts
//	soc_status        alert channel and intelligence provider status
//	admin_panel       restricted panel; everyone but the owner is logged as an intruder
//	forcecheck        run a feed scan now
//	post_latest       repost the newest feed item, ignoring dedup
//	scan_url <url>    submit a URL to URLScan and VirusTotal
//	otx               recent AlienVault OTX pulses
//	backup            back up the critical JSON documents
//	restore [name]    list backups, or restore one
//	cleanup           force a state cleanup and prune backups
//	help              command list
//
// Commands marked admin-only in the table require the owner or a listed
// admin. Every command is written to the audit log.
//
// # Formatting
//
// Replies and alerts are written as Markdown and rendered to HTML with
// goldmark; the Markdown source is kept as the plain-text body.
//
// # Alerts
//
// RoomNotifier implements feeds.Notifier: an alert goes to the alert channel
// of every configured room whose keyword filters match it.
package bot
