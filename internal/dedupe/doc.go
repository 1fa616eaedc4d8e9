// Package dedupe provides a bounded, time-windowed set of keys.
//
// The bot uses it to drop Matrix events it has already handled (sync can
// redeliver after reconnects), and the web dashboard uses it to throttle
// intrusion alerts so a scanner hammering a honeypot route produces one
// alert per source address per window.
package dedupe
