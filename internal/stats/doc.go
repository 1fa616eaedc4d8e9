// Package stats tracks runtime counters for the dashboard and the chat
// commands, and mirrors them as Prometheus metrics on a caller-provided
// registry.
package stats
