// Package web serves the CyberIntel dashboard.
//
// Routes:
//
//	GET /           dashboard page (embedded template, polls /api/stats)
//	GET /api/stats  runtime counters as JSON
//	GET /health     liveness probe
//	GET /metrics    Prometheus exposition, when a gatherer is configured
//
// A fixed set of paths commonly probed by scanners (/admin, /wp-login.php,
// /.env, /config.json) act as a honeypot: the hit is logged with the source
// address, recorded in the audit log and answered with 403. Repeated hits
// from one address are logged once per throttle window.
//
// The listener is plain TCP, or a tsnet node on the tailnet when Tailscale
// is enabled.
package web
