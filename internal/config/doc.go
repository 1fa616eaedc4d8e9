// Package config handles configuration loading for cyberintel.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the file
// extension) with environment variable expansion. Every knob has a default,
// so an empty file is a valid configuration with the Matrix bot disabled.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CYBERINTEL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/cyberintel/config.yaml
//  3. ~/.config/cyberintel/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${MATRIX_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	feeds:
//	  scan_interval: "30m"
//	state:
//	  cleanup_interval: "168h"
//
// # Configuration Sections
//
// Matrix and commands:
//
//	matrix:
//	  enabled: true
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@cyberintel:example.org"
//	  access_token: "${MATRIX_TOKEN}"
//	  command_prefix: "!"
//	bot:
//	  owner_id: "@soc-lead:example.org"
//	  admins: ["@analyst:example.org"]
//
// Persistence:
//
//	data:
//	  dir: "data"              # JSON documents live here
//	storage:
//	  lock_timeout: "10s"
//	  stale_lock_age: "30s"
//	backup:
//	  retention_days: 90
//	  max_per_file: 30
//	  interval: "24h"
//	state:
//	  warn_size_mb: 5
//	  critical_size_mb: 10
//	  dedup_max: 2000
//	  per_feed_max: 500
//	  cache_max: 1000
//	  hashes_max: 100
//
// Dashboard:
//
//	web:
//	  enabled: true
//	  http_addr: "0.0.0.0:8080"
//	tailscale:
//	  enabled: false
//	  hostname: "cyberintel"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: "logs/cyberintel.log"
//
// # Usage
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
