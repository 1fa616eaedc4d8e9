// ABOUTME: Configuration loading and parsing for cyberintel
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete cyberintel configuration
type Config struct {
	Matrix      MatrixConfig      `yaml:"matrix" toml:"matrix"`
	Bot         BotConfig         `yaml:"bot" toml:"bot"`
	Data        DataConfig        `yaml:"data" toml:"data"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	Backup      BackupConfig      `yaml:"backup" toml:"backup"`
	State       StateConfig       `yaml:"state" toml:"state"`
	Feeds       FeedsConfig       `yaml:"feeds" toml:"feeds"`
	CVE         CVEConfig         `yaml:"cve" toml:"cve"`
	ThreatIntel ThreatIntelConfig `yaml:"threatintel" toml:"threatintel"`
	NodeRED     NodeREDConfig     `yaml:"nodered" toml:"nodered"`
	Web         WebConfig         `yaml:"web" toml:"web"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Audit       AuditConfig       `yaml:"audit" toml:"audit"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// MatrixConfig holds Matrix connection configuration
type MatrixConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	Homeserver    string   `yaml:"homeserver" toml:"homeserver"`
	UserID        string   `yaml:"user_id" toml:"user_id"`
	AccessToken   string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms  []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	CommandPrefix string   `yaml:"command_prefix" toml:"command_prefix"`
}

// BotConfig holds command and permission configuration
type BotConfig struct {
	// OwnerID is the Matrix user allowed to run every command
	OwnerID string   `yaml:"owner_id" toml:"owner_id"`
	Admins  []string `yaml:"admins" toml:"admins"`
	// Language is the default language for newly configured rooms
	Language string `yaml:"language" toml:"language"`
	// Filters are the default keyword filters for newly configured rooms
	Filters []string `yaml:"filters" toml:"filters"`
}

// DataConfig controls where JSON documents live
type DataConfig struct {
	WorkDir string `yaml:"work_dir" toml:"work_dir"`
	Dir     string `yaml:"dir" toml:"dir"`
}

// StorageConfig holds document lock timing
type StorageConfig struct {
	LockTimeout    time.Duration `yaml:"-" toml:"-"`
	StaleLockAge   time.Duration `yaml:"-" toml:"-"`
	LockRetryDelay time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LockTimeoutRaw    string `yaml:"lock_timeout" toml:"lock_timeout"`
	StaleLockAgeRaw   string `yaml:"stale_lock_age" toml:"stale_lock_age"`
	LockRetryDelayRaw string `yaml:"lock_retry_delay" toml:"lock_retry_delay"`
}

// BackupConfig holds backup retention configuration
type BackupConfig struct {
	Dir           string        `yaml:"dir" toml:"dir"`
	RetentionDays int           `yaml:"retention_days" toml:"retention_days"`
	MaxPerFile    int           `yaml:"max_per_file" toml:"max_per_file"`
	Interval      time.Duration `yaml:"-" toml:"-"`
	IntervalRaw   string        `yaml:"interval" toml:"interval"`
}

// StateConfig holds state.json growth limits
type StateConfig struct {
	WarnSizeMB     float64 `yaml:"warn_size_mb" toml:"warn_size_mb"`
	CriticalSizeMB float64 `yaml:"critical_size_mb" toml:"critical_size_mb"`
	DedupMax       int     `yaml:"dedup_max" toml:"dedup_max"`
	PerFeedMax     int     `yaml:"per_feed_max" toml:"per_feed_max"`
	CacheMax       int     `yaml:"cache_max" toml:"cache_max"`
	HashesMax      int     `yaml:"hashes_max" toml:"hashes_max"`

	CleanupInterval time.Duration `yaml:"-" toml:"-"`
	CheckInterval   time.Duration `yaml:"-" toml:"-"`

	CleanupIntervalRaw string `yaml:"cleanup_interval" toml:"cleanup_interval"`
	CheckIntervalRaw   string `yaml:"check_interval" toml:"check_interval"`
}

// FeedSource names one RSS/Atom feed or monitored page
type FeedSource struct {
	Name string `yaml:"name" toml:"name"`
	URL  string `yaml:"url" toml:"url"`
}

// FeedsConfig holds feed polling configuration
type FeedsConfig struct {
	Sources []FeedSource `yaml:"sources" toml:"sources"`
	// Digest lists the feeds summarized by the news command
	Digest        []FeedSource `yaml:"digest" toml:"digest"`
	Pages         []FeedSource `yaml:"pages" toml:"pages"`
	DigestPerFeed int          `yaml:"digest_per_feed" toml:"digest_per_feed"`
	UserAgent     string       `yaml:"user_agent" toml:"user_agent"`
	MaxBodyMB     int          `yaml:"max_body_mb" toml:"max_body_mb"`
	MaxNews       int          `yaml:"max_news" toml:"max_news"`
	RatePerHost   float64      `yaml:"rate_per_host" toml:"rate_per_host"`
	Burst         int          `yaml:"burst" toml:"burst"`

	ScanInterval   time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	ScanIntervalRaw   string `yaml:"scan_interval" toml:"scan_interval"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// CVEConfig holds CVE lookup configuration
type CVEConfig struct {
	BaseURL       string        `yaml:"base_url" toml:"base_url"`
	RatePerSecond float64       `yaml:"rate_per_second" toml:"rate_per_second"`
	Timeout       time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw    string        `yaml:"timeout" toml:"timeout"`
}

// ThreatIntelConfig holds threat intelligence provider keys
type ThreatIntelConfig struct {
	URLScanKey    string        `yaml:"urlscan_key" toml:"urlscan_key"`
	OTXKey        string        `yaml:"otx_key" toml:"otx_key"`
	VirusTotalKey string        `yaml:"virustotal_key" toml:"virustotal_key"`
	Timeout       time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw    string        `yaml:"timeout" toml:"timeout"`
}

// NodeREDConfig holds Node-RED dashboard integration
type NodeREDConfig struct {
	// Endpoint receives alert pushes
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	// HealthURL is probed by the dashboard command
	HealthURL string `yaml:"health_url" toml:"health_url"`
	// DashboardURL is the link shown to users
	DashboardURL string `yaml:"dashboard_url" toml:"dashboard_url"`
}

// WebConfig holds dashboard server configuration
type WebConfig struct {
	Enabled             bool          `yaml:"enabled" toml:"enabled"`
	HTTPAddr            string        `yaml:"http_addr" toml:"http_addr"`
	HoneypotThrottle    time.Duration `yaml:"-" toml:"-"`
	HoneypotThrottleRaw string        `yaml:"honeypot_throttle" toml:"honeypot_throttle"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with Tailscale certs on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// AuditConfig holds the audit database location
type AuditConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config with every knob at its standard value.
func Default() *Config {
	return &Config{
		Matrix: MatrixConfig{
			CommandPrefix: "!",
		},
		Bot: BotConfig{
			Language: "pt_BR",
			Filters:  []string{"security", "cyber", "hacker", "breach"},
		},
		Data: DataConfig{
			Dir: "data",
		},
		Storage: StorageConfig{
			LockTimeoutRaw:    "10s",
			StaleLockAgeRaw:   "30s",
			LockRetryDelayRaw: "50ms",
		},
		Backup: BackupConfig{
			RetentionDays: 90,
			MaxPerFile:    30,
			IntervalRaw:   "24h",
		},
		State: StateConfig{
			WarnSizeMB:         5,
			CriticalSizeMB:     10,
			DedupMax:           2000,
			PerFeedMax:         500,
			CacheMax:           1000,
			HashesMax:          100,
			CleanupIntervalRaw: "168h",
			CheckIntervalRaw:   "1h",
		},
		Feeds: FeedsConfig{
			Sources: []FeedSource{
				{Name: "The Hacker News", URL: "https://feeds.feedburner.com/TheHackersNews"},
				{Name: "BleepingComputer", URL: "https://www.bleepingcomputer.com/feed/"},
			},
			Digest: []FeedSource{
				{Name: "The Hacker News", URL: "https://feeds.feedburner.com/TheHackersNews"},
				{Name: "BleepingComputer", URL: "https://www.bleepingcomputer.com/feed/"},
			},
			DigestPerFeed:     3,
			UserAgent:         "cyberintel/1.0 (+https://github.com/2389/cyberintel)",
			MaxBodyMB:         5,
			MaxNews:           1000,
			RatePerHost:       1,
			Burst:             2,
			ScanIntervalRaw:   "30m",
			RequestTimeoutRaw: "15s",
		},
		CVE: CVEConfig{
			BaseURL:       "https://cve.circl.lu/api/cve",
			RatePerSecond: 2,
			TimeoutRaw:    "10s",
		},
		ThreatIntel: ThreatIntelConfig{
			TimeoutRaw: "15s",
		},
		NodeRED: NodeREDConfig{
			Endpoint:     "http://localhost:1880/cyber-intel",
			HealthURL:    "http://nodered:1880",
			DashboardURL: "http://localhost:1880/ui",
		},
		Web: WebConfig{
			Enabled:             true,
			HTTPAddr:            "0.0.0.0:8080",
			HoneypotThrottleRaw: "10m",
		},
		Tailscale: TailscaleConfig{
			Hostname: "cyberintel",
		},
		Audit: AuditConfig{
			Path: "audit.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  5,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Path returns the configuration file location.
// Priority: CYBERINTEL_CONFIG env var > XDG_CONFIG_HOME/cyberintel/config.yaml > ~/.config/cyberintel/config.yaml
func Path() string {
	if envPath := os.Getenv("CYBERINTEL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cyberintel", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Unset values keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration text, applies defaults, parses durations and validates.
func Parse(text string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(text)

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
		}
		if err := validateHTTPURL("matrix.homeserver", c.Matrix.Homeserver); err != nil {
			return err
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when matrix is enabled")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Web.Enabled && !c.Tailscale.Enabled && c.Web.HTTPAddr == "" {
		return fmt.Errorf("web.http_addr is required (or enable tailscale)")
	}

	if c.Backup.RetentionDays <= 0 {
		return fmt.Errorf("backup.retention_days must be positive")
	}
	if c.Backup.MaxPerFile <= 0 {
		return fmt.Errorf("backup.max_per_file must be positive")
	}

	if c.State.WarnSizeMB <= 0 || c.State.CriticalSizeMB <= 0 {
		return fmt.Errorf("state size thresholds must be positive")
	}
	if c.State.WarnSizeMB > c.State.CriticalSizeMB {
		return fmt.Errorf("state.warn_size_mb (%.2f) exceeds state.critical_size_mb (%.2f)", c.State.WarnSizeMB, c.State.CriticalSizeMB)
	}
	for name, v := range map[string]int{
		"state.dedup_max":    c.State.DedupMax,
		"state.per_feed_max": c.State.PerFeedMax,
		"state.cache_max":    c.State.CacheMax,
		"state.hashes_max":   c.State.HashesMax,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	for _, group := range [][]FeedSource{c.Feeds.Sources, c.Feeds.Digest, c.Feeds.Pages} {
		for _, src := range group {
			if err := validateHTTPURL("feed "+src.Name, src.URL); err != nil {
				return err
			}
		}
	}

	if c.CVE.BaseURL == "" {
		return fmt.Errorf("cve.base_url is required")
	}
	if err := validateHTTPURL("cve.base_url", c.CVE.BaseURL); err != nil {
		return err
	}
	if c.NodeRED.Endpoint != "" {
		if err := validateHTTPURL("nodered.endpoint", c.NodeRED.Endpoint); err != nil {
			return err
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", field)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dest *time.Duration
	}{
		{"storage.lock_timeout", cfg.Storage.LockTimeoutRaw, &cfg.Storage.LockTimeout},
		{"storage.stale_lock_age", cfg.Storage.StaleLockAgeRaw, &cfg.Storage.StaleLockAge},
		{"storage.lock_retry_delay", cfg.Storage.LockRetryDelayRaw, &cfg.Storage.LockRetryDelay},
		{"backup.interval", cfg.Backup.IntervalRaw, &cfg.Backup.Interval},
		{"state.cleanup_interval", cfg.State.CleanupIntervalRaw, &cfg.State.CleanupInterval},
		{"state.check_interval", cfg.State.CheckIntervalRaw, &cfg.State.CheckInterval},
		{"feeds.scan_interval", cfg.Feeds.ScanIntervalRaw, &cfg.Feeds.ScanInterval},
		{"feeds.request_timeout", cfg.Feeds.RequestTimeoutRaw, &cfg.Feeds.RequestTimeout},
		{"cve.timeout", cfg.CVE.TimeoutRaw, &cfg.CVE.Timeout},
		{"threatintel.timeout", cfg.ThreatIntel.TimeoutRaw, &cfg.ThreatIntel.Timeout},
		{"web.honeypot_throttle", cfg.Web.HoneypotThrottleRaw, &cfg.Web.HoneypotThrottle},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dest = d
	}

	return nil
}

// Retention returns the backup retention window.
func (b BackupConfig) Retention() time.Duration {
	return time.Duration(b.RetentionDays) * 24 * time.Hour
}

// Bytes converts a size in megabytes to bytes.
func Bytes(mb float64) int64 {
	return int64(mb * 1024 * 1024)
}
