// ABOUTME: Runtime counters for scans, posted news, cache hits, commands and intrusions
// ABOUTME: Mirrors every counter into Prometheus collectors

package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cyberintel"

// Snapshot is the JSON shape served at /api/stats.
type Snapshot struct {
	Uptime     string `json:"uptime"`
	Scans      int64  `json:"scans"`
	NewsPosted int64  `json:"news_posted"`
	CacheHits  int64  `json:"cache_hits"`
	LastScan   string `json:"last_scan"`
}

// Stats holds process-lifetime counters.
type Stats struct {
	started time.Time
	now     func() time.Time

	mu         sync.Mutex
	scans      int64
	newsPosted int64
	cacheHits  int64
	lastScan   time.Time

	scansTotal      *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	newsPostedTotal prometheus.Counter
	cacheHitsTotal  *prometheus.CounterVec
	commandsTotal   *prometheus.CounterVec
	intrusionsTotal *prometheus.CounterVec
	lastScanGauge   prometheus.Gauge
}

// New creates Stats and registers its collectors on reg. A nil reg skips
// registration. A nil now means time.Now.
func New(reg prometheus.Registerer, now func() time.Time) *Stats {
	if now == nil {
		now = time.Now
	}
	s := &Stats{
		started: now(),
		now:     now,
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Completed feed scans by trigger",
		}, []string{"trigger"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Feed scan duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		newsPostedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "news_posted_total",
			Help:      "News items posted to at least one room",
		}),
		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_cache_hits_total",
			Help:      "Conditional requests answered with 304 Not Modified, by feed",
		}, []string{"feed"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands handled, by command",
		}, []string{"command"}),
		intrusionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intrusions_total",
			Help:      "Honeypot hits, by source surface",
		}, []string{"surface"}),
		lastScanGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_timestamp_seconds",
			Help:      "Unix time of the last completed scan",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			s.scansTotal,
			s.scanDuration,
			s.newsPostedTotal,
			s.cacheHitsTotal,
			s.commandsTotal,
			s.intrusionsTotal,
			s.lastScanGauge,
		)
	}
	return s
}

// ScanCompleted records a finished scan.
func (s *Stats) ScanCompleted(trigger string, took time.Duration) {
	now := s.now()

	s.mu.Lock()
	s.scans++
	s.lastScan = now
	s.mu.Unlock()

	s.scansTotal.WithLabelValues(trigger).Inc()
	s.scanDuration.Observe(took.Seconds())
	s.lastScanGauge.Set(float64(now.Unix()))
}

// NewsPosted adds n posted news items.
func (s *Stats) NewsPosted(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.newsPosted += int64(n)
	s.mu.Unlock()
	s.newsPostedTotal.Add(float64(n))
}

// CacheHit records a 304 for feed.
func (s *Stats) CacheHit(feed string) {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
	s.cacheHitsTotal.WithLabelValues(feed).Inc()
}

// Command records a handled chat command.
func (s *Stats) Command(name string) {
	s.commandsTotal.WithLabelValues(name).Inc()
}

// Intrusion records a honeypot hit on surface ("web" or "chat").
func (s *Stats) Intrusion(surface string) {
	s.intrusionsTotal.WithLabelValues(surface).Inc()
}

// Uptime returns the time since New.
func (s *Stats) Uptime() time.Duration {
	return s.now().Sub(s.started)
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := "Never"
	if !s.lastScan.IsZero() {
		last = s.lastScan.Format(time.RFC3339)
	}
	return Snapshot{
		Uptime:     FormatUptime(s.now().Sub(s.started)),
		Scans:      s.scans,
		NewsPosted: s.newsPosted,
		CacheHits:  s.cacheHits,
		LastScan:   last,
	}
}

// FormatUptime renders d as "1d 2h 3m 4s", omitting leading zero units.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
