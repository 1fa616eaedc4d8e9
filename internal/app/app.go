// ABOUTME: Application orchestrator that wires storage, feeds, bot, web server and scheduler
// ABOUTME: Runs every long-lived component under one errgroup and shuts them down together

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix"

	"github.com/2389/cyberintel/internal/audit"
	"github.com/2389/cyberintel/internal/bot"
	"github.com/2389/cyberintel/internal/config"
	"github.com/2389/cyberintel/internal/cve"
	"github.com/2389/cyberintel/internal/dedupe"
	"github.com/2389/cyberintel/internal/feeds"
	"github.com/2389/cyberintel/internal/newsdb"
	"github.com/2389/cyberintel/internal/nodered"
	"github.com/2389/cyberintel/internal/rooms"
	"github.com/2389/cyberintel/internal/scheduler"
	"github.com/2389/cyberintel/internal/stats"
	"github.com/2389/cyberintel/internal/threatintel"
	"github.com/2389/cyberintel/internal/web"
)

// App owns every long-lived component.
type App struct {
	config  *config.Config
	logger  *slog.Logger
	storage *Storage

	registry  *prometheus.Registry
	stats     *stats.Stats
	rooms     *rooms.Registry
	news      *newsdb.DB
	audit     *audit.Log
	poller    *feeds.Poller
	scheduler *scheduler.Scheduler

	// bot and web are nil when disabled
	bot *bot.Bot
	web *web.Server

	// events drops redelivered chat events; throttle limits honeypot alerts per address
	events   *dedupe.Cache
	throttle *dedupe.Cache
}

// New wires the application from cfg. It opens the audit database but
// performs no network I/O.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storage := OpenStorage(cfg, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	st := stats.New(registry, nil)

	auditLog, err := audit.Open(auditPath(cfg.Audit.Path, storage.Paths.DataDir()), logger)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	a := &App{
		config:   cfg,
		logger:   logger.With("component", "app"),
		storage:  storage,
		registry: registry,
		stats:    st,
		audit:    auditLog,
		events:   dedupe.New(10*time.Minute, 100_000),
		throttle: dedupe.New(cfg.Web.HoneypotThrottle, 10_000),
	}
	a.rooms = rooms.New(storage.Store, storage.Paths.Resolve(ConfigDoc), rooms.Room{
		Filters:  cfg.Bot.Filters,
		Language: cfg.Bot.Language,
	}, logger)
	a.news = newsdb.New(newsdb.Options{
		Store:       storage.Store,
		DBPath:      storage.Paths.Resolve(DatabaseDoc),
		HistoryPath: storage.Paths.Resolve(HistoryDoc),
		MaxNews:     cfg.Feeds.MaxNews,
		Logger:      logger,
	})

	dashboard := nodered.New(nodered.Options{
		Endpoint:     cfg.NodeRED.Endpoint,
		HealthURL:    cfg.NodeRED.HealthURL,
		DashboardURL: cfg.NodeRED.DashboardURL,
		Logger:       logger,
	})
	notifiers := feeds.Fanout{dashboard}

	matrix := cfg.Matrix
	mxClient, err := a.matrixClient()
	if err != nil {
		a.closeAll()
		return nil, err
	}
	if mxClient != nil {
		notifiers = append(notifiers, bot.NewRoomNotifier(a.rooms, bot.NewMatrixSender(mxClient), logger))
	}

	a.poller = feeds.NewPoller(feeds.Options{
		Feeds:         sources(cfg.Feeds.Sources),
		Pages:         sources(cfg.Feeds.Pages),
		Digest:        sources(cfg.Feeds.Digest),
		DigestPerFeed: cfg.Feeds.DigestPerFeed,
		Fetcher: feeds.NewFetcher(feeds.FetcherOptions{
			Client:    &http.Client{},
			Limiter:   feeds.NewHostLimiter(cfg.Feeds.RatePerHost, cfg.Feeds.Burst),
			UserAgent: cfg.Feeds.UserAgent,
			Timeout:   cfg.Feeds.RequestTimeout,
			MaxBytes:  config.Bytes(float64(cfg.Feeds.MaxBodyMB)),
		}),
		State:    storage.State,
		News:     a.news,
		Stats:    st,
		Notifier: notifiers,
		Logger:   logger,
	})

	if mxClient != nil {
		handler := bot.NewHandler(bot.HandlerOptions{
			Prefix:  matrix.CommandPrefix,
			OwnerID: cfg.Bot.OwnerID,
			Admins:  cfg.Bot.Admins,
			CVE: cve.NewClient(cve.Options{
				BaseURL:       cfg.CVE.BaseURL,
				RatePerSecond: cfg.CVE.RatePerSecond,
				Timeout:       cfg.CVE.Timeout,
				Logger:        logger,
			}),
			Feeds:     a.poller,
			Dashboard: dashboard,
			News:      a.news,
			Rooms:     a.rooms,
			Intel: threatintel.New(threatintel.Options{
				URLScanKey:    cfg.ThreatIntel.URLScanKey,
				OTXKey:        cfg.ThreatIntel.OTXKey,
				VirusTotalKey: cfg.ThreatIntel.VirusTotalKey,
				Timeout:       cfg.ThreatIntel.Timeout,
				Logger:        logger,
			}),
			Backups: storage.Backups,
			State:   storage.State,
			Audit:   auditLog,
			Paths:   storage.Paths,
			Stats:   st,
			Logger:  logger,
		})
		a.bot, err = bot.New(bot.Options{
			Client:       mxClient,
			AllowedRooms: matrix.AllowedRooms,
			Handler:      handler,
			Events:       a.events,
			Logger:       logger,
		})
		if err != nil {
			a.closeAll()
			return nil, err
		}
	}

	if cfg.Web.Enabled {
		opts := web.Options{
			Addr:     cfg.Web.HTTPAddr,
			Stats:    st,
			Auditor:  auditLog,
			Throttle: a.throttle,
			Tailnet: web.TailnetOptions{
				Enabled:   cfg.Tailscale.Enabled,
				Hostname:  cfg.Tailscale.Hostname,
				AuthKey:   cfg.Tailscale.AuthKey,
				StateDir:  cfg.Tailscale.StateDir,
				Ephemeral: cfg.Tailscale.Ephemeral,
				HTTPS:     cfg.Tailscale.HTTPS,
				Funnel:    cfg.Tailscale.Funnel,
			},
			Logger: logger,
		}
		if cfg.Metrics.Enabled {
			opts.Gatherer = registry
			opts.MetricsPath = cfg.Metrics.Path
		}
		a.web, err = web.New(opts)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("creating web server: %w", err)
		}
	}

	a.scheduler, err = scheduler.New(logger, a.jobs()...)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	return a, nil
}

// matrixClient returns nil when the bot is disabled.
func (a *App) matrixClient() (*mautrix.Client, error) {
	m := a.config.Matrix
	if !m.Enabled {
		a.logger.Info("matrix bot disabled, alerts go to Node-RED only")
		return nil, nil
	}
	return bot.NewClient(m.Homeserver, m.UserID, m.AccessToken)
}

// jobs lists the periodic work.
func (a *App) jobs() []scheduler.Job {
	return []scheduler.Job{
		{
			Name:       "scan",
			Interval:   every(a.config.Feeds.ScanInterval, 30*time.Minute),
			RunAtStart: true,
			Fn: func(ctx context.Context) error {
				_, err := a.poller.Scan(ctx, feeds.TriggerScheduled, false)
				return err
			},
		},
		{
			Name:       "auto_backup",
			Interval:   every(a.config.Backup.Interval, 24*time.Hour),
			RunAtStart: true,
			Fn: func(ctx context.Context) error {
				n := a.storage.Backups.AutoBackupCritical()
				a.storage.Backups.Cleanup("")
				a.logger.Info("automatic backup finished", "documents", n)
				return nil
			},
		},
		{
			Name:     "state_cleanup",
			Interval: every(a.config.State.CheckInterval, time.Hour),
			Fn: func(ctx context.Context) error {
				_, report, ran := a.storage.State.CheckAndCleanup(ctx, false)
				if ran {
					a.logger.Info("state cleanup finished", "reason", report.Reason,
						"dedup_before", report.Before.Dedup, "dedup_after", report.After.Dedup)
				}
				return nil
			},
		},
	}
}

// Run starts every component and blocks until ctx is cancelled or one fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting cyberintel",
		"data_dir", a.storage.Paths.DataDir(),
		"feeds", len(a.config.Feeds.Sources),
		"pages", len(a.config.Feeds.Pages),
		"matrix", a.bot != nil,
		"web", a.web != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	if a.bot != nil {
		g.Go(func() error { return a.bot.Run(gctx) })
	}
	if a.web != nil {
		g.Go(func() error { return a.web.Serve(gctx) })
	}

	runErr := g.Wait()
	if runErr != nil && ctx.Err() == nil {
		a.logger.Error("component failed", "error", runErr)
	}

	shutdownErr := a.Shutdown()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return shutdownErr
}

// Shutdown releases resources that outlive Run's goroutines.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down cyberintel")
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	if a.audit != nil {
		errs = appendCloseError(errs, "audit close", a.audit.Close())
		a.audit = nil
	}
	if a.events != nil {
		a.events.Close()
		a.events = nil
	}
	if a.throttle != nil {
		a.throttle.Close()
		a.throttle = nil
	}
	return errors.Join(errs...)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Stats exposes the runtime counters.
func (a *App) Stats() *stats.Stats {
	return a.stats
}

// Registry exposes the Prometheus registry.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

func every(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func sources(in []config.FeedSource) []feeds.Source {
	out := make([]feeds.Source, 0, len(in))
	for _, s := range in {
		out = append(out, feeds.Source{Name: s.Name, URL: s.URL})
	}
	return out
}

// auditPath places relative audit database paths under the data directory.
func auditPath(p, dataDir string) string {
	switch {
	case p == "":
		return filepath.Join(dataDir, "audit.db")
	case p == ":memory:", filepath.IsAbs(p):
		return p
	default:
		return filepath.Join(dataDir, p)
	}
}
