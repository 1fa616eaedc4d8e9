// ABOUTME: Dashboard HTTP server: page, JSON stats, health and metrics routes
// ABOUTME: Serves on TCP or on a tailnet listener and shuts down with its context

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsnet"

	"github.com/2389/cyberintel/internal/audit"
	"github.com/2389/cyberintel/internal/dedupe"
	"github.com/2389/cyberintel/internal/stats"
)

const (
	pageTitle      = "CyberIntel SOC"
	refreshSeconds = 10
)

// Auditor records honeypot hits.
type Auditor interface {
	Append(ctx context.Context, e *audit.Entry) error
}

// TailnetOptions configures the optional tsnet listener.
type TailnetOptions struct {
	Enabled   bool
	Hostname  string
	AuthKey   string
	StateDir  string
	Ephemeral bool
	HTTPS     bool
	Funnel    bool
}

// Options configures a Server.
type Options struct {
	Addr  string
	Stats *stats.Stats
	// Gatherer enables /metrics when set.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Auditor     Auditor
	// Throttle suppresses repeated honeypot alerts per address.
	Throttle *dedupe.Cache
	Tailnet  TailnetOptions
	Logger   *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	opts       Options
	logger     *slog.Logger
	tmpl       *template.Template
	handler    http.Handler
	httpServer *http.Server
	tsnet      *tsnet.Server
}

// New creates a Server and parses its templates.
func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = "0.0.0.0:8080"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Stats == nil {
		opts.Stats = stats.New(nil, nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	s := &Server{
		opts:   opts,
		logger: logger.With("component", "web"),
		tmpl:   tmpl,
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Gatherer != nil {
		mux.Handle("GET "+s.opts.MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	for _, path := range HoneypotPaths {
		mux.HandleFunc(path, s.handleHoneypot)
	}
	return mux
}

type indexData struct {
	Title          string
	Stats          stats.Snapshot
	RefreshSeconds int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := indexData{Title: pageTitle, Stats: s.opts.Stats.Snapshot(), RefreshSeconds: refreshSeconds}
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Error("rendering dashboard", "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Stats.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": stats.FormatUptime(s.opts.Stats.Uptime()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve listens and serves until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.closeTailnet()
		if err != nil {
			return fmt.Errorf("serving dashboard: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(shutdownCtx))
	errs = appendCloseError(errs, "tailscale shutdown", s.closeTailnet())
	return errors.Join(errs...)
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if s.opts.Tailnet.Enabled {
		return s.listenTailnet(ctx)
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	s.logger.Info("dashboard listening", "addr", ln.Addr().String())
	return ln, nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
