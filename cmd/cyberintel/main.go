// ABOUTME: Entry point for the cyberintel security-intel bot
// ABOUTME: Serves the bot and exposes backup, restore, cleanup and health maintenance commands

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/cyberintel/internal/app"
	"github.com/2389/cyberintel/internal/backup"
	"github.com/2389/cyberintel/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _                   _       _       _
   ___ _   _| |__   ___ _ __(_)_ __ | |_ ___| |
  / __| | | | '_ \ / _ \ '__| | '_ \| __/ _ \ |
 | (__| |_| | |_) |  __/ |  | | | | | ||  __/ |
  \___|\__, |_.__/ \___|_|  |_|_| |_|\__\___|_|
       |___/
`

func usage() {
	fmt.Println("Usage: cyberintel <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                     Start the bot, scheduler and dashboard")
	fmt.Println("  backup [file...]          Back up the critical documents, or the named ones")
	fmt.Println("  backups <file>            List backups of a document, newest first")
	fmt.Println("  restore <file> [backup]   Restore a document from its newest or the named backup")
	fmt.Println("  cleanup [--force]         Run a state cleanup pass and prune old backups")
	fmt.Println("  health                    Check dashboard health")
	fmt.Println("  version                   Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "backup":
		err = runBackup(ctx, args)
	case "backups":
		err = runBackups(ctx, args)
	case "restore":
		err = runRestore(ctx, args)
	case "cleanup":
		err = runCleanup(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Feeds:     %d feeds, %d pages\n", len(cfg.Feeds.Sources), len(cfg.Feeds.Pages))
	green.Print("    ▶ ")
	if cfg.Matrix.Enabled {
		fmt.Printf("Matrix:    %s as %s\n", cfg.Matrix.Homeserver, cfg.Matrix.UserID)
	} else {
		fmt.Print("Matrix:    ")
		yellow.Println("disabled")
	}
	if cfg.Web.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Web.HTTPAddr)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating app: %w", err)
	}
	return a.Run(ctx)
}

// maintenance loads config and storage for the one-shot commands.
func maintenance() (*app.Storage, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, _, err := setupLogger(config.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}
	return app.OpenStorage(cfg, logger), nil
}

func runBackup(ctx context.Context, args []string) error {
	s, err := maintenance()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		n := s.Backups.AutoBackupCritical()
		color.Green("backed up %d document(s)", n)
		return nil
	}

	failed := 0
	for _, name := range args {
		dest, res := s.Backups.Create(s.Paths.Resolve(name), "manual")
		if !res.OK {
			color.Red("%s: %v", name, res.Err)
			failed++
			continue
		}
		fmt.Println(dest)
	}
	if failed > 0 {
		return fmt.Errorf("%d backup(s) failed", failed)
	}
	return nil
}

func runBackups(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cyberintel backups <file>")
	}
	s, err := maintenance()
	if err != nil {
		return err
	}
	infos, err := s.Backups.List(s.Paths.Resolve(args[0]))
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("no backups")
		return nil
	}
	printBackups(os.Stdout, infos)
	return nil
}

func printBackups(w io.Writer, infos []backup.Info) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tCREATED\tAGE (DAYS)")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%.1f\n", info.Name, info.Size, info.Created.Format(time.DateTime), info.AgeDays)
	}
	tw.Flush()
}

func runRestore(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: cyberintel restore <file> [backup]")
	}
	s, err := maintenance()
	if err != nil {
		return err
	}
	var name string
	if len(args) == 2 {
		name = args[1]
	}
	res := s.Backups.Restore(ctx, s.Paths.Resolve(args[0]), name)
	if !res.OK {
		return fmt.Errorf("restore failed: %w", res.Err)
	}
	color.Green("restored %s", args[0])
	return nil
}

func runCleanup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	force := fs.Bool("force", false, "clean up even when no threshold is reached")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := maintenance()
	if err != nil {
		return err
	}

	_, report, ran := s.State.CheckAndCleanup(ctx, *force)
	if ran {
		fmt.Printf("cleanup (%s)\n", report.Reason)
		fmt.Printf("  dedup:       %d -> %d\n", report.Before.Dedup, report.After.Dedup)
		fmt.Printf("  http cache:  %d -> %d\n", report.Before.HTTPCache, report.After.HTTPCache)
		fmt.Printf("  page hashes: %d -> %d\n", report.Before.HTMLHashes, report.After.HTMLHashes)
	} else {
		fmt.Println("state is within limits, nothing to clean (use --force to override)")
	}
	removed := s.Backups.Cleanup("")
	fmt.Printf("  old backups removed: %d\n", removed)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Web.Enabled {
		return fmt.Errorf("web dashboard is disabled")
	}

	url := fmt.Sprintf("http://%s/health", dialAddr(cfg.Web.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// dialAddr turns a wildcard listen address into a loopback one.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
