// ABOUTME: Command table and dispatch for chat commands
// ABOUTME: Checks permissions, writes audit entries and builds Markdown replies

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/2389/cyberintel/internal/audit"
	"github.com/2389/cyberintel/internal/backup"
	"github.com/2389/cyberintel/internal/cve"
	"github.com/2389/cyberintel/internal/feeds"
	"github.com/2389/cyberintel/internal/stats"
	"github.com/2389/cyberintel/internal/threatintel"
)

const (
	defaultNewsCount = 5
	defaultPulses    = 5
	backupListSize   = 10
)

// HoneypotQuote is the reply to anyone but the owner opening the admin panel.
const HoneypotQuote = "O malandro se acha malandro até achar um malandro melhor."

// Request is one incoming command message.
type Request struct {
	RoomID  string
	Sender  string
	EventID string
	Body    string
}

type command struct {
	usage     string
	help      string
	adminOnly bool
	run       func(ctx context.Context, req Request, args []string) string
}

// HandlerOptions configures a Handler. Nil services disable the commands
// that need them.
type HandlerOptions struct {
	Prefix  string
	OwnerID string
	Admins  []string

	CVE       CVELookup
	Feeds     Feeds
	Dashboard Dashboard
	News      NewsStats
	Rooms     RoomConfig
	Intel     ThreatIntel
	Backups   Backups
	State     StateCleaner
	Audit     Auditor
	Paths     PathResolver
	Stats     *stats.Stats

	NewsCount int
	Logger    *slog.Logger
}

// Handler parses and runs commands.
type Handler struct {
	opts     HandlerOptions
	logger   *slog.Logger
	commands map[string]command
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	if opts.NewsCount <= 0 {
		opts.NewsCount = defaultNewsCount
	}
	if opts.Stats == nil {
		opts.Stats = stats.New(nil, nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{opts: opts, logger: logger.With("component", "bot")}
	h.commands = map[string]command{
		"cve":         {usage: "cve <CVE-ID>", help: "CVE details and CVSS severity", run: h.cmdCVE},
		"news":        {usage: "news", help: "latest security headlines", run: h.cmdNews},
		"dashboard":   {usage: "dashboard", help: "SOC dashboard link and health", run: h.cmdDashboard},
		"status_db":   {usage: "status_db", help: "intelligence database statistics", run: h.cmdStatusDB},
		"set_channel": {usage: "set_channel [room-id]", help: "send alerts for this room to this (or the given) room", adminOnly: true, run: h.cmdSetChannel},
		"soc_status":  {usage: "soc_status", help: "alert channel and provider status", run: h.cmdSOCStatus},
		"admin_panel": {usage: "admin_panel", help: "restricted administration panel", run: h.cmdAdminPanel},
		"forcecheck":  {usage: "forcecheck", help: "scan feeds now", adminOnly: true, run: h.cmdForceCheck},
		"post_latest": {usage: "post_latest", help: "repost the newest item, ignoring dedup", adminOnly: true, run: h.cmdPostLatest},
		"scan_url":    {usage: "scan_url <url>", help: "submit a URL to URLScan and VirusTotal", run: h.cmdScanURL},
		"otx":         {usage: "otx", help: "recent AlienVault OTX pulses", run: h.cmdOTX},
		"backup":      {usage: "backup", help: "back up the critical documents", adminOnly: true, run: h.cmdBackup},
		"restore":     {usage: "restore [backup-name]", help: "list backups, or restore one", adminOnly: true, run: h.cmdRestore},
		"cleanup":     {usage: "cleanup", help: "force a state cleanup and prune backups", adminOnly: true, run: h.cmdCleanup},
		"help":        {usage: "help", help: "this list", run: h.cmdHelp},
	}
	return h
}

// Parse splits a message into command name and arguments. It reports false
// when body is not a command.
func (h *Handler) Parse(body string) (string, []string, bool) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, h.opts.Prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(body, h.opts.Prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Handle runs the command in req and returns the Markdown reply. It reports
// false when the message is not a command.
func (h *Handler) Handle(ctx context.Context, req Request) (string, bool) {
	name, args, ok := h.Parse(req.Body)
	if !ok {
		return "", false
	}
	cmd, known := h.commands[name]
	if !known {
		return fmt.Sprintf("❓ Unknown command `%s`. Try `%shelp`.", escapeCode(name), h.opts.Prefix), true
	}

	h.opts.Stats.Command(name)
	h.audit(ctx, req.Sender, audit.ActionCommand, name, map[string]any{
		"room": req.RoomID,
		"args": strings.Join(args, " "),
	})

	if cmd.adminOnly && !h.isAdmin(ctx, req.Sender) {
		h.logger.Warn("admin command denied", "command", name, "sender", req.Sender, "room", req.RoomID)
		return "⛔ This command is restricted to administrators.", true
	}
	return cmd.run(ctx, req, args), true
}

func (h *Handler) isAdmin(ctx context.Context, sender string) bool {
	if h.opts.Audit != nil {
		blacklisted, err := h.opts.Audit.IsBlacklisted(ctx, sender)
		if err != nil {
			h.logger.Error("blacklist check failed", "sender", sender, "error", err)
			return false
		}
		if blacklisted {
			return false
		}
	}
	if h.opts.OwnerID != "" && sender == h.opts.OwnerID {
		return true
	}
	return slices.Contains(h.opts.Admins, sender)
}

func (h *Handler) audit(ctx context.Context, actor string, action audit.Action, target string, detail map[string]any) {
	if h.opts.Audit == nil {
		h.logger.Info("AUDIT", "actor", actor, "action", action, "target", target)
		return
	}
	if err := h.opts.Audit.Append(ctx, &audit.Entry{Actor: actor, Action: action, Target: target, Detail: detail}); err != nil {
		h.logger.Error("writing audit entry failed", "actor", actor, "target", target, "error", err)
	}
}

func unavailable(what string) string {
	return fmt.Sprintf("❌ %s is not available.", what)
}

func (h *Handler) cmdCVE(ctx context.Context, req Request, args []string) string {
	if h.opts.CVE == nil {
		return unavailable("CVE lookup")
	}
	if len(args) == 0 {
		return fmt.Sprintf("❌ Usage: `%scve CVE-2021-44228`", h.opts.Prefix)
	}
	id, err := cve.NormalizeID(args[0])
	if err != nil {
		return "❌ " + capitalize(err.Error())
	}

	d, err := h.opts.CVE.Lookup(ctx, id)
	switch {
	case errors.Is(err, cve.ErrNotFound):
		return fmt.Sprintf("❌ No details found for `%s`. Check the identifier.", id)
	case err != nil:
		h.logger.Error("cve lookup failed", "id", id, "error", err)
		return "❌ Could not fetch CVE information. Try again later."
	}
	return FormatCVE(d)
}

func (h *Handler) cmdNews(ctx context.Context, req Request, args []string) string {
	if h.opts.Feeds == nil {
		return unavailable("The news feed")
	}
	items, err := h.opts.Feeds.Latest(ctx, h.opts.NewsCount)
	if err != nil || len(items) == 0 {
		if err != nil {
			h.logger.Error("news digest failed", "error", err)
		}
		return "❌ Could not fetch news right now."
	}
	return FormatNews(items)
}

func (h *Handler) cmdDashboard(ctx context.Context, req Request, args []string) string {
	if h.opts.Dashboard == nil {
		return unavailable("The dashboard")
	}
	if !h.opts.Dashboard.Health(ctx) {
		return "### 🛡️ CyberIntel SOC Dashboard\n" +
			"⚠️ The dashboard service (Node-RED) looks offline.\n\n" +
			"**Status:** 🔴 OFFLINE\n" +
			"**Action:** check the Node-RED container."
	}
	return "### 🛡️ CyberIntel SOC Dashboard\n" +
		"Real-time operations panel.\n\n" +
		"**Status:** 🟢 ONLINE\n" +
		fmt.Sprintf("**Open:** [%s](%s)\n", escape(h.opts.Dashboard.DashboardURL()), h.opts.Dashboard.DashboardURL()) +
		"**Access:** requires an SSH tunnel to port 1880"
}

func (h *Handler) cmdStatusDB(ctx context.Context, req Request, args []string) string {
	if h.opts.News == nil {
		return unavailable("The news database")
	}
	total, last := h.opts.News.Stats(ctx)
	if last == "" {
		last = "N/A"
	}
	return "### 📊 CyberIntel intelligence database\n" +
		fmt.Sprintf("**🗞️ Processed news:** %d\n", total) +
		fmt.Sprintf("**🕒 Last update:** `%s`\n", escapeCode(last)) +
		"**🗄️ Storage:** JSON (file-based)"
}

func (h *Handler) cmdSetChannel(ctx context.Context, req Request, args []string) string {
	if h.opts.Rooms == nil {
		return unavailable("Room configuration")
	}
	channel := req.RoomID
	if len(args) > 0 {
		channel = args[0]
		if !strings.HasPrefix(channel, "!") || !strings.Contains(channel, ":") {
			return "❌ Room ids look like `!abc123:example.org`."
		}
	}

	room, err := h.opts.Rooms.SetChannel(ctx, req.RoomID, channel)
	if err != nil {
		h.logger.Error("saving channel failed", "room", req.RoomID, "error", err)
		return "❌ Could not save the channel configuration."
	}
	h.audit(ctx, req.Sender, audit.ActionConfigChange, "set_channel", map[string]any{"room": req.RoomID, "channel": channel})
	h.logger.Info("alert channel configured", "room", req.RoomID, "channel", channel)

	return "### 🛡️ Channel configured\n" +
		fmt.Sprintf("Alerts for this room now go to `%s`.\n", escapeCode(room.ChannelID)) +
		fmt.Sprintf("**Filters:** %s\n", escape(strings.Join(room.Filters, ", "))) +
		fmt.Sprintf("**Language:** %s", escape(room.Language))
}

func (h *Handler) cmdSOCStatus(ctx context.Context, req Request, args []string) string {
	var b strings.Builder
	b.WriteString("### 📊 CyberIntel system status\n")

	channel := "⚠️ Not configured. Use `" + h.opts.Prefix + "set_channel`."
	if h.opts.Rooms != nil {
		if room, ok := h.opts.Rooms.Get(ctx, req.RoomID); ok && room.ChannelID != "" {
			channel = "`" + escapeCode(room.ChannelID) + "`"
		}
	}
	fmt.Fprintf(&b, "**📡 Alert channel:** %s\n\n", channel)

	b.WriteString("**🌐 Intelligence providers:**\n")
	if h.opts.Intel == nil {
		b.WriteString("- ❌ none configured\n")
	} else {
		for _, p := range h.opts.Intel.Status() {
			mark := "❌"
			if p.Configured {
				mark = "✅"
			}
			fmt.Fprintf(&b, "- %s %s\n", mark, p.Name)
		}
	}
	fmt.Fprintf(&b, "\n**⏱️ Uptime:** %s", stats.FormatUptime(h.opts.Stats.Uptime()))
	return b.String()
}

func (h *Handler) cmdAdminPanel(ctx context.Context, req Request, args []string) string {
	if h.opts.OwnerID == "" {
		return "⚠️ Active defense is not configured. Set `bot.owner_id` in the configuration."
	}
	if req.Sender == h.opts.OwnerID {
		return "✅ **Welcome, Commander.** Systems operational."
	}

	h.logger.Warn("intrusion attempt detected", "sender", req.Sender, "room", req.RoomID)
	h.logger.Warn("MESSAGE: '" + HoneypotQuote + "'")
	h.opts.Stats.Intrusion("chat")
	h.audit(ctx, req.Sender, audit.ActionIntrusion, "admin_panel", map[string]any{"room": req.RoomID})

	return "### ❌ ACCESS DENIED\n**Active defense triggered.**\n\n> " + HoneypotQuote
}

func (h *Handler) cmdForceCheck(ctx context.Context, req Request, args []string) string {
	if h.opts.Feeds == nil {
		return unavailable("Feed scanning")
	}
	res, err := h.opts.Feeds.Scan(ctx, feeds.TriggerForceCheck, false)
	if err != nil {
		h.logger.Error("forced scan failed", "error", err)
		return "❌ Scan failed."
	}
	return fmt.Sprintf("✅ Forced scan finished: %d new, %d posted, %d errors.", res.Found, res.Posted, res.Errors)
}

func (h *Handler) cmdPostLatest(ctx context.Context, req Request, args []string) string {
	if h.opts.Feeds == nil {
		return unavailable("Feed scanning")
	}
	res, err := h.opts.Feeds.Scan(ctx, feeds.TriggerPostLatest, true)
	if err != nil {
		h.logger.Error("post_latest failed", "error", err)
		return "❌ Failed: " + truncate(err.Error(), 200)
	}
	if res.Posted == 0 {
		return "⚠️ Nothing was posted. Check that a room has an alert channel and matching filters."
	}
	return "✅ Newest item posted. Check the SOC channel."
}

func (h *Handler) cmdScanURL(ctx context.Context, req Request, args []string) string {
	if h.opts.Intel == nil {
		return unavailable("Threat intelligence")
	}
	if len(args) == 0 {
		return fmt.Sprintf("❌ Usage: `%sscan_url https://example.com`", h.opts.Prefix)
	}
	target := args[0]

	var b strings.Builder
	fmt.Fprintf(&b, "### 🔎 URL scan: %s\n", escape(target))

	sub, err := h.opts.Intel.ScanURL(ctx, target)
	switch {
	case errors.Is(err, threatintel.ErrNotConfigured):
		b.WriteString("- URLScan: not configured\n")
	case errors.Is(err, threatintel.ErrRateLimited):
		b.WriteString("- URLScan: rate limited, try again later\n")
	case err != nil:
		h.logger.Warn("urlscan submission failed", "url", target, "error", err)
		fmt.Fprintf(&b, "- URLScan: failed (%s)\n", escape(truncate(err.Error(), 120)))
	default:
		fmt.Fprintf(&b, "- URLScan: submitted, report at %s\n", sub.Result)
	}

	analysis, err := h.opts.Intel.SubmitURL(ctx, target)
	switch {
	case errors.Is(err, threatintel.ErrNotConfigured):
		b.WriteString("- VirusTotal: not configured\n")
	case errors.Is(err, threatintel.ErrRateLimited):
		b.WriteString("- VirusTotal: rate limited, try again later\n")
	case err != nil:
		h.logger.Warn("virustotal submission failed", "url", target, "error", err)
		fmt.Fprintf(&b, "- VirusTotal: failed (%s)\n", escape(truncate(err.Error(), 120)))
	default:
		fmt.Fprintf(&b, "- VirusTotal: analysis `%s` queued\n", escapeCode(analysis.ID))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) cmdOTX(ctx context.Context, req Request, args []string) string {
	if h.opts.Intel == nil {
		return unavailable("Threat intelligence")
	}
	pulses, err := h.opts.Intel.Pulses(ctx, defaultPulses)
	switch {
	case errors.Is(err, threatintel.ErrNotConfigured):
		return "⚠️ AlienVault OTX is not configured."
	case err != nil:
		h.logger.Error("otx query failed", "error", err)
		return "❌ Could not query AlienVault OTX."
	case len(pulses) == 0:
		return "No recent pulses."
	}

	var b strings.Builder
	b.WriteString("### 👽 AlienVault OTX pulses\n")
	for _, p := range pulses {
		fmt.Fprintf(&b, "- **%s**", escape(p.Name))
		if len(p.Tags) > 0 {
			fmt.Fprintf(&b, " (%s)", escape(strings.Join(p.Tags, ", ")))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) cmdBackup(ctx context.Context, req Request, args []string) string {
	if h.opts.Backups == nil {
		return unavailable("Backups")
	}
	n := h.opts.Backups.AutoBackupCritical()
	return fmt.Sprintf("💾 Backed up %d document(s).", n)
}

func (h *Handler) cmdRestore(ctx context.Context, req Request, args []string) string {
	if h.opts.Backups == nil || h.opts.Paths == nil {
		return unavailable("Restore")
	}
	if len(args) == 0 {
		all, err := h.opts.Backups.ListAll()
		if err != nil {
			h.logger.Error("listing backups failed", "error", err)
			return "❌ Could not list backups."
		}
		return FormatBackups(all, backupListSize, h.opts.Prefix)
	}

	name := filepath.Base(args[0])
	source, ok := backup.SourceOf(name)
	if !ok {
		return "❌ That is not a backup name."
	}
	path := h.opts.Paths.Resolve(source)
	var res backup.Result
	restore := func() { res = h.opts.Backups.Restore(ctx, path, name) }
	if h.opts.State != nil && path == h.opts.State.Path() {
		h.opts.State.Exclusive(restore)
	} else {
		restore()
	}
	if !res.OK {
		h.logger.Error("restore failed", "backup", name, "error", res.Err)
		return "❌ Restore failed: " + escape(truncate(fmt.Sprint(res.Err), 200))
	}
	h.audit(ctx, req.Sender, audit.ActionRestore, source, map[string]any{"backup": name})
	return fmt.Sprintf("♻️ Restored `%s` from `%s`.", escapeCode(source), escapeCode(name))
}

func (h *Handler) cmdCleanup(ctx context.Context, req Request, args []string) string {
	if h.opts.State == nil {
		return unavailable("State cleanup")
	}
	_, report, _ := h.opts.State.CheckAndCleanup(ctx, true)
	removed := 0
	if h.opts.Backups != nil {
		removed = h.opts.Backups.Cleanup("")
	}
	return "### 🧹 Cleanup finished\n" +
		fmt.Sprintf("**Dedup:** %d → %d\n", report.Before.Dedup, report.After.Dedup) +
		fmt.Sprintf("**HTTP cache:** %d → %d\n", report.Before.HTTPCache, report.After.HTTPCache) +
		fmt.Sprintf("**Page hashes:** %d → %d\n", report.Before.HTMLHashes, report.After.HTMLHashes) +
		fmt.Sprintf("**Old backups removed:** %d", removed)
}

func (h *Handler) cmdHelp(ctx context.Context, req Request, args []string) string {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("### 🛡️ CyberIntel commands\n")
	for _, name := range names {
		cmd := h.commands[name]
		fmt.Fprintf(&b, "- `%s%s` %s", h.opts.Prefix, cmd.usage, cmd.help)
		if cmd.adminOnly {
			b.WriteString(" (admin)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
