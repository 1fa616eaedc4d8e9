// ABOUTME: Markdown layouts for CVE details, news digests, feed alerts and backup lists
// ABOUTME: All untrusted text is escaped before it is embedded

package bot

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/2389/cyberintel/internal/backup"
	"github.com/2389/cyberintel/internal/cve"
	"github.com/2389/cyberintel/internal/feeds"
)

const (
	maxTitle   = 256
	maxSummary = 1024
)

var severityIcon = map[string]string{
	cve.LevelCritical.Name: "⚫",
	cve.LevelHigh.Name:     "🔴",
	cve.LevelMedium.Name:   "🟡",
	cve.LevelLow.Name:      "🟢",
	cve.LevelUnknown.Name:  "⚪",
}

// escapeCode makes s safe inside a single-backtick code span.
func escapeCode(s string) string {
	return strings.ReplaceAll(s, "`", "'")
}

// FormatCVE renders CVE details.
func FormatCVE(d *cve.Details) string {
	level := d.Severity()

	var b strings.Builder
	fmt.Fprintf(&b, "### 🛡️ Vulnerability: %s\n", escape(d.ID))
	fmt.Fprintf(&b, "%s\n\n", escape(truncate(d.Summary, maxSummary)))
	fmt.Fprintf(&b, "**⚖️ CVSS:** %s %s (%s)\n", severityIcon[level.Name], escape(d.CVSS), level.Name)
	fmt.Fprintf(&b, "**📅 Published:** %s\n", escape(d.Published))
	if len(d.VulnerableProducts) > 0 {
		b.WriteString("\n**⚠️ Affected products (sample):**\n")
		for _, p := range d.VulnerableProducts {
			fmt.Fprintf(&b, "- `%s`\n", escapeCode(p))
		}
	}
	if len(d.References) > 0 {
		b.WriteString("\n**🔗 References:**\n")
		for _, r := range d.References {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatNews renders a news digest.
func FormatNews(items []feeds.Item) string {
	var b strings.Builder
	b.WriteString("### 🛡️ CyberIntel feed: latest news\n")
	for _, it := range items {
		fmt.Fprintf(&b, "\n**%s**\n", escape(truncate(it.Title, maxTitle)))
		if it.Summary != "" {
			fmt.Fprintf(&b, "%s\n", escape(feeds.Truncate(it.Summary, 200)))
		}
		if link := feeds.SafeURL(it.Link); link != "" {
			fmt.Fprintf(&b, "[Read more](%s) · _%s_\n", link, escape(it.Source))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatAlert renders a feed alert with share links.
func FormatAlert(a feeds.Alert) string {
	var b strings.Builder
	switch a.Kind {
	case feeds.KindPageChange:
		fmt.Fprintf(&b, "### 🔔 Monitored page changed: %s\n", escape(a.Source))
	default:
		fmt.Fprintf(&b, "### 🚨 %s\n", escape(truncate(a.Title, maxTitle)))
	}
	if a.Summary != "" {
		fmt.Fprintf(&b, "%s\n", escape(a.Summary))
	}
	if a.Link != "" {
		fmt.Fprintf(&b, "\n[Read more](%s) · [WhatsApp](%s) · [Email](%s)\n", a.Link, whatsAppLink(a), mailLink(a))
	}
	fmt.Fprintf(&b, "_Source: %s_", escape(a.Source))
	return b.String()
}

func whatsAppLink(a feeds.Alert) string {
	text := fmt.Sprintf("🚨 *CyberIntel alert*\n\n%s\n🔗 %s", a.Title, a.Link)
	return "https://api.whatsapp.com/send?text=" + queryEscape(text)
}

func mailLink(a feeds.Alert) string {
	subject := "⚠️ CyberIntel alert: " + a.Title
	body := fmt.Sprintf("Hello,\n\nWe identified a relevant security alert:\n\n%s\n\nOriginal link: %s\n\n--\nCyberIntel SOC Bot", a.Title, a.Link)
	return "mailto:?subject=" + queryEscape(subject) + "&body=" + queryEscape(body)
}

// queryEscape escapes s for a URL query, using %20 for spaces so mail
// clients decode it too.
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// FormatBackups renders up to limit backups, newest first.
func FormatBackups(all []backup.Info, limit int, prefix string) string {
	if len(all) == 0 {
		return "No backups yet."
	}
	var b strings.Builder
	b.WriteString("### 💾 Backups\n")
	for i, info := range all {
		if i == limit {
			fmt.Fprintf(&b, "- ... and %d more\n", len(all)-limit)
			break
		}
		fmt.Fprintf(&b, "- `%s` (%s, %.1f days)\n", escapeCode(info.Name), formatSize(info.Size), info.AgeDays)
	}
	fmt.Fprintf(&b, "\nRestore one with `%srestore <name>`.", prefix)
	return b.String()
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
