// ABOUTME: Embeds the dashboard template into the binary using go:embed
// ABOUTME: Provides templateFS for parsing at server construction

package web

import "embed"

//go:embed templates/*.html
var templateFS embed.FS
