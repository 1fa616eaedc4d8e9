// ABOUTME: CVSS score buckets with the colour used to render them
// ABOUTME: Unparseable scores fall into the unknown bucket

package cve

import (
	"strconv"
	"strings"
)

// Level is a severity bucket.
type Level struct {
	Name  string
	Color string
}

var (
	LevelCritical = Level{Name: "critical", Color: "#000000"}
	LevelHigh     = Level{Name: "high", Color: "#ff0000"}
	LevelMedium   = Level{Name: "medium", Color: "#ffff00"}
	LevelLow      = Level{Name: "low", Color: "#00ff00"}
	LevelUnknown  = Level{Name: "unknown", Color: "#808080"}
)

// Severity buckets a CVSS score: critical >= 9, high >= 7, medium >= 4,
// low otherwise.
func Severity(cvss string) Level {
	score, err := strconv.ParseFloat(strings.TrimSpace(cvss), 64)
	if err != nil {
		return LevelUnknown
	}
	switch {
	case score >= 9:
		return LevelCritical
	case score >= 7:
		return LevelHigh
	case score >= 4:
		return LevelMedium
	default:
		return LevelLow
	}
}
