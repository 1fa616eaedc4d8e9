// ABOUTME: Tests for CVE id validation, lookups and severity buckets
// ABOUTME: Lookups run against an httptest stand-in for the CIRCL API

package cve

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr string
	}{
		{in: " cve-2021-44228 ", want: "CVE-2021-44228"},
		{in: "CVE-2023-123456", want: "CVE-2023-123456"},
		{in: "", wantErr: "empty"},
		{in: "2021-44228", wantErr: "CVE-YEAR-NUMBER"},
		{in: "CVE-2021-" + strings.Repeat("1", 12), wantErr: "too long"},
		{in: "CVE-21-1", wantErr: "CVE-YEAR-NUMBER"},
		{in: "CVE-2021-12a4", wantErr: "CVE-YEAR-NUMBER"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeID(tt.in)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrInvalidID)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/cve/CVE-2021-44228":
			fmt.Fprint(w, `{"id":"CVE-2021-44228","cvss":10.0,"summary":"Log4Shell",
				"Published":"2021-12-10T10:15:00",
				"references":["r1","r2","r3","r4"],
				"vulnerable_product":["p1","p2","p3","p4","p5"]}`)
		case "/api/cve/CVE-2020-0001":
			fmt.Fprint(w, `{"id":"CVE-2020-0001","cvss":"5.4"}`)
		case "/api/cve/CVE-2020-0002":
			fmt.Fprint(w, `null`)
		case "/api/cve/CVE-2020-0003":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/api/cve/", RatePerSecond: 100})
	ctx := context.Background()

	d, err := c.Lookup(ctx, "cve-2021-44228")
	require.NoError(t, err)
	assert.Equal(t, "CVE-2021-44228", d.ID)
	assert.Equal(t, "10", d.CVSS)
	assert.Equal(t, []string{"r1", "r2", "r3"}, d.References)
	assert.Equal(t, []string{"p1", "p2", "p3"}, d.VulnerableProducts)
	assert.Equal(t, LevelCritical, d.Severity())

	d, err = c.Lookup(ctx, "CVE-2020-0001")
	require.NoError(t, err)
	assert.Equal(t, "5.4", d.CVSS)
	assert.Equal(t, "No description available.", d.Summary)
	assert.Equal(t, LevelMedium, d.Severity())

	_, err = c.Lookup(ctx, "CVE-2020-0002")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Lookup(ctx, "CVE-2020-9999")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Lookup(ctx, "CVE-2020-0003")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 500")

	_, err = c.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, LevelCritical, Severity("9.0"))
	assert.Equal(t, LevelHigh, Severity("7"))
	assert.Equal(t, LevelMedium, Severity(" 4.0 "))
	assert.Equal(t, LevelLow, Severity("3.9"))
	assert.Equal(t, LevelUnknown, Severity("N/A"))
	assert.Equal(t, LevelUnknown, Severity(""))
}

func TestScoreString(t *testing.T) {
	assert.Equal(t, "N/A", scoreString(nil))
	assert.Equal(t, "N/A", scoreString([]byte("null")))
	assert.Equal(t, "7.5", scoreString([]byte("7.5")))
	assert.Equal(t, "7.5", scoreString([]byte(`"7.5"`)))
	assert.Equal(t, "N/A", scoreString([]byte(`""`)))
	assert.Equal(t, "N/A", scoreString([]byte(`{}`)))
}
