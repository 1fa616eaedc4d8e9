// ABOUTME: Text helpers for feed summaries and links posted to chat
// ABOUTME: Strips markup with bluemonday and shortens long URLs by dropping tracking noise

package feeds

import (
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxURLLength is the longest link posted to chat.
const MaxURLLength = 512

var strictPolicy = bluemonday.StrictPolicy()

// trackingParams are query keys removed when a link is too long.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {},
	"utm_content": {}, "utm_id": {}, "utm_name": {}, "utm_reader": {},
	"utm_viz_id": {}, "utm_pubreferrer": {}, "gclid": {}, "fbclid": {},
	"mc_cid": {}, "mc_eid": {}, "ref": {}, "ref_src": {}, "mkt_tok": {},
}

// CleanHTML removes tags, decodes entities and collapses whitespace.
func CleanHTML(s string) string {
	if s == "" {
		return ""
	}
	text := strictPolicy.Sanitize(s)
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}

// SafeURL returns raw if it fits MaxURLLength. Longer links lose their
// fragment and tracking parameters, then their whole query. It returns ""
// when nothing fits.
func SafeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if len(raw) <= MaxURLLength {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if _, ok := trackingParams[strings.ToLower(key)]; ok {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	if s := u.String(); len(s) <= MaxURLLength {
		return s
	}

	u.RawQuery = ""
	u.ForceQuery = false
	if s := u.String(); len(s) <= MaxURLLength {
		return s
	}
	return ""
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:n]), func(r rune) bool { return r == ' ' }) + "..."
}
