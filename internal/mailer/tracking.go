package mailer

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

var (
	hrefRegexp    = regexp.MustCompile(`(?i)(<a\b[^>]*?\bhref\s*=\s*)(?:"([^"]*)"|'([^']*)')`)
	bodyEndRegexp = regexp.MustCompile(`(?i)</body\s*>`)
)

// OpenPixelURL is the open-tracking image URL for a message
func OpenPixelURL(baseURL, messageID string) string {
	return fmt.Sprintf("%s/t/o/%s", baseURL, url.PathEscape(messageID))
}

// ClickURL routes target through the click-tracking redirect for a message
func ClickURL(baseURL, messageID, target string) string {
	return fmt.Sprintf("%s/t/c/%s?url=%s", baseURL, url.PathEscape(messageID), url.QueryEscape(target))
}

// InjectTracking adds an open pixel and rewrites http(s) links to the click
// redirect. Unsubscribe, mailto and fragment links are left untouched.
func InjectTracking(body, baseURL, messageID, unsubscribeURL string) string {
	body = hrefRegexp.ReplaceAllStringFunc(body, func(match string) string {
		parts := hrefRegexp.FindStringSubmatch(match)
		prefix, quote, raw := parts[1], `"`, parts[2]
		if strings.HasPrefix(strings.TrimPrefix(match, prefix), "'") {
			quote, raw = "'", parts[3]
		}

		target := html.UnescapeString(strings.TrimSpace(raw))
		if !trackable(target, unsubscribeURL) {
			return match
		}
		return prefix + quote + html.EscapeString(ClickURL(baseURL, messageID, target)) + quote
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;border:0" />`,
		html.EscapeString(OpenPixelURL(baseURL, messageID)))
	if loc := bodyEndRegexp.FindStringIndex(body); loc != nil {
		return body[:loc[0]] + pixel + body[loc[0]:]
	}
	return body + pixel
}

func trackable(target, unsubscribeURL string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if unsubscribeURL != "" && strings.HasPrefix(target, unsubscribeURL) {
		return false
	}
	return !strings.Contains(strings.ToLower(u.Path), "/unsubscribe")
}
