package proxy

import (
	"net/url"
	"regexp"
	"strings"
)

var cssURLRe = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)

// RewriteCSS absolutizes every url(...) reference in a stylesheet or inline
// style against base.
func RewriteCSS(css string, base *url.URL, mapURL URLMapper) string {
	if mapURL == nil {
		mapURL = func(s string) string { return s }
	}
	return cssURLRe.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssURLRe.FindStringSubmatch(m)
		quoteOpen, ref, quoteClose := sub[1], sub[2], sub[3]
		return "url(" + quoteOpen + absolutize(strings.TrimSpace(ref), base, mapURL) + quoteClose + ")"
	})
}
