package proxy

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// URLMapper transforms an already-absolutized URL. The identity mapper is
// used for plain proxying; /proxy-session wraps URLs back through itself.
type URLMapper func(abs string) string

// urlAttrs maps each rewritten tag to the attributes carrying URLs.
var urlAttrs = map[string][]string{
	"a":      {"href"},
	"link":   {"href"},
	"area":   {"href"},
	"iframe": {"src"},
	"form":   {"action"},
	"embed":  {"src"},
	"img":    {"src", "srcset"},
	"script": {"src"},
	"video":  {"src", "poster"},
	"audio":  {"src"},
	"source": {"src", "srcset"},
}

// RewriteHTML streams HTML from r to w, absolutizing every URL-bearing
// attribute against base, rewriting srcset lists, url(...) occurrences in
// inline style attributes and <style> blocks, and passing everything else
// through untouched.
func RewriteHTML(w io.Writer, r io.Reader, base *url.URL, mapURL URLMapper) error {
	if mapURL == nil {
		mapURL = func(s string) string { return s }
	}
	z := html.NewTokenizer(r)
	inStyle := false
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return nil
			}
			return z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			rewriteToken(&tok, base, mapURL)
			if tok.Data == "style" && tt == html.StartTagToken {
				inStyle = true
			}
			if _, err := io.WriteString(w, tok.String()); err != nil {
				return err
			}
		case html.EndTagToken:
			tok := z.Token()
			if tok.Data == "style" {
				inStyle = false
			}
			if _, err := w.Write(z.Raw()); err != nil {
				return err
			}
		case html.TextToken:
			raw := z.Raw()
			if inStyle {
				if _, err := io.WriteString(w, RewriteCSS(string(raw), base, mapURL)); err != nil {
					return err
				}
				continue
			}
			if _, err := w.Write(raw); err != nil {
				return err
			}
		default:
			if _, err := w.Write(z.Raw()); err != nil {
				return err
			}
		}
	}
}

func rewriteToken(tok *html.Token, base *url.URL, mapURL URLMapper) {
	attrs, ok := urlAttrs[tok.Data]
	if !ok && !hasStyleAttr(tok) {
		return
	}
	for i, a := range tok.Attr {
		if a.Namespace != "" {
			continue
		}
		switch {
		case a.Key == "style":
			tok.Attr[i].Val = RewriteCSS(a.Val, base, mapURL)
		case containsAttr(attrs, a.Key):
			if a.Key == "srcset" {
				tok.Attr[i].Val = rewriteSrcset(a.Val, base, mapURL)
			} else {
				tok.Attr[i].Val = absolutize(a.Val, base, mapURL)
			}
		}
	}
}

func hasStyleAttr(tok *html.Token) bool {
	for _, a := range tok.Attr {
		if a.Key == "style" {
			return true
		}
	}
	return false
}

func containsAttr(attrs []string, key string) bool {
	for _, a := range attrs {
		if a == key {
			return true
		}
	}
	return false
}

// absolutize resolves ref against base and applies the mapper. Fragment,
// data, javascript and mailto references pass through unchanged.
func absolutize(ref string, base *url.URL, mapURL URLMapper) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ref
	}
	lower := strings.ToLower(trimmed)
	for _, scheme := range []string{"data:", "javascript:", "mailto:", "tel:", "blob:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return ref
		}
	}
	u, err := base.Parse(trimmed)
	if err != nil {
		return ref
	}
	return mapURL(u.String())
}

// rewriteSrcset parses a srcset list ("url 2x, url 640w") and absolutizes
// each candidate URL, keeping descriptors intact.
func rewriteSrcset(val string, base *url.URL, mapURL URLMapper) string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		fields[0] = absolutize(fields[0], base, mapURL)
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}
