package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/offerpath/dispatch/internal/models"
)

func fingerprintContext() *models.RequestContext {
	return &models.RequestContext{
		IP: "203.0.113.9",
		Edge: models.EdgeMeta{
			TLSCipher:    "AEAD-AES128-GCM-SHA256",
			HTTPProtocol: "HTTP/2",
		},
		UA: models.UserAgent{Raw: "Mozilla/5.0 (Macintosh) Chrome/124.0"},
		HeaderOrder: []string{
			"Host", "Connection", "User-Agent", "Accept", "Accept-Language",
		},
		Headers: map[string]string{
			"accept":          "text/html",
			"accept-language": "en-US,en;q=0.9",
			"accept-encoding": "gzip, deflate, br",
			"sec-ch-ua":       `"Chromium";v="124"`,
			"connection":      "keep-alive",
		},
	}
}

func TestSessionIDDeterministic(t *testing.T) {
	a := SessionID(fingerprintContext())
	b := SessionID(fingerprintContext())
	assert.Equal(t, a, b)
}

func TestSessionIDFormat(t *testing.T) {
	id := SessionID(fingerprintContext())
	assert.Len(t, id, 8)
	for _, c := range id {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z'), "char %q", c)
	}
}

func TestSessionIDChangesWithBrowserFeatures(t *testing.T) {
	base := SessionID(fingerprintContext())

	ctx := fingerprintContext()
	ctx.UA.Raw = "Mozilla/5.0 (Windows NT 10.0) Firefox/126.0"
	assert.NotEqual(t, base, SessionID(ctx))

	ctx = fingerprintContext()
	ctx.Headers["accept-language"] = "de-DE,de;q=0.9"
	assert.NotEqual(t, base, SessionID(ctx))
}

func TestHeaderOrderIgnoresProxyHeaders(t *testing.T) {
	base := fingerprintContext()

	withProxy := fingerprintContext()
	withProxy.HeaderOrder = []string{
		"Host", "Cf-Connecting-Ip", "Connection", "X-Forwarded-For",
		"User-Agent", "X-Real-Ip", "Accept", "Accept-Language",
	}

	assert.Equal(t, SessionID(base), SessionID(withProxy))
}

func TestHeaderOrderFingerprint(t *testing.T) {
	got := HeaderOrderFingerprint([]string{"Host", "CF-Ray", "User-Agent", "x-forwarded-for", "Accept"})
	assert.Equal(t, "host,user-agent,accept", got)
}

func TestHeaderOrderFingerprintTruncates(t *testing.T) {
	var order []string
	for i := 0; i < 30; i++ {
		order = append(order, "H"+string(rune('a'+i)))
	}
	got := HeaderOrderFingerprint(order)
	assert.Len(t, splitNonEmpty(got), headerOrderLimit)
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
