package enrich

import (
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/offerpath/dispatch/internal/models"
)

// headerOrderLimit bounds how many header names feed the order fingerprint.
const headerOrderLimit = 15

// SessionID derives the stable 8-character base36 browser fingerprint from
// the context. The input is a fixed-order concatenation of features that do
// not change between requests from the same browser, digested with FNV-1a.
func SessionID(ctx *models.RequestContext) string {
	parts := []string{
		ctx.IP,
		ctx.Edge.TLSCipher,
		ctx.Edge.HTTPProtocol,
		ctx.UA.Raw,
		HeaderOrderFingerprint(ctx.HeaderOrder),
		ctx.Header("accept"),
		ctx.Header("accept-language"),
		ctx.Header("accept-encoding"),
		ctx.Header("sec-ch-ua"),
		ctx.Header("sec-ch-ua-platform"),
		ctx.Header("sec-ch-ua-mobile"),
		ctx.Header("connection"),
		ctx.Header("upgrade-insecure-requests"),
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
	return base36Digest(h.Sum64())
}

// HeaderOrderFingerprint reduces the arrival order of header names to a
// stable string: first headerOrderLimit names, lowercased, proxy-injected
// headers removed, comma-joined.
func HeaderOrderFingerprint(order []string) string {
	names := make([]string, 0, headerOrderLimit)
	for _, name := range order {
		n := strings.ToLower(name)
		if strings.HasPrefix(n, "cf-") || n == "x-forwarded-for" || n == "x-real-ip" {
			continue
		}
		names = append(names, n)
		if len(names) == headerOrderLimit {
			break
		}
	}
	return strings.Join(names, ",")
}

// base36Digest renders the hash as exactly 8 base36 characters.
func base36Digest(sum uint64) string {
	s := strconv.FormatUint(sum, 36)
	if len(s) >= 8 {
		return s[:8]
	}
	return strings.Repeat("0", 8-len(s)) + s
}
