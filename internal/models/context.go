package models

import "strings"

// UserAgent holds the parsed user agent, optionally overridden by Client
// Hints when the browser supplied them.
type UserAgent struct {
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	Device         string `json:"device"`
	Brand          string `json:"brand"`
	Model          string `json:"model"`
	Arch           string `json:"arch"`
	Raw            string `json:"raw"`
}

// Geo holds per-request geographic enrichment supplied by the TLS
// terminator, with a MaxMind fallback when headers are absent.
type Geo struct {
	Country    string  `json:"country"`
	Region     string  `json:"region"`
	RegionCode string  `json:"region_code"`
	City       string  `json:"city"`
	Continent  string  `json:"continent"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Timezone   string  `json:"timezone"`
	Postal     string  `json:"postal"`
}

// EdgeMeta carries the transport metadata the edge annotates each request
// with: network attribution, TLS parameters and bot scoring.
type EdgeMeta struct {
	ASN          uint   `json:"asn"`
	ASOrg        string `json:"as_org"`
	Colo         string `json:"colo"`
	TrustScore   int    `json:"trust_score"`
	BotScore     int    `json:"bot_score"`
	VerifiedBot  bool   `json:"verified_bot"`
	HTTPProtocol string `json:"http_protocol"`
	TLSVersion   string `json:"tls_version"`
	TLSCipher    string `json:"tls_cipher"`
}

// RequestContext is the immutable per-request record every component
// consumes. SessionID depends only on stable browser features, so two
// requests from the same browser carry the same value.
type RequestContext struct {
	Host         string            `json:"host"`
	Path         string            `json:"path"`
	Query        map[string]string `json:"query"`
	Headers      map[string]string `json:"headers"`
	HeaderOrder  []string          `json:"-"`
	IP           string            `json:"ip"`
	Org          string            `json:"org"`
	Referrer     string            `json:"referrer"`
	IsEmbed      bool              `json:"is_embed"`
	IsBot        bool              `json:"is_bot"`
	SessionID    string            `json:"session_id"`
	ImpressionID string            `json:"impression_id"`
	UA           UserAgent         `json:"ua"`
	Geo          Geo               `json:"geo"`
	Edge         EdgeMeta          `json:"edge"`
}

// Header returns a header value by its canonical lowercase name.
func (c *RequestContext) Header(name string) string {
	return c.Headers[strings.ToLower(name)]
}

// Language returns the primary subtag of Accept-Language, lowercased.
func (c *RequestContext) Language() string {
	al := c.Header("accept-language")
	if al == "" {
		return ""
	}
	if i := strings.IndexAny(al, ",;"); i >= 0 {
		al = al[:i]
	}
	if i := strings.Index(al, "-"); i >= 0 {
		al = al[:i]
	}
	return strings.ToLower(strings.TrimSpace(al))
}
