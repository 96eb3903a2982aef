package enrich

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/offerpath/dispatch/internal/geoip"
	"github.com/offerpath/dispatch/internal/models"
)

// Enricher builds the normalized per-request context from the raw HTTP
// request plus the transport-supplied metadata headers. Geo falls back to a
// local MaxMind lookup when the edge did not annotate the request.
type Enricher struct {
	Geo *geoip.GeoIP
}

// New constructs an Enricher. geo may be nil.
func New(geo *geoip.GeoIP) *Enricher {
	return &Enricher{Geo: geo}
}

// IsPrefetch reports whether the request is a prefetch or prerender probe.
// Those are answered 204 with no body and never enter rule matching.
func IsPrefetch(r *http.Request) bool {
	for _, h := range []string{"Sec-Purpose", "Purpose"} {
		v := strings.ToLower(r.Header.Get(h))
		if strings.Contains(v, "prefetch") || strings.Contains(v, "prerender") {
			return true
		}
	}
	return false
}

// FromRequest produces the RequestContext for a dispatch request.
func (e *Enricher) FromRequest(r *http.Request) *models.RequestContext {
	ctx := &models.RequestContext{
		Host:     requestHost(r),
		Path:     r.URL.Path,
		Query:    flattenQuery(r.URL.Query()),
		Headers:  lowercaseHeaders(r.Header),
		Referrer: r.Referer(),
	}
	ctx.HeaderOrder = headerOrder(r)
	ctx.IP = clientIP(r)
	ctx.Edge = edgeMeta(r)
	ctx.Org = ctx.Edge.ASOrg
	ctx.Geo = e.geo(r, ctx.IP)

	ua := uasurfer.Parse(r.UserAgent())
	ctx.UA = userAgent(r.UserAgent(), ua)
	applyClientHints(r, &ctx.UA)

	ctx.IsBot = botVerdict(ua, ctx.Edge)
	ctx.SessionID = SessionID(ctx)
	return ctx
}

// ApplyEmbedURL rewrites the context as if the request had been made for the
// page given in a /track.js?url= parameter. The original host, path and
// query are replaced wholesale.
func ApplyEmbedURL(ctx *models.RequestContext, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse embed url: %w", err)
	}
	if u.Host == "" || !strings.HasPrefix(u.Scheme, "http") {
		return fmt.Errorf("embed url must be absolute: %q", raw)
	}
	ctx.Host = u.Host
	ctx.Path = u.Path
	if ctx.Path == "" {
		ctx.Path = "/"
	}
	ctx.Query = flattenQuery(u.Query())
	ctx.IsEmbed = true
	return nil
}

func requestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func flattenQuery(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

func lowercaseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			out[strings.ToLower(k)] = vals[0]
		}
	}
	return out
}

// probeOrder is the canonical header sequence used to reconstruct an
// arrival-order fingerprint when the edge does not forward one. net/http
// stores headers in a map, so true wire order is only available from the
// X-Header-Order annotation.
var probeOrder = []string{
	"Host", "Connection", "Cache-Control", "Sec-Ch-Ua", "Sec-Ch-Ua-Mobile",
	"Sec-Ch-Ua-Platform", "Upgrade-Insecure-Requests", "User-Agent", "Accept",
	"Sec-Fetch-Site", "Sec-Fetch-Mode", "Sec-Fetch-User", "Sec-Fetch-Dest",
	"Referer", "Accept-Encoding", "Accept-Language", "Cookie",
}

func headerOrder(r *http.Request) []string {
	if v := r.Header.Get("X-Header-Order"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	var order []string
	for _, name := range probeOrder {
		if name == "Host" {
			order = append(order, name)
			continue
		}
		if r.Header.Get(name) != "" {
			order = append(order, name)
		}
	}
	return order
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("Cf-Connecting-Ip"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func edgeMeta(r *http.Request) models.EdgeMeta {
	m := models.EdgeMeta{
		ASOrg:        r.Header.Get("Cf-Asorganization"),
		Colo:         r.Header.Get("Cf-Colo"),
		HTTPProtocol: r.Header.Get("Cf-Http-Protocol"),
		TLSVersion:   r.Header.Get("Cf-Tls-Version"),
		TLSCipher:    r.Header.Get("Cf-Tls-Cipher"),
	}
	if m.HTTPProtocol == "" {
		m.HTTPProtocol = r.Proto
	}
	if v, err := strconv.ParseUint(r.Header.Get("Cf-Asn"), 10, 32); err == nil {
		m.ASN = uint(v)
	}
	// Missing scores stay at the neutral sentinel so absent metadata never
	// trips the bot verdict.
	m.BotScore = headerInt(r, "Cf-Bot-Score", -1)
	m.TrustScore = headerInt(r, "Cf-Trust-Score", -1)
	m.VerifiedBot = strings.EqualFold(r.Header.Get("Cf-Verified-Bot"), "true")
	return m
}

func headerInt(r *http.Request, name string, def int) int {
	v := r.Header.Get(name)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func (e *Enricher) geo(r *http.Request, ip string) models.Geo {
	geo := models.Geo{
		Country:    r.Header.Get("Cf-Ipcountry"),
		Region:     r.Header.Get("Cf-Region"),
		RegionCode: r.Header.Get("Cf-Region-Code"),
		City:       r.Header.Get("Cf-Ipcity"),
		Continent:  r.Header.Get("Cf-Ipcontinent"),
		Timezone:   r.Header.Get("Cf-Timezone"),
		Postal:     r.Header.Get("Cf-Postal-Code"),
	}
	if v, err := strconv.ParseFloat(r.Header.Get("Cf-Iplatitude"), 64); err == nil {
		geo.Lat = v
	}
	if v, err := strconv.ParseFloat(r.Header.Get("Cf-Iplongitude"), 64); err == nil {
		geo.Lon = v
	}
	if geo.Country == "" && e != nil {
		geo = e.Geo.Lookup(ip)
	}
	return geo
}

func userAgent(raw string, u *uasurfer.UserAgent) models.UserAgent {
	var device string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		device = "desktop"
	case uasurfer.DevicePhone:
		device = "mobile"
	case uasurfer.DeviceTablet:
		device = "tablet"
	default:
		device = "other"
	}

	osv := u.OS.Version
	bv := u.Browser.Version

	return models.UserAgent{
		Browser:        strings.TrimPrefix(u.Browser.Name.String(), "Browser"),
		BrowserVersion: fmt.Sprintf("%d.%d.%d", bv.Major, bv.Minor, bv.Patch),
		OS:             strings.TrimPrefix(u.OS.Name.String(), "OS"),
		OSVersion:      fmt.Sprintf("%d.%d.%d", osv.Major, osv.Minor, osv.Patch),
		Device:         device,
		Raw:            raw,
	}
}

// applyClientHints overrides UA-derived fields with Client Hints when the
// browser supplied them. Hints are authoritative where UA strings are frozen.
func applyClientHints(r *http.Request, ua *models.UserAgent) {
	if v := r.Header.Get("Sec-Ch-Ua"); v != "" {
		if name, ver := parseBrandList(v); name != "" {
			ua.Browser = name
			if ver != "" {
				ua.BrowserVersion = ver
			}
		}
	}
	if v := unquote(r.Header.Get("Sec-Ch-Ua-Platform")); v != "" {
		ua.OS = v
	}
	if v := unquote(r.Header.Get("Sec-Ch-Ua-Platform-Version")); v != "" {
		ua.OSVersion = v
	}
	if v := r.Header.Get("Sec-Ch-Ua-Mobile"); v != "" {
		if v == "?1" {
			ua.Device = "mobile"
		} else if ua.Device == "other" {
			ua.Device = "desktop"
		}
	}
	if v := unquote(r.Header.Get("Sec-Ch-Ua-Model")); v != "" {
		ua.Model = v
		ua.Brand = brandFromModel(v)
	}
	if v := unquote(r.Header.Get("Sec-Ch-Ua-Arch")); v != "" {
		ua.Arch = v
	}
}

// parseBrandList picks the first non-placeholder brand out of a Sec-CH-UA
// value like `"Chromium";v="124", "Not-A.Brand";v="99"`.
func parseBrandList(v string) (name, version string) {
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		parts := strings.SplitN(entry, ";", 2)
		brand := unquote(strings.TrimSpace(parts[0]))
		if brand == "" || strings.Contains(strings.ToLower(brand), "brand") {
			continue
		}
		var ver string
		if len(parts) == 2 {
			ver = unquote(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[1]), "v=")))
		}
		return brand, ver
	}
	return "", ""
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}

func brandFromModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "sm-"), strings.Contains(m, "samsung"):
		return "Samsung"
	case strings.HasPrefix(m, "pixel"):
		return "Google"
	case strings.Contains(m, "iphone"), strings.Contains(m, "ipad"):
		return "Apple"
	case strings.HasPrefix(m, "moto"):
		return "Motorola"
	case strings.HasPrefix(m, "oneplus"):
		return "OnePlus"
	}
	return ""
}

// botVerdict is the OR of the UA heuristic and the edge-supplied signals.
func botVerdict(u *uasurfer.UserAgent, edge models.EdgeMeta) bool {
	if u.IsBot() {
		return true
	}
	if edge.VerifiedBot {
		return true
	}
	if edge.BotScore >= 0 && edge.BotScore < 30 {
		return true
	}
	if edge.TrustScore > 50 {
		return true
	}
	return false
}
