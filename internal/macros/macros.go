package macros

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/offerpath/dispatch/internal/models"
)

// Values is the per-request macro table, keyed by lowercase token name. It
// is materialized once per request and never mutated during expansion.
type Values map[string]string

var (
	tokenRe   = regexp.MustCompile(`\{\{([^{}!][^{}]*)\}\}`)
	escapeRe  = regexp.MustCompile(`\{\{!([^{}]+)\}\}`)
	queryKeyRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// Params carries the identity fields that join the request context in the
// macro table.
type Params struct {
	CampaignID   string
	CampaignName string
	SiteName     string
	ClickID      string
	ImpressionID string
	Platform     *models.Platform
	PlatformClickID string
	// Variables merges bundle-level then rule-level variables; rule wins.
	Variables map[string]string
}

// FromContext materializes the macro table for one request.
func FromContext(ctx *models.RequestContext, p Params) Values {
	v := Values{
		"user.ip":              ctx.IP,
		"user.city":            ctx.Geo.City,
		"user.country":         ctx.Geo.Country,
		"user.continent":       ctx.Geo.Continent,
		"user.region":          ctx.Geo.Region,
		"user.regioncode":      ctx.Geo.RegionCode,
		"user.postalcode":      ctx.Geo.Postal,
		"user.lat":             formatFloat(ctx.Geo.Lat),
		"user.long":            formatFloat(ctx.Geo.Lon),
		"user.timezone":        ctx.Geo.Timezone,
		"user.device":          ctx.UA.Device,
		"user.browser":         ctx.UA.Browser,
		"user.browserversion":  ctx.UA.BrowserVersion,
		"user.os":              ctx.UA.OS,
		"user.osversion":       ctx.UA.OSVersion,
		"user.brand":           ctx.UA.Brand,
		"user.model":           ctx.UA.Model,
		"user.arch":            ctx.UA.Arch,
		"user.bot_score":       strconv.Itoa(ctx.Edge.BotScore),
		"user.threat_score":    strconv.Itoa(ctx.Edge.TrustScore),
		"user.is_verified_bot": strconv.FormatBool(ctx.Edge.VerifiedBot),
		"user.organization":    ctx.Org,
		"user.referrer":        ctx.Referrer,
		"user.colo":            ctx.Edge.Colo,
		"user.colo.name":       ctx.Edge.Colo,
		"user.colo.city":       ctx.Geo.City,
		"user.colo.country":    ctx.Geo.Country,
		"user.colo.region":     ctx.Geo.Region,
		"user.asn":             strconv.FormatUint(uint64(ctx.Edge.ASN), 10),
		"request.domain":       ctx.Host,
		"request.path":         ctx.Path,
		"campaign.id":          p.CampaignID,
		"campaign.name":        p.CampaignName,
		"site.name":            p.SiteName,
		"click.id":             p.ClickID,
		"impression.id":        p.ImpressionID,
		"session.id":           ctx.SessionID,
	}
	for k, q := range ctx.Query {
		v["query."+sanitizeQueryKey(k)] = q
	}
	if p.Platform != nil {
		v["platform.id"] = p.Platform.ID
		v["platform.name"] = p.Platform.Name
	}
	v["platform.click_id"] = p.PlatformClickID
	for k, val := range p.Variables {
		v[strings.ToLower(k)] = val
	}
	return v
}

// sanitizeQueryKey maps a raw query key onto its macro name: every
// character outside [a-zA-Z0-9_] becomes an underscore.
func sanitizeQueryKey(k string) string {
	return strings.ToLower(queryKeyRe.ReplaceAllString(k, "_"))
}

func formatFloat(f float64) string {
	if f == 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ExpandHTML expands tokens inserting raw values, for HTML and CSS bodies.
func (v Values) ExpandHTML(s string) string {
	return v.expand(s, false)
}

// ExpandURL expands tokens percent-encoding each substituted value, for
// redirect and click destinations.
func (v Values) ExpandURL(s string) string {
	return v.expand(s, true)
}

// expand protects {{!x}} escapes behind placeholders, substitutes known
// tokens case-insensitively, leaves unknown tokens verbatim, then restores
// escapes as literal {{x}}.
func (v Values) expand(s string, encode bool) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	var escaped []string
	s = escapeRe.ReplaceAllStringFunc(s, func(m string) string {
		name := escapeRe.FindStringSubmatch(m)[1]
		escaped = append(escaped, name)
		return fmt.Sprintf("\x00esc:%d\x00", len(escaped)-1)
	})

	s = tokenRe.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.ToLower(strings.TrimSpace(tokenRe.FindStringSubmatch(m)[1]))
		val, ok := v[name]
		if !ok {
			return m
		}
		if encode {
			return url.QueryEscape(val)
		}
		return val
	})

	for i, name := range escaped {
		s = strings.Replace(s, fmt.Sprintf("\x00esc:%d\x00", i), "{{"+name+"}}", 1)
	}
	return s
}
