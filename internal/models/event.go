package models

import "time"

// Event mirrors a row in the events table. One row can represent an
// impression, a click, a conversion, or — for redirect-mode campaigns — a
// conjoined impression+click under a single event ID.
type Event struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`

	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name,omitempty"`
	SiteName     string `json:"site_name,omitempty"`

	IsImpression bool `json:"is_impression"`
	IsClick      bool `json:"is_click"`
	IsConversion bool `json:"is_conversion"`

	Host     string            `json:"host"`
	Path     string            `json:"path"`
	Query    map[string]string `json:"query,omitempty"`
	Referrer string            `json:"referrer,omitempty"`
	IsEmbed  bool              `json:"is_embed"`

	IP           string  `json:"ip"`
	Org          string  `json:"org,omitempty"`
	ASN          uint    `json:"asn,omitempty"`
	Colo         string  `json:"colo,omitempty"`
	Country      string  `json:"country,omitempty"`
	Region       string  `json:"region,omitempty"`
	RegionCode   string  `json:"region_code,omitempty"`
	City         string  `json:"city,omitempty"`
	Continent    string  `json:"continent,omitempty"`
	Lat          float64 `json:"lat,omitempty"`
	Lon          float64 `json:"lon,omitempty"`
	Timezone     string  `json:"timezone,omitempty"`
	Postal       string  `json:"postal,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty"`
	Device       string  `json:"device,omitempty"`
	Browser      string  `json:"browser,omitempty"`
	BrowserVer   string  `json:"browser_version,omitempty"`
	OS           string  `json:"os,omitempty"`
	OSVersion    string  `json:"os_version,omitempty"`
	Brand        string  `json:"brand,omitempty"`
	Model        string  `json:"model,omitempty"`
	Arch         string  `json:"arch,omitempty"`
	BotScore     int     `json:"bot_score,omitempty"`
	TrustScore   int     `json:"trust_score,omitempty"`
	VerifiedBot  bool    `json:"verified_bot,omitempty"`
	HTTPProtocol string  `json:"http_protocol,omitempty"`
	TLSVersion   string  `json:"tls_version,omitempty"`
	TLSCipher    string  `json:"tls_cipher,omitempty"`

	LandingPage     string   `json:"landing_page,omitempty"`
	LandingPageMode string   `json:"landing_page_mode,omitempty"`
	DestinationURL  string   `json:"destination_url,omitempty"`
	DestinationID   string   `json:"destination_id,omitempty"`
	MatchedFlags    []string `json:"matched_flags,omitempty"`

	PlatformID      string `json:"platform_id,omitempty"`
	PlatformName    string `json:"platform_name,omitempty"`
	PlatformClickID string `json:"platform_click_id,omitempty"`

	ImpressionID   string            `json:"impression_id,omitempty"`
	ClickID        string            `json:"click_id,omitempty"`
	Payout         float64           `json:"payout,omitempty"`
	ConversionType string            `json:"conversion_type,omitempty"`
	PostbackData   map[string]string `json:"postback_data,omitempty"`
}

// NewEventFromContext assembles the context-derived columns of an event row.
// Identity, action and linkage fields are set by the caller.
func NewEventFromContext(ctx *RequestContext) Event {
	return Event{
		Timestamp:    time.Now().UTC(),
		SessionID:    ctx.SessionID,
		Host:         ctx.Host,
		Path:         ctx.Path,
		Query:        ctx.Query,
		Referrer:     ctx.Referrer,
		IsEmbed:      ctx.IsEmbed,
		IP:           ctx.IP,
		Org:          ctx.Org,
		ASN:          ctx.Edge.ASN,
		Colo:         ctx.Edge.Colo,
		Country:      ctx.Geo.Country,
		Region:       ctx.Geo.Region,
		RegionCode:   ctx.Geo.RegionCode,
		City:         ctx.Geo.City,
		Continent:    ctx.Geo.Continent,
		Lat:          ctx.Geo.Lat,
		Lon:          ctx.Geo.Lon,
		Timezone:     ctx.Geo.Timezone,
		Postal:       ctx.Geo.Postal,
		UserAgent:    ctx.UA.Raw,
		Device:       ctx.UA.Device,
		Browser:      ctx.UA.Browser,
		BrowserVer:   ctx.UA.BrowserVersion,
		OS:           ctx.UA.OS,
		OSVersion:    ctx.UA.OSVersion,
		Brand:        ctx.UA.Brand,
		Model:        ctx.UA.Model,
		Arch:         ctx.UA.Arch,
		BotScore:     ctx.Edge.BotScore,
		TrustScore:   ctx.Edge.TrustScore,
		VerifiedBot:  ctx.Edge.VerifiedBot,
		HTTPProtocol: ctx.Edge.HTTPProtocol,
		TLSVersion:   ctx.Edge.TLSVersion,
		TLSCipher:    ctx.Edge.TLSCipher,
		ImpressionID: ctx.ImpressionID,
	}
}

// Enrichment carries the best-effort browser signals posted to /t/enrich.
type Enrichment struct {
	ImpressionID string `json:"impressionId"`
	Screen       string `json:"screen,omitempty"`
	DPR          string `json:"dpr,omitempty"`
	GPU          string `json:"gpu,omitempty"`
	TZ           string `json:"tz,omitempty"`
	Model        string `json:"model,omitempty"`
	OSVersion    string `json:"osVersion,omitempty"`
	Arch         string `json:"arch,omitempty"`
}

// Platform is the cached campaign→platform attribution record.
type Platform struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ClickIDParam string `json:"click_id_param"`
}
