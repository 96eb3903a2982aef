package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/offerpath/dispatch/internal/db"
	"github.com/offerpath/dispatch/internal/models"
)

// ErrNotFound is returned by lookups that find no matching event row.
var ErrNotFound = errors.New("events: not found")

// Store is the event persistence interface the emitter and handlers use.
type Store interface {
	Insert(ctx context.Context, ev *models.Event) error
	Enrich(ctx context.Context, e *models.Enrichment) error
	GetClick(ctx context.Context, eventID string) (*models.Event, error)
	GetLandingPageFromImpression(ctx context.Context, impressionID string) (*ImpressionRef, error)
}

// ImpressionRef is the slice of an impression row the click-out path needs.
type ImpressionRef struct {
	LandingPage     string
	LandingPageMode string
	Query           map[string]string
}

// PGStore persists events in Postgres. Inserts are idempotent on event_id
// so retried beacons never double-count.
type PGStore struct {
	pg *db.Postgres
}

// NewPGStore wraps an initialized Postgres connection.
func NewPGStore(pg *db.Postgres) *PGStore {
	return &PGStore{pg: pg}
}

const insertSQL = `INSERT INTO events (
    event_id, ts, session_id, campaign_id, campaign_name, site_name,
    is_impression, is_click, is_conversion,
    host, path, query, referrer, is_embed,
    ip, org, asn, colo,
    country, region, region_code, city, continent, lat, lon, timezone, postal,
    user_agent, device, browser, browser_version, os, os_version, brand, model, arch,
    bot_score, trust_score, verified_bot, http_protocol, tls_version, tls_cipher,
    landing_page, landing_page_mode, destination_url, destination_id, matched_flags,
    platform_id, platform_name, platform_click_id,
    impression_id, click_id, payout, conversion_type, postback_data
) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
    $21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37,$38,
    $39,$40,$41,$42,$43,$44,$45,$46,$47,$48,$49,$50,$51,$52,$53,$54,$55
) ON CONFLICT (event_id) DO NOTHING`

// Insert writes one event row. A duplicate event_id is a silent no-op.
func (s *PGStore) Insert(ctx context.Context, ev *models.Event) error {
	query, err := json.Marshal(ev.Query)
	if err != nil {
		return fmt.Errorf("marshal query params: %w", err)
	}
	var postback []byte
	if len(ev.PostbackData) > 0 {
		if postback, err = json.Marshal(ev.PostbackData); err != nil {
			return fmt.Errorf("marshal postback data: %w", err)
		}
	}

	_, err = s.pg.DB.ExecContext(ctx, insertSQL,
		ev.EventID, ev.Timestamp, ev.SessionID, ev.CampaignID, ev.CampaignName, ev.SiteName,
		ev.IsImpression, ev.IsClick, ev.IsConversion,
		ev.Host, ev.Path, query, ev.Referrer, ev.IsEmbed,
		ev.IP, ev.Org, int64(ev.ASN), ev.Colo,
		ev.Country, ev.Region, ev.RegionCode, ev.City, ev.Continent,
		ev.Lat, ev.Lon, ev.Timezone, ev.Postal,
		ev.UserAgent, ev.Device, ev.Browser, ev.BrowserVer,
		ev.OS, ev.OSVersion, ev.Brand, ev.Model, ev.Arch,
		ev.BotScore, ev.TrustScore, ev.VerifiedBot,
		ev.HTTPProtocol, ev.TLSVersion, ev.TLSCipher,
		ev.LandingPage, ev.LandingPageMode, ev.DestinationURL, ev.DestinationID,
		pq.Array(ev.MatchedFlags),
		ev.PlatformID, ev.PlatformName, ev.PlatformClickID,
		ev.ImpressionID, ev.ClickID, ev.Payout, ev.ConversionType, postback,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// Enrich backfills browser-reported signals onto the impression row. Rows
// that already carry a value keep it; late beacons never clobber.
func (s *PGStore) Enrich(ctx context.Context, e *models.Enrichment) error {
	_, err := s.pg.DB.ExecContext(ctx, `UPDATE events SET
        screen     = COALESCE(NULLIF(screen, ''), $2),
        dpr        = COALESCE(NULLIF(dpr, ''), $3),
        gpu        = COALESCE(NULLIF(gpu, ''), $4),
        timezone   = COALESCE(NULLIF(timezone, ''), $5),
        model      = COALESCE(NULLIF(model, ''), $6),
        os_version = COALESCE(NULLIF(os_version, ''), $7),
        arch       = COALESCE(NULLIF(arch, ''), $8)
      WHERE impression_id = $1`,
		e.ImpressionID, e.Screen, e.DPR, e.GPU, e.TZ, e.Model, e.OSVersion, e.Arch)
	if err != nil {
		return fmt.Errorf("enrich impression %s: %w", e.ImpressionID, err)
	}
	return nil
}

// GetClick fetches the click row a postback refers to.
func (s *PGStore) GetClick(ctx context.Context, eventID string) (*models.Event, error) {
	var ev models.Event
	var query []byte
	err := s.pg.DB.QueryRowContext(ctx,
		`SELECT event_id, session_id, campaign_id, campaign_name, site_name,
                host, path, query, ip, country, impression_id,
                platform_id, platform_name, platform_click_id
           FROM events WHERE event_id = $1 AND is_click`, eventID).
		Scan(&ev.EventID, &ev.SessionID, &ev.CampaignID, &ev.CampaignName, &ev.SiteName,
			&ev.Host, &ev.Path, &query, &ev.IP, &ev.Country, &ev.ImpressionID,
			&ev.PlatformID, &ev.PlatformName, &ev.PlatformClickID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query click %s: %w", eventID, err)
	}
	if len(query) > 0 {
		_ = json.Unmarshal(query, &ev.Query)
	}
	ev.IsClick = true
	return &ev, nil
}

// GetLandingPageFromImpression recovers the landing page, mode and original
// query of a prior impression so click-outs inherit the first-touch params.
func (s *PGStore) GetLandingPageFromImpression(ctx context.Context, impressionID string) (*ImpressionRef, error) {
	var ref ImpressionRef
	var query []byte
	err := s.pg.DB.QueryRowContext(ctx,
		`SELECT landing_page, landing_page_mode, query
           FROM events
          WHERE impression_id = $1 AND is_impression
          ORDER BY ts DESC LIMIT 1`, impressionID).
		Scan(&ref.LandingPage, &ref.LandingPageMode, &query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query impression %s: %w", impressionID, err)
	}
	if len(query) > 0 {
		_ = json.Unmarshal(query, &ref.Query)
	}
	return &ref, nil
}
