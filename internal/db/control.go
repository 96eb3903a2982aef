package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/offerpath/dispatch/internal/models"
)

// ErrNoRows is returned when a control-plane lookup finds nothing.
var ErrNoRows = errors.New("db: no rows")

// Destination is one row of the destinations table.
type Destination struct {
	ID        string
	URL       string
	UpdatedAt time.Time
}

// GetDestination fetches an active destination row by ID. Paused or deleted
// destinations look like misses so selection skips them.
func (p *Postgres) GetDestination(ctx context.Context, id string) (*Destination, error) {
	var d Destination
	err := p.DB.QueryRowContext(ctx,
		`SELECT id, url, updated_at FROM destinations WHERE id = $1 AND status = 'active'`, id).
		Scan(&d.ID, &d.URL, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("query destination %s: %w", id, err)
	}
	return &d, nil
}

// DestinationUpdatedAt fetches only the freshness column, for the cache's
// cheap revalidation probe.
func (p *Postgres) DestinationUpdatedAt(ctx context.Context, id string) (time.Time, error) {
	var t time.Time
	err := p.DB.QueryRowContext(ctx,
		`SELECT updated_at FROM destinations WHERE id = $1`, id).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoRows
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query destination updated_at %s: %w", id, err)
	}
	return t, nil
}

// GetPlatformForCampaign resolves the attribution platform of a campaign.
func (p *Postgres) GetPlatformForCampaign(ctx context.Context, campaignID string) (*models.Platform, error) {
	var pl models.Platform
	err := p.DB.QueryRowContext(ctx,
		`SELECT pl.id, pl.name, pl.click_id_param
		   FROM campaigns c JOIN platforms pl ON pl.id = c.platform_id
		  WHERE c.id = $1`, campaignID).
		Scan(&pl.ID, &pl.Name, &pl.ClickIDParam)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("query platform for campaign %s: %w", campaignID, err)
	}
	return &pl, nil
}

// UserIDForCampaign resolves the owning user of a campaign, for the hosted
// server's drive namespace.
func (p *Postgres) UserIDForCampaign(ctx context.Context, campaignID string) (string, error) {
	var userID sql.NullString
	err := p.DB.QueryRowContext(ctx,
		`SELECT user_id FROM campaigns WHERE id = $1`, campaignID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRows
	}
	if err != nil {
		return "", fmt.Errorf("query user for campaign %s: %w", campaignID, err)
	}
	return userID.String, nil
}
