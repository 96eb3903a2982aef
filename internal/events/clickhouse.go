package events

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/models"
)

// Mirror writes a reporting copy of each event to ClickHouse. Postgres is
// the system of record; mirror failures are logged and never surface to the
// request path.
type Mirror struct {
	DB *sql.DB
}

// InitMirror connects to ClickHouse and ensures the events table exists.
// An empty DSN disables the mirror.
func InitMirror(dsn string) (*Mirror, error) {
	if dsn == "" {
		return nil, nil
	}
	chDB, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	chDB.SetMaxOpenConns(10)
	if err := chDB.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS events (
       timestamp         DateTime,
       event_id          String,
       session_id        String,
       campaign_id       String,
       event_type        String,
       host              String,
       path              String,
       country           Nullable(String),
       region            Nullable(String),
       city              Nullable(String),
       device            Nullable(String),
       browser           Nullable(String),
       os                Nullable(String),
       colo              Nullable(String),
       landing_page      Nullable(String),
       landing_page_mode Nullable(String),
       destination_id    Nullable(String),
       platform_id       Nullable(String),
       impression_id     Nullable(String),
       click_id          Nullable(String),
       payout            Float64
   ) ENGINE=MergeTree() ORDER BY (campaign_id, timestamp)`
	if _, err := chDB.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return &Mirror{DB: chDB}, nil
}

// Record inserts one reporting row. Nil receivers are no-ops so callers
// never branch on whether the mirror is configured.
func (m *Mirror) Record(ctx context.Context, ev *models.Event) {
	if m == nil || m.DB == nil {
		return
	}
	_, err := m.DB.ExecContext(ctx, `INSERT INTO events (
        timestamp, event_id, session_id, campaign_id, event_type,
        host, path, country, region, city, device, browser, os, colo,
        landing_page, landing_page_mode, destination_id, platform_id,
        impression_id, click_id, payout
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.Timestamp, ev.EventID, ev.SessionID, ev.CampaignID, eventType(ev),
		ev.Host, ev.Path, ev.Country, ev.Region, ev.City,
		ev.Device, ev.Browser, ev.OS, ev.Colo,
		ev.LandingPage, ev.LandingPageMode, ev.DestinationID, ev.PlatformID,
		ev.ImpressionID, ev.ClickID, ev.Payout)
	if err != nil {
		zap.L().Warn("clickhouse mirror insert failed",
			zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

// Close terminates the ClickHouse connection.
func (m *Mirror) Close() {
	if m != nil && m.DB != nil {
		_ = m.DB.Close()
	}
}

func eventType(ev *models.Event) string {
	switch {
	case ev.IsConversion:
		return "conversion"
	case ev.IsImpression && ev.IsClick:
		return "impression_click"
	case ev.IsClick:
		return "click"
	default:
		return "impression"
	}
}
