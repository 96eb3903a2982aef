package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Postgres wraps the control-plane and event-store connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist. The
// control-plane tables (campaigns, destinations, platforms, users) are
// normally managed by the dashboard; the definitions here keep fresh
// environments bootable.
const schemaSQL = `CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    user_id TEXT REFERENCES users(id),
    platform_id TEXT,
    site_name TEXT
);

CREATE TABLE IF NOT EXISTS destinations (
    id TEXT PRIMARY KEY,
    user_id TEXT REFERENCES users(id),
    url TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS platforms (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    click_id_param TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    ts TIMESTAMPTZ NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    campaign_id TEXT NOT NULL,
    campaign_name TEXT,
    site_name TEXT,
    is_impression BOOLEAN NOT NULL DEFAULT FALSE,
    is_click BOOLEAN NOT NULL DEFAULT FALSE,
    is_conversion BOOLEAN NOT NULL DEFAULT FALSE,
    host TEXT,
    path TEXT,
    query JSONB,
    referrer TEXT,
    is_embed BOOLEAN NOT NULL DEFAULT FALSE,
    ip TEXT,
    org TEXT,
    asn BIGINT,
    colo TEXT,
    country TEXT,
    region TEXT,
    region_code TEXT,
    city TEXT,
    continent TEXT,
    lat DOUBLE PRECISION,
    lon DOUBLE PRECISION,
    timezone TEXT,
    postal TEXT,
    user_agent TEXT,
    device TEXT,
    browser TEXT,
    browser_version TEXT,
    os TEXT,
    os_version TEXT,
    brand TEXT,
    model TEXT,
    arch TEXT,
    bot_score INT,
    trust_score INT,
    verified_bot BOOLEAN NOT NULL DEFAULT FALSE,
    http_protocol TEXT,
    tls_version TEXT,
    tls_cipher TEXT,
    landing_page TEXT,
    landing_page_mode TEXT,
    destination_url TEXT,
    destination_id TEXT,
    matched_flags TEXT[],
    platform_id TEXT,
    platform_name TEXT,
    platform_click_id TEXT,
    impression_id TEXT,
    click_id TEXT,
    payout DOUBLE PRECISION,
    conversion_type TEXT,
    postback_data JSONB,
    screen TEXT,
    dpr TEXT,
    gpu TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_impression_id ON events (impression_id) WHERE impression_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_events_session_id ON events (session_id);
CREATE INDEX IF NOT EXISTS idx_events_campaign_ts ON events (campaign_id, ts);
CREATE INDEX IF NOT EXISTS idx_campaigns_user_id ON campaigns (user_id);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := sqlDB.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: sqlDB}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) ensureSchema() error {
	if _, err := p.DB.ExecContext(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
