package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RedisAddr     string
	PostgresDSN   string
	ClickHouseDSN string

	S3Bucket      string
	S3DriveBucket string
	AWSRegion     string
	S3Endpoint    string

	GeoIPDB string

	UpstreamTimeout   time.Duration
	DestCacheFastPath time.Duration
	PlatformCacheTTL  time.Duration

	// TimeWindowWrap enables wrap-past-midnight semantics for time flags
	// (start=22, end=2 matching 22:00..02:00). Off by default.
	TimeWindowWrap bool

	EventQueueSize int

	ServiceName string

	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8080")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 15*time.Second)

	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "")

	cfg.S3Bucket = getenv("S3_BUCKET", "landers")
	cfg.S3DriveBucket = getenv("S3_DRIVE_BUCKET", "drives")
	cfg.AWSRegion = getenv("AWS_REGION", "us-east-1")
	cfg.S3Endpoint = getenv("S3_ENDPOINT", "")

	cfg.GeoIPDB = getenv("GEOIP_DB", "")

	cfg.UpstreamTimeout = envDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	cfg.DestCacheFastPath = envDuration("DEST_CACHE_FAST_PATH", 100*time.Millisecond)
	cfg.PlatformCacheTTL = envDuration("PLATFORM_CACHE_TTL", 15*time.Minute)
	cfg.TimeWindowWrap = envBool("TIME_WINDOW_WRAP", false)
	cfg.EventQueueSize = envInt("EVENT_QUEUE_SIZE", 4096)

	cfg.ServiceName = getenv("SERVICE_NAME", "dispatcher")

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
