package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/config"
	"github.com/offerpath/dispatch/internal/db"
	"github.com/offerpath/dispatch/internal/destcache"
	"github.com/offerpath/dispatch/internal/dispatch"
	"github.com/offerpath/dispatch/internal/enrich"
	"github.com/offerpath/dispatch/internal/events"
	"github.com/offerpath/dispatch/internal/geoip"
	"github.com/offerpath/dispatch/internal/hosted"
	"github.com/offerpath/dispatch/internal/kv"
	"github.com/offerpath/dispatch/internal/observability"
	"github.com/offerpath/dispatch/internal/proxy"
	"github.com/offerpath/dispatch/internal/resolver"
	"github.com/offerpath/dispatch/internal/rules"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	store, err := kv.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer store.Close()

	mirror, err := events.InitMirror(cfg.ClickHouseDSN)
	if err != nil {
		return fmt.Errorf("failed to connect clickhouse: %w", err)
	}
	defer mirror.Close()

	blobs, err := hosted.InitS3(ctx, cfg.AWSRegion, cfg.S3Endpoint)
	if err != nil {
		return fmt.Errorf("init s3: %w", err)
	}

	geoSvc, err := geoip.Init(cfg.GeoIPDB)
	if err != nil {
		return fmt.Errorf("failed to load geoip db: %w", err)
	}
	defer func() { _ = geoSvc.Close() }()

	metricsRegistry := observability.NewPrometheusRegistry()
	eventStore := events.NewPGStore(pg)
	emitter := events.NewEmitter(eventStore, mirror, cfg.EventQueueSize, metricsRegistry, logger)

	picker := rules.NewPicker(rand.NewSource(time.Now().UnixNano()))
	srv := &dispatch.Server{
		Cfg:      cfg,
		Enricher: enrich.New(geoSvc),
		Resolver: resolver.New(store, picker, logger),
		Matcher:  rules.NewMatcher(cfg.TimeWindowWrap),
		Picker:   picker,
		Hosted: &hosted.Server{
			Store:       blobs,
			Bucket:      cfg.S3Bucket,
			DriveBucket: cfg.S3DriveBucket,
			Users:       pg,
			Logger:      logger,
		},
		Fetcher:   proxy.NewFetcher(cfg.UpstreamTimeout, metricsRegistry, logger),
		DestCache: destcache.New(pg, cfg.DestCacheFastPath, metricsRegistry, logger),
		Platforms: destcache.NewPlatformCache(store, pg, cfg.PlatformCacheTTL, metricsRegistry, logger),
		Events:    eventStore,
		Emitter:   emitter,
		Metrics:   metricsRegistry,
		Logger:    logger,
	}

	r := srv.Router()

	addr := ":" + cfg.Port
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(r, "dispatcher"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Dispatcher running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// Drain queued events and in-flight enrichment writes before the
	// database handles close.
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Error("event drain incomplete", zap.Error(err))
	}
	if err := srv.Drain(shutdownCtx); err != nil {
		logger.Error("enrichment drain incomplete", zap.Error(err))
	}

	return nil
}
