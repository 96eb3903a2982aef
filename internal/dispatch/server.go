package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/config"
	"github.com/offerpath/dispatch/internal/destcache"
	"github.com/offerpath/dispatch/internal/enrich"
	"github.com/offerpath/dispatch/internal/events"
	"github.com/offerpath/dispatch/internal/hosted"
	"github.com/offerpath/dispatch/internal/middleware"
	"github.com/offerpath/dispatch/internal/observability"
	"github.com/offerpath/dispatch/internal/proxy"
	"github.com/offerpath/dispatch/internal/resolver"
	"github.com/offerpath/dispatch/internal/rules"
)

// Server wires the dispatch pipeline: enrich, resolve, match, select,
// execute, emit. Every dependency is injected so handler tests can swap in
// fakes for the stores.
type Server struct {
	Cfg       config.Config
	Enricher  *enrich.Enricher
	Resolver  *resolver.Resolver
	Matcher   *rules.Matcher
	Picker    *rules.Picker
	Hosted    *hosted.Server
	Fetcher   *proxy.Fetcher
	DestCache *destcache.Cache
	Platforms *destcache.PlatformCache
	Events    events.Store
	Emitter   *events.Emitter
	Metrics   observability.MetricsRegistry
	Logger    *zap.Logger

	enrichWG sync.WaitGroup
}

// Drain waits for in-flight background writes (the /t/enrich backfills) to
// finish, or gives up when ctx expires.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.enrichWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Router builds the HTTP mux. The catch-all dispatch route goes last so the
// fixed endpoints win.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.Use(s.metricsMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/track.js", s.HandleEmbed).Methods(http.MethodGet)
	r.HandleFunc("/proxy-session", s.HandleProxySession).Methods(http.MethodGet)
	r.HandleFunc("/postback", s.HandlePostback).Methods(http.MethodGet)
	r.HandleFunc("/t/enrich", s.HandleEnrich).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(s.HandleDispatch).Methods(http.MethodGet, http.MethodHead)
	return r
}

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		s.Metrics.IncrementRequests(endpoint, r.Method, http.StatusText(sw.status))
		s.Metrics.RecordRequestLatency(endpoint, r.Method, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
