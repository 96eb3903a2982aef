package dispatch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/offerpath/dispatch/internal/db"
	"github.com/offerpath/dispatch/internal/destcache"
	"github.com/offerpath/dispatch/internal/enrich"
	"github.com/offerpath/dispatch/internal/events"
	"github.com/offerpath/dispatch/internal/hosted"
	"github.com/offerpath/dispatch/internal/kv"
	"github.com/offerpath/dispatch/internal/models"
	"github.com/offerpath/dispatch/internal/observability"
	"github.com/offerpath/dispatch/internal/proxy"
	"github.com/offerpath/dispatch/internal/resolver"
	"github.com/offerpath/dispatch/internal/rules"
)

const (
	// Mac OS X 13 carries a real OS version, so redirects go straight to 302.
	macUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 13_2_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	// 10_15_7 is the frozen Catalina UA string, which forces the beacon stub.
	frozenMacUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	botUA       = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

type fakeEventStore struct {
	mu       sync.Mutex
	inserted []*models.Event
	clicks   map[string]*models.Event
	imps     map[string]*events.ImpressionRef
	enriched chan *models.Enrichment
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		clicks:   map[string]*models.Event{},
		imps:     map[string]*events.ImpressionRef{},
		enriched: make(chan *models.Enrichment, 4),
	}
}

func (f *fakeEventStore) Insert(_ context.Context, ev *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeEventStore) Enrich(_ context.Context, e *models.Enrichment) error {
	f.enriched <- e
	return nil
}

func (f *fakeEventStore) GetClick(_ context.Context, eventID string) (*models.Event, error) {
	if ev, ok := f.clicks[eventID]; ok {
		return ev, nil
	}
	return nil, events.ErrNotFound
}

func (f *fakeEventStore) GetLandingPageFromImpression(_ context.Context, impressionID string) (*events.ImpressionRef, error) {
	if ref, ok := f.imps[impressionID]; ok {
		return ref, nil
	}
	return nil, events.ErrNotFound
}

type fakeDestReader struct {
	dests map[string]*db.Destination
}

func (f *fakeDestReader) GetDestination(_ context.Context, id string) (*db.Destination, error) {
	if d, ok := f.dests[id]; ok {
		return d, nil
	}
	return nil, db.ErrNoRows
}

func (f *fakeDestReader) DestinationUpdatedAt(_ context.Context, id string) (time.Time, error) {
	if d, ok := f.dests[id]; ok {
		return d.UpdatedAt, nil
	}
	return time.Time{}, db.ErrNoRows
}

type noPlatforms struct{}

func (noPlatforms) GetPlatformForCampaign(context.Context, string) (*models.Platform, error) {
	return nil, db.ErrNoRows
}

type memBlobStore struct {
	objects map[string]memBlob // "bucket/key"
}

type memBlob struct {
	body        string
	contentType string
}

func (m *memBlobStore) Get(_ context.Context, bucket, key string) (*hosted.Blob, error) {
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, hosted.ErrNotFound
	}
	return &hosted.Blob{
		Body:        io.NopCloser(strings.NewReader(obj.body)),
		ContentType: obj.contentType,
	}, nil
}

type testEnv struct {
	srv     *Server
	router  http.Handler
	mr      *miniredis.Miniredis
	store   *fakeEventStore
	dests   *fakeDestReader
	blobs   *memBlobStore
	drained bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvLogger(t, zap.NewNop())
}

func newTestEnvLogger(t *testing.T, logger *zap.Logger) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewRedisStore(client)

	metrics := observability.NewNoOpRegistry()
	store := newFakeEventStore()
	dests := &fakeDestReader{dests: map[string]*db.Destination{}}
	blobs := &memBlobStore{objects: map[string]memBlob{}}

	srv := &Server{
		Enricher:  enrich.New(nil),
		Resolver:  resolver.New(kvStore, rules.NewPicker(rand.NewSource(1)), logger),
		Matcher:   rules.NewMatcher(false),
		Picker:    rules.NewPicker(rand.NewSource(1)),
		Hosted:    &hosted.Server{Store: blobs, Bucket: "landers", DriveBucket: "drives", Logger: logger},
		Fetcher:   proxy.NewFetcher(2*time.Second, metrics, logger),
		DestCache: destcache.New(dests, 100*time.Millisecond, metrics, logger),
		Platforms: destcache.NewPlatformCache(kvStore, noPlatforms{}, time.Minute, metrics, logger),
		Events:    store,
		Emitter:   events.NewEmitter(store, nil, 64, metrics, logger),
		Metrics:   metrics,
		Logger:    logger,
	}
	env := &testEnv{srv: srv, router: srv.Router(), mr: mr, store: store, dests: dests, blobs: blobs}
	t.Cleanup(func() {
		if !env.drained {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Emitter.Close(ctx)
		}
	})
	return env
}

// emitted drains the emitter and returns everything it persisted. The env
// accepts no further events afterwards.
func (e *testEnv) emitted(t *testing.T) []*models.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.srv.Emitter.Close(ctx))
	e.drained = true
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return append([]*models.Event(nil), e.store.inserted...)
}

func (e *testEnv) get(target, ua string, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if ua != "" {
		r.Header.Set("User-Agent", ua)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, r)
	return rec
}

func TestHostedDispatchEmitsImpression(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/", `{"id":"c1","name":"Spring","rules":[{"folder":"spring/lander/"}]}`)
	env.blobs.objects["landers/spring/lander/index.html"] = memBlob{
		body:        "<html><body>Hi {{campaign.name}}</body></html>",
		contentType: "text/html; charset=utf-8",
	}

	rec := env.get("http://lp.example.com/", macUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Hi Spring")
	assert.Contains(t, body, "/t/enrich")
	assert.NotEmpty(t, rec.Header().Get("Accept-CH"))

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.True(t, ev.IsImpression)
	assert.False(t, ev.IsClick)
	assert.Equal(t, "c1", ev.CampaignID)
	assert.Equal(t, "spring/lander/", ev.LandingPage)
	assert.Equal(t, models.ModeHosted, ev.LandingPageMode)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, ev.EventID, ev.ImpressionID)

	// The impression ID baked into the page matches the emitted event.
	assert.Contains(t, body, ev.ImpressionID)
}

func TestHostedAssetEmitsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/", `{"id":"c1","rules":[{"folder":"spring/lander/"}]}`)
	env.blobs.objects["landers/spring/lander/main.css"] = memBlob{
		body:        "body { color: {{brandcolor}}; }",
		contentType: "text/css; charset=utf-8",
	}

	rec := env.get("http://lp.example.com/main.css", macUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.emitted(t))
}

func TestRedirectPlain302Conjoined(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/go", `{"id":"c1","name":"Spring","rules":[{"redirectUrl":"https://off.example/?cid={{campaign.id}}"}]}`)

	rec := env.get("http://lp.example.com/go", macUA, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://off.example/?cid=c1", rec.Header().Get("Location"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.True(t, ev.IsImpression)
	assert.True(t, ev.IsClick)
	assert.Equal(t, ev.EventID, ev.ImpressionID)
	assert.Equal(t, ev.EventID, ev.ClickID)
	assert.Equal(t, "https://off.example/?cid=c1", ev.DestinationURL)
	assert.Equal(t, models.ModeRedirect, ev.LandingPageMode)
}

func TestRedirectBeaconStubForFrozenUA(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/go", `{"id":"c1","rules":[{"redirectUrl":"https://off.example/"}]}`)

	rec := env.get("http://lp.example.com/go", frozenMacUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.NotEmpty(t, rec.Header().Get("Accept-CH"))
	body := rec.Body.String()
	assert.Contains(t, body, `"https://off.example/"`)
	assert.Contains(t, body, "/t/enrich")

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsClick)
}

func TestRedirectDeepPathServes404(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/go", `{"id":"c1","rules":[{"redirectUrl":"https://off.example/"}]}`)

	rec := env.get("http://lp.example.com/go/assets/pixel.png", macUA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.emitted(t))
}

func TestPrefetchAnswered204(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/go", `{"id":"c1","rules":[{"redirectUrl":"https://off.example/"}]}`)

	rec := env.get("http://lp.example.com/go", macUA, map[string]string{"Sec-Purpose": "prefetch"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.emitted(t))
}

func TestUnknownHostServes404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get("http://unknown.example/", macUA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.emitted(t))
}

func TestBotServesDefaultSuppressed(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/", `{"id":"c1","defaultFolder":"safe/","rules":[{"redirectUrl":"https://off.example/"}]}`)
	env.blobs.objects["landers/safe/index.html"] = memBlob{
		body:        "<html><body>welcome</body></html>",
		contentType: "text/html; charset=utf-8",
	}

	rec := env.get("http://lp.example.com/", botUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "welcome")
	// Suppressed responses carry no enrichment beacon and emit no events.
	assert.NotContains(t, rec.Body.String(), "/t/enrich")
	assert.Empty(t, env.emitted(t))
}

func TestBlockedVisitorServesDefault(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/", `{
		"id": "c1",
		"blocks": {"ips": ["203.0.113.0/24"]},
		"defaultFolder": "safe/",
		"rules": [{"redirectUrl": "https://off.example/"}]
	}`)
	env.blobs.objects["landers/safe/index.html"] = memBlob{
		body:        "<html><body>welcome</body></html>",
		contentType: "text/html; charset=utf-8",
	}

	rec := env.get("http://lp.example.com/", macUA, map[string]string{"Cf-Connecting-Ip": "203.0.113.50"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "welcome")
	assert.Empty(t, env.emitted(t))
}

func TestDefaultDestinationResolveFailureLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	env := newTestEnvLogger(t, zap.New(core))
	env.mr.Set("lp.example.com/", `{"id":"c1","destinationId":"gone"}`)

	rec := env.get("http://lp.example.com/", macUA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.emitted(t))

	entries := logs.FilterMessage("default destination resolve failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "c1", fields["campaign_id"])
	assert.Equal(t, "gone", fields["destination_id"])
}

func TestClickOutMergesStoredQuery(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/offer", `{
		"id": "c1", "name": "Spring",
		"rules": [{"folder": "spring/", "clickUrl": "https://aff.example/buy?c={{campaign.id}}"}]
	}`)
	env.store.imps["imp1"] = &events.ImpressionRef{
		LandingPage:     "spring/",
		LandingPageMode: models.ModeHosted,
		Query:           map[string]string{"utm_source": "mail", "sub": "stored"},
	}

	rec := env.get("http://lp.example.com/offer/click?impression_id=imp1&sub=live", macUA, nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	assert.Equal(t, "aff.example", loc.Host)
	assert.Equal(t, "c1", q.Get("c"))
	assert.Equal(t, "live", q.Get("sub")) // current request wins
	assert.Equal(t, "mail", q.Get("utm_source"))
	assert.Equal(t, "imp1", q.Get("impression_id"))
	assert.NotEmpty(t, q.Get("click_id"))
	assert.NotEmpty(t, q.Get("session_id"))

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.True(t, ev.IsClick)
	assert.False(t, ev.IsImpression)
	assert.Equal(t, "imp1", ev.ImpressionID)
	assert.Equal(t, ev.EventID, ev.ClickID)
	assert.Equal(t, q.Get("click_id"), ev.ClickID)
	assert.Equal(t, "spring/", ev.LandingPage)
	assert.Equal(t, rec.Header().Get("Location"), ev.DestinationURL)
}

func TestClickOutResolvesDestination(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/offer", `{
		"id": "c1",
		"rules": [{"folder": "spring/", "clickDestinations": [{"id": "d1"}]}]
	}`)
	env.dests.dests["d1"] = &db.Destination{ID: "d1", URL: "https://net.example/track"}

	rec := env.get("http://lp.example.com/offer/click", macUA, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "net.example", loc.Host)

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "d1", evs[0].DestinationID)
}

func TestClickPathWithoutTargetFallsThrough(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/offer", `{"id":"c1","rules":[{"folder":"spring/"}]}`)
	env.blobs.objects["landers/spring/offer/click/index.html"] = memBlob{
		body:        "<html><body>page</body></html>",
		contentType: "text/html; charset=utf-8",
	}

	// No rule has a click target, so /click dispatches like any other path.
	rec := env.get("http://lp.example.com/offer/click", macUA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "page")
}

func TestProxyDispatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><body><a href="/next">n</a><p>{{campaign.name}}</p></body></html>`)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	env.mr.Set("lp.example.com/", fmt.Sprintf(`{"id":"c1","name":"Spring","rules":[{"proxyUrl":%q}]}`, upstream.URL))

	rec := env.get("http://lp.example.com/", macUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, upstream.URL+"/next")
	assert.Contains(t, body, "<p>Spring</p>")
	assert.Contains(t, body, "/t/enrich")

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsImpression)
	assert.Equal(t, models.ModeProxy, evs[0].LandingPageMode)
}

func TestProxyUpstreamErrorEmitsNothing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	env.mr.Set("lp.example.com/", fmt.Sprintf(`{"id":"c1","rules":[{"proxyUrl":%q}]}`, upstream.URL))

	rec := env.get("http://lp.example.com/", macUA, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, env.emitted(t))
}

// originTransport answers every fetch from memory and records the URLs the
// fetcher asked for, so modifications tests can proxy a host that does not
// exist.
type originTransport struct {
	mu     sync.Mutex
	urls   []string
	status int
	body   string
}

func (o *originTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	o.urls = append(o.urls, req.URL.String())
	o.mu.Unlock()
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return &http.Response{
		StatusCode: o.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(o.body)),
		Request:    req,
	}, nil
}

func TestModificationsFetchRequestPath(t *testing.T) {
	env := newTestEnv(t)
	origin := &originTransport{
		status: http.StatusOK,
		body:   `<html><body><h1>Old headline</h1><p>{{campaign.name}}</p></body></html>`,
	}
	env.srv.Fetcher.Client.Transport = origin
	env.mr.Set("site.example/products/page", `{
		"id": "c1", "name": "Spring",
		"rules": [{"modifications": [{"selector": "h1", "action": "setText", "value": "New headline"}]}]
	}`)

	rec := env.get("http://site.example/products/page", macUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The fetched URL is the requested page, not the bare origin.
	require.Len(t, origin.urls, 1)
	assert.Equal(t, "https://site.example/products/page", origin.urls[0])

	body := rec.Body.String()
	assert.Contains(t, body, "New headline")
	assert.NotContains(t, body, "Old headline")
	assert.Contains(t, body, "<p>Spring</p>")
	assert.Contains(t, body, "/t/enrich")

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.True(t, ev.IsImpression)
	assert.Equal(t, models.ModeProxy, ev.LandingPageMode)
	assert.Equal(t, "https://site.example/products/page", ev.LandingPage)
}

func TestModificationsOriginErrorEmitsNothing(t *testing.T) {
	env := newTestEnv(t)
	origin := &originTransport{status: http.StatusServiceUnavailable, body: "<html><body>down</body></html>"}
	env.srv.Fetcher.Client.Transport = origin
	env.mr.Set("site.example/products/page", `{
		"id": "c1",
		"rules": [{"modifications": [{"selector": "h1", "action": "setText", "value": "New"}]}]
	}`)

	rec := env.get("http://site.example/products/page", macUA, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, env.emitted(t))
}

func TestEmbedRedirectAnsweredAsScript(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/go", `{"id":"c1","rules":[{"redirectUrl":"https://off.example/?cid={{campaign.id}}"}]}`)

	rec := env.get("http://cdn.example/track.js?url="+url.QueryEscape("https://lp.example.com/go"), macUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `window.location.href = "https://off.example/?cid=c1";`)

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsEmbed)
	assert.True(t, evs[0].IsClick)
}

func TestEmbedHostedAnsweredAsScript(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/", `{"id":"c1","name":"Spring","rules":[{"folder":"spring/lander/"}]}`)
	env.blobs.objects["landers/spring/lander/index.html"] = memBlob{
		body:        "<html><body>Hi {{campaign.name}}</body></html>",
		contentType: "text/html; charset=utf-8",
	}

	rec := env.get("http://cdn.example/track.js?url="+url.QueryEscape("https://lp.example.com/"), macUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// A script include cannot execute HTML, so the page arrives as a
	// document.write carrier.
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "document.write("), body)
	assert.Contains(t, body, "Hi Spring")
	assert.Contains(t, body, `/t/enrich`)

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsEmbed)
	assert.True(t, evs[0].IsImpression)
}

func TestEmbedProxyAnsweredAsScript(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><body>proxied</body></html>`)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	env.mr.Set("lp.example.com/", fmt.Sprintf(`{"id":"c1","rules":[{"proxyUrl":%q}]}`, upstream.URL))

	rec := env.get("http://cdn.example/track.js?url="+url.QueryEscape("https://lp.example.com/"), macUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "document.write("), rec.Body.String())
	assert.Contains(t, rec.Body.String(), "proxied")
}

func TestEmbedInvalidURL(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get("http://cdn.example/track.js?url=/relative", macUA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))

	rec = env.get("http://cdn.example/track.js", macUA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostbackLinksConversion(t *testing.T) {
	env := newTestEnv(t)
	env.store.clicks["clk1"] = &models.Event{
		EventID:      "clk1",
		SessionID:    "sess1",
		CampaignID:   "c1",
		CampaignName: "Spring",
		ImpressionID: "imp1",
		IsClick:      true,
	}

	rec := env.get("http://lp.example.com/postback?click_id=clk1&payout=1.50&conversion_type=sale&txid=t9", macUA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.True(t, ev.IsConversion)
	assert.Equal(t, "clk1", ev.ClickID)
	assert.Equal(t, "imp1", ev.ImpressionID)
	assert.Equal(t, "c1", ev.CampaignID)
	assert.Equal(t, "sess1", ev.SessionID)
	assert.InDelta(t, 1.5, ev.Payout, 0.0001)
	assert.Equal(t, "sale", ev.ConversionType)
	assert.Equal(t, "t9", ev.PostbackData["txid"])
	assert.NotEqual(t, "clk1", ev.EventID)
}

func TestPostbackRejections(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("http://lp.example.com/postback", macUA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.get("http://lp.example.com/postback?click_id=unknown", macUA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.emitted(t))
}

func TestEnrichBeacon(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodPost, "http://lp.example.com/t/enrich",
		strings.NewReader(`{"impressionId":"imp1","screen":"1920x1080","dpr":"2"}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// The write happens on a background goroutine that Drain waits for.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Drain(ctx))
	select {
	case e := <-env.store.enriched:
		assert.Equal(t, "imp1", e.ImpressionID)
		assert.Equal(t, "1920x1080", e.Screen)
	default:
		t.Fatal("enrichment never reached the store")
	}

	// A beacon without an impression ID is dropped silently.
	r = httptest.NewRequest(http.MethodPost, "http://lp.example.com/t/enrich",
		strings.NewReader(`{"screen":"800x600"}`))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.store.enriched)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get("http://lp.example.com/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReplayedImpressionIDReusesEvent(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Set("lp.example.com/go", `{"id":"c1","rules":[{"redirectUrl":"https://off.example/"}]}`)

	rec := env.get("http://lp.example.com/go?impression_id=imp-fixed", macUA, nil)
	require.Equal(t, http.StatusFound, rec.Code)

	evs := env.emitted(t)
	require.Len(t, evs, 1)
	// A caller-supplied impression ID becomes the event ID, so replays
	// collapse onto the same row at insert time.
	assert.Equal(t, "imp-fixed", evs[0].EventID)
	assert.Equal(t, "imp-fixed", evs[0].ImpressionID)
}
