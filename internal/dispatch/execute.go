package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/enrich"
	"github.com/offerpath/dispatch/internal/hosted"
	"github.com/offerpath/dispatch/internal/macros"
	"github.com/offerpath/dispatch/internal/middleware"
	"github.com/offerpath/dispatch/internal/models"
	"github.com/offerpath/dispatch/internal/proxy"
	"github.com/offerpath/dispatch/internal/resolver"
	"github.com/offerpath/dispatch/internal/rules"
)

// execute runs the chosen action. Exactly one action executes per request.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, d *dispatchState, action models.Action) {
	// The impression/redirect event ID is minted before macro expansion so
	// {{impression.id}} resolves inside the served page.
	if rules.IsPageLike(d.ctx.Path) && d.ctx.ImpressionID == "" {
		d.ctx.ImpressionID = enrich.NewEventID()
	}
	d.eventID = d.ctx.ImpressionID

	d.platform = s.Platforms.Get(r.Context(), d.bundle.ID)
	clickID := ""
	if action.Kind == models.ActionRedirect {
		// Redirect mode conjoins impression and click under one ID.
		clickID = d.eventID
	}
	d.macros = s.macroValues(d, clickID)

	s.Metrics.IncrementDispatch(action.Mode())
	switch action.Kind {
	case models.ActionHosted:
		s.serveHosted(w, r, d, action.Folder)
	case models.ActionRedirect:
		s.serveRedirect(w, r, d, action.URL)
	case models.ActionModifications:
		// Modifications proxy the requested page on the request's own origin,
		// so the fetched URL keeps the full path.
		s.serveProxy(w, r, d, "https://"+d.ctx.Host+d.ctx.Path, action.Modifications)
	default:
		s.serveProxy(w, r, d, action.URL, nil)
	}
}

// macroValues materializes the per-request macro table.
func (s *Server) macroValues(d *dispatchState, clickID string) macros.Values {
	vars := make(map[string]string, len(d.bundle.Variables))
	for k, v := range d.bundle.Variables {
		vars[k] = v
	}
	if d.rule != nil {
		for k, v := range d.rule.Variables {
			vars[k] = v
		}
	}
	var platformClickID string
	if d.platform != nil && d.platform.ClickIDParam != "" {
		platformClickID = d.ctx.Query[d.platform.ClickIDParam]
	}
	return macros.FromContext(d.ctx, macros.Params{
		CampaignID:      d.bundle.ID,
		CampaignName:    d.bundle.Name,
		SiteName:        d.bundle.SiteName,
		ClickID:         clickID,
		ImpressionID:    d.ctx.ImpressionID,
		Platform:        d.platform,
		PlatformClickID: platformClickID,
		Variables:       vars,
	})
}

func (s *Server) serveHosted(w http.ResponseWriter, r *http.Request, d *dispatchState, folder string) {
	res, err := s.Hosted.Serve(r.Context(), folder, d.ctx.Path, d.bundle.ID)
	if errors.Is(err, hosted.ErrNotFound) {
		s.serveNotFound(w)
		return
	}
	if err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("hosted serve failed",
			zap.String("folder", folder), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsText() {
		body, err := io.ReadAll(res.Body)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		out := d.macros.ExpandHTML(string(body))
		isHTML := strings.HasPrefix(res.ContentType, "text/html")
		if isHTML {
			if !d.suppress {
				out = injectBeforeBody(out, detectScriptFor(d.ctx.ImpressionID))
			}
			w.Header().Set("Accept-CH", acceptCH)
		}
		if isHTML && d.embed {
			writeEmbedDocument(w, http.StatusOK, out)
		} else {
			w.Header().Set("Content-Type", res.ContentType)
			_, _ = io.WriteString(w, out)
		}
	} else {
		w.Header().Set("Content-Type", res.ContentType)
		_, _ = io.Copy(w, res.Body)
	}

	if !d.suppress && rules.IsPageLike(d.ctx.Path) {
		s.emitImpression(d, folder, models.ModeHosted, "", "")
	}
}

func (s *Server) serveProxy(w http.ResponseWriter, r *http.Request, d *dispatchState, rawURL string, mods []models.Modification) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	up := upstreamURL(rawURL, d.ctx)

	resp, err := s.Fetcher.Get(r.Context(), up, r.Header)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			logger.Warn("upstream deadline", zap.String("url", up), zap.Error(err))
			s.serveNotFound(w)
			return
		}
		logger.Error("upstream fetch failed", zap.String("url", up), zap.Error(err))
		http.Error(w, "upstream error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	base, _ := url.Parse(up)
	switch {
	case proxy.IsHTML(resp):
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			logger.Error("upstream body read failed", zap.String("url", up), zap.Error(err))
			http.Error(w, "upstream error", http.StatusInternalServerError)
			return
		}
		var buf bytes.Buffer
		if err := proxy.RewriteHTML(&buf, bytes.NewReader(body), base, nil); err != nil {
			logger.Error("html rewrite failed", zap.String("url", up), zap.Error(err))
			http.Error(w, "upstream error", http.StatusInternalServerError)
			return
		}
		html := buf.String()
		if len(mods) > 0 {
			if modified, err := proxy.ApplyModifications([]byte(html), mods); err == nil {
				html = string(modified)
			} else {
				logger.Error("modifications failed", zap.Error(err))
			}
		}
		html = d.macros.ExpandHTML(html)
		if !d.suppress {
			html = injectBeforeBody(html, detectScriptFor(d.ctx.ImpressionID))
		}
		proxy.CopyHeaders(w.Header(), resp.Header)
		w.Header().Set("Accept-CH", acceptCH)
		if d.embed {
			writeEmbedDocument(w, resp.StatusCode, html)
		} else {
			w.WriteHeader(resp.StatusCode)
			_, _ = io.WriteString(w, html)
		}

	case proxy.IsCSS(resp):
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			http.Error(w, "upstream error", http.StatusInternalServerError)
			return
		}
		css := d.macros.ExpandHTML(proxy.RewriteCSS(string(body), base, nil))
		proxy.CopyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, css)

	default:
		proxy.CopyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}

	// Impressions only count when the origin actually served the page.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		!d.suppress && rules.IsPageLike(d.ctx.Path) {
		s.emitImpression(d, up, models.ModeProxy, "", "")
	}
}

func (s *Server) serveRedirect(w http.ResponseWriter, r *http.Request, d *dispatchState, rawURL string) {
	// Redirect mode fires only on the rule's exact path. A deeper path would
	// 302 every stray asset request, so it serves the 404 page instead.
	if !resolver.ExactPathMatch(d.key, d.ctx.Host, d.ctx.Path) {
		s.serveNotFound(w)
		return
	}
	target := d.macros.ExpandURL(rawURL)
	w.Header().Set("Cache-Control", noCache)

	switch {
	case d.embed:
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = fmt.Fprintf(w, "window.location.href = %s;\n", strconv.Quote(target))
	case signalsSufficient(d.ctx):
		http.Redirect(w, r, target, http.StatusFound)
	default:
		page := strings.ReplaceAll(beaconRedirectPage, "%DETECT_SCRIPT%", detectScriptFor(d.ctx.ImpressionID))
		page = strings.ReplaceAll(page, "%TARGET%", strconv.Quote(target))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Accept-CH", acceptCH)
		_, _ = io.WriteString(w, page)
	}

	if !d.suppress {
		s.emitImpression(d, rawURL, models.ModeRedirect, target, "")
	}
}

// emitImpression schedules the event row for an executed action. Redirect
// mode yields a conjoined impression+click row under a single event ID.
func (s *Server) emitImpression(d *dispatchState, landingPage, mode, destinationURL, destinationID string) {
	ev := models.NewEventFromContext(d.ctx)
	ev.EventID = d.eventID
	ev.ImpressionID = d.eventID
	ev.IsImpression = true
	ev.CampaignID = d.bundle.ID
	ev.CampaignName = d.bundle.Name
	ev.SiteName = d.bundle.SiteName
	ev.LandingPage = landingPage
	ev.LandingPageMode = mode
	ev.MatchedFlags = d.matchedFlags
	if mode == models.ModeRedirect {
		ev.IsClick = true
		ev.ClickID = d.eventID
		ev.DestinationURL = destinationURL
		ev.DestinationID = destinationID
	}
	s.applyPlatform(d, &ev)
	s.Emitter.Emit(&ev)
}

func (s *Server) applyPlatform(d *dispatchState, ev *models.Event) {
	if d.platform == nil {
		return
	}
	ev.PlatformID = d.platform.ID
	ev.PlatformName = d.platform.Name
	if d.platform.ClickIDParam != "" {
		ev.PlatformClickID = d.ctx.Query[d.platform.ClickIDParam]
	}
}

// upstreamURL builds the origin URL for a proxied action. An absolute
// destination is used as-is plus the original query; a relative base gets
// the request path appended.
func upstreamURL(raw string, ctx *models.RequestContext) string {
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		q := u.Query()
		for k, v := range ctx.Query {
			if q.Get(k) == "" {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}
	full := strings.TrimSuffix(raw, "/") + ctx.Path
	if len(ctx.Query) > 0 {
		q := url.Values{}
		for k, v := range ctx.Query {
			q.Set(k, v)
		}
		full += "?" + q.Encode()
	}
	return full
}

// staleOSVersions are the frozen values reported by browsers that stopped
// updating the UA string; they carry no real device signal.
var staleOSVersions = map[string]bool{
	"10.15.7": true,
	"10.0":    true,
	"10.0.0":  true,
}

// signalsSufficient decides between a plain 302 and the enrichment stub: a
// desktop with a trustworthy OS version, or a mobile device that is not
// Safari on iOS, already told us everything the stub would collect.
func signalsSufficient(ctx *models.RequestContext) bool {
	osv := ctx.UA.OSVersion
	switch ctx.UA.Device {
	case "desktop":
		return osv != "" && osv != "0.0.0" && !staleOSVersions[osv]
	case "mobile":
		return osv != "" && osv != "0.0.0" && !isSafariIOS(ctx)
	}
	return false
}

func isSafariIOS(ctx *models.RequestContext) bool {
	return strings.EqualFold(ctx.UA.Browser, "Safari") &&
		strings.Contains(strings.ToLower(ctx.UA.OS), "ios")
}
