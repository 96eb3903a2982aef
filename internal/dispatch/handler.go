package dispatch

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/enrich"
	"github.com/offerpath/dispatch/internal/macros"
	"github.com/offerpath/dispatch/internal/middleware"
	"github.com/offerpath/dispatch/internal/models"
	"github.com/offerpath/dispatch/internal/resolver"
	"github.com/offerpath/dispatch/internal/rules"
)

// dispatchState carries one request through resolve, match and execute.
type dispatchState struct {
	ctx    *models.RequestContext
	bundle *models.RuleBundle
	key    string
	embed  bool

	// suppress disables event emission and script injection (bots,
	// blocked visitors).
	suppress bool

	rule         *models.Rule
	matchedFlags []string

	eventID  string
	platform *models.Platform
	macros   macros.Values
}

// HandleDispatch is the catch-all entry: every path that is not a fixed
// endpoint resolves against the rule store.
func (s *Server) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if enrich.IsPrefetch(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx := s.Enricher.FromRequest(r)
	s.dispatch(w, r, ctx, false)
}

// HandleEmbed serves /track.js: the url parameter supplies the effective
// host, path and query, and the response body is JavaScript.
func (s *Server) HandleEmbed(w http.ResponseWriter, r *http.Request) {
	if enrich.IsPrefetch(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx := s.Enricher.FromRequest(r)
	if err := enrich.ApplyEmbedURL(ctx, r.URL.Query().Get("url")); err != nil {
		w.Header().Set("Content-Type", "application/javascript")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("/* invalid url */\n"))
		return
	}
	s.dispatch(w, r, ctx, true)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ctx *models.RequestContext, embed bool) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	ctx.ImpressionID = ctx.Query["impression_id"]

	b, key, err := s.Resolver.Resolve(r.Context(), ctx.Host, ctx.Path)
	if err != nil {
		if !errors.Is(err, resolver.ErrNoBundle) {
			logger.Error("rule resolution failed",
				zap.String("host", ctx.Host), zap.String("path", ctx.Path), zap.Error(err))
		}
		s.serveNotFound(w)
		return
	}
	s.Resolver.CollapseDefaults(b)

	d := &dispatchState{ctx: ctx, bundle: b, key: key, embed: embed}

	if blocked, reason := rules.Blocked(b.Blocks, ctx); blocked || ctx.IsBot {
		if !blocked {
			reason = "bot"
		}
		s.Metrics.IncrementBlocked(reason)
		logger.Info("request blocked",
			zap.String("campaign_id", b.ID),
			zap.String("reason", reason),
			zap.String("ip", ctx.IP))
		d.suppress = true
		s.serveDefault(w, r, d)
		return
	}

	if isClickPath(ctx.Path) && s.handleClickOut(w, r, d) {
		return
	}

	matched := s.Matcher.MatchAll(b.Rules, ctx)
	if len(matched) == 0 {
		s.serveDefault(w, r, d)
		return
	}

	mr := s.Picker.PickRule(matched)
	d.rule = mr.Rule
	d.matchedFlags = mr.Matched

	action, ok := ruleAction(s.Picker, mr.Rule)
	if !ok {
		s.serveDefault(w, r, d)
		return
	}
	s.execute(w, r, d, action)
}

// ruleAction derives the executable action of the chosen rule, collapsing a
// destinations list by weighted selection first.
func ruleAction(p *rules.Picker, r *models.Rule) (models.Action, bool) {
	if len(r.Destinations) > 0 {
		if a, ok := models.ActionFromDest(p.PickDest(r.Destinations)); ok {
			return a, true
		}
	}
	return models.ActionFromRule(r)
}

// serveDefault serves the bundle's default in its configured mode. A bare
// destinationId with no default folder resolves to a redirect target.
func (s *Server) serveDefault(w http.ResponseWriter, r *http.Request, d *dispatchState) {
	b := d.bundle
	folder, mode := b.DefaultFolder, b.DefaultFolderMode
	if folder == "" && b.DestinationID != "" {
		url, err := s.DestCache.Resolve(r.Context(), b.DestinationID)
		if err != nil {
			middleware.LoggerFromRequest(r, s.Logger).Warn("default destination resolve failed",
				zap.String("campaign_id", b.ID),
				zap.String("destination_id", b.DestinationID),
				zap.Error(err))
		} else {
			folder, mode = url, models.ModeRedirect
		}
	}
	if folder == "" {
		s.serveNotFound(w)
		return
	}
	s.execute(w, r, d, models.ActionForMode(folder, mode))
}

// isClickPath reports whether the final path segment is "click".
func isClickPath(p string) bool {
	return strings.HasSuffix(strings.TrimSuffix(p, "/"), "/click")
}
