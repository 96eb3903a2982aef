package dispatch

import (
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/enrich"
	"github.com/offerpath/dispatch/internal/events"
	"github.com/offerpath/dispatch/internal/middleware"
	"github.com/offerpath/dispatch/internal/models"
	"github.com/offerpath/dispatch/internal/rules"
)

// handleClickOut runs the click-out path. It reports false when nothing
// resolves so the caller falls through to regular rule processing.
func (s *Server) handleClickOut(w http.ResponseWriter, r *http.Request, d *dispatchState) bool {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	ctx := d.ctx
	b := d.bundle

	var cands []rules.MatchedRule
	for i := range b.Rules {
		rule := &b.Rules[i]
		if !rule.HasClickTarget() {
			continue
		}
		if ok, flags := s.Matcher.Match(rule, ctx); ok {
			cands = append(cands, rules.MatchedRule{Rule: rule, Matched: flags})
		}
	}

	var destURL, destID string
	if len(cands) > 0 {
		mr := s.Picker.PickRule(cands)
		d.rule = mr.Rule
		d.matchedFlags = mr.Matched
		destURL, destID = s.pickClickTarget(r, mr.Rule)
	}
	if destURL == "" && b.DestinationID != "" {
		if u, err := s.DestCache.Resolve(r.Context(), b.DestinationID); err == nil {
			destURL, destID = u, b.DestinationID
		}
	}
	if destURL == "" {
		return false
	}

	clickID := enrich.NewEventID()
	if ctx.ImpressionID == "" {
		ctx.ImpressionID = enrich.NewEventID()
	}

	// Recover the first-touch attribution params stored with the impression.
	// The current request's query wins on collision.
	var landingPage, landingMode string
	ref, err := s.Events.GetLandingPageFromImpression(r.Context(), ctx.ImpressionID)
	if err == nil {
		landingPage, landingMode = ref.LandingPage, ref.LandingPageMode
		for k, v := range ref.Query {
			if _, ok := ctx.Query[k]; !ok {
				ctx.Query[k] = v
			}
		}
	} else if !errors.Is(err, events.ErrNotFound) {
		logger.Warn("impression lookup failed",
			zap.String("impression_id", ctx.ImpressionID), zap.Error(err))
	}

	d.platform = s.Platforms.Get(r.Context(), b.ID)
	d.macros = s.macroValues(d, clickID)

	target, err := buildClickURL(d.macros.ExpandURL(destURL), ctx, clickID)
	if err != nil {
		logger.Error("click destination unparseable",
			zap.String("url", destURL), zap.Error(err))
		s.serveNotFound(w)
		return true
	}

	w.Header().Set("Cache-Control", noCache)
	http.Redirect(w, r, target, http.StatusFound)
	s.Metrics.IncrementDispatch("click")

	ev := models.NewEventFromContext(ctx)
	ev.EventID = clickID
	ev.ClickID = clickID
	ev.ImpressionID = ctx.ImpressionID
	ev.IsClick = true
	ev.CampaignID = b.ID
	ev.CampaignName = b.Name
	ev.SiteName = b.SiteName
	ev.LandingPage = landingPage
	ev.LandingPageMode = landingMode
	ev.DestinationURL = target
	ev.DestinationID = destID
	ev.MatchedFlags = d.matchedFlags
	s.applyPlatform(d, &ev)
	s.Emitter.Emit(&ev)
	return true
}

// pickClickTarget selects the rule's click destination. Destinations that
// fail to resolve (paused, deleted) are removed and the draw repeats, so a
// single dead entry never eats its share of traffic.
func (s *Server) pickClickTarget(r *http.Request, rule *models.Rule) (destURL, destID string) {
	if len(rule.ClickDestinations) == 0 {
		return rule.ClickURL, ""
	}
	remaining := make([]models.WeightedClickDest, len(rule.ClickDestinations))
	copy(remaining, rule.ClickDestinations)
	for len(remaining) > 0 {
		cd := s.Picker.PickClickDest(remaining)
		if cd.URL != "" {
			return cd.URL, cd.ID
		}
		if u, err := s.DestCache.Resolve(r.Context(), cd.ID); err == nil {
			return u, cd.ID
		}
		remaining = withoutClickDest(remaining, cd.ID)
	}
	return rule.ClickURL, ""
}

func withoutClickDest(dests []models.WeightedClickDest, id string) []models.WeightedClickDest {
	out := dests[:0]
	for _, d := range dests {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}

// buildClickURL appends the merged query plus the tracking triplet to the
// expanded destination.
func buildClickURL(expanded string, ctx *models.RequestContext, clickID string) (string, error) {
	u, err := url.Parse(expanded)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range ctx.Query {
		q.Set(k, v)
	}
	q.Set("click_id", clickID)
	q.Set("impression_id", ctx.ImpressionID)
	q.Set("session_id", ctx.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
