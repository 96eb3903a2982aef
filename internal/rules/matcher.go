package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/offerpath/dispatch/internal/models"
)

// Matcher evaluates rule conditions against a request context. It carries
// the clock and the time-window wrap setting so tests can pin both.
type Matcher struct {
	// Now supplies the evaluation time; defaults to time.Now.
	Now func() time.Time
	// TimeWrap enables wrap-past-midnight semantics for time flags.
	TimeWrap bool
}

// NewMatcher returns a Matcher with the default clock.
func NewMatcher(timeWrap bool) *Matcher {
	return &Matcher{Now: time.Now, TimeWrap: timeWrap}
}

// Match evaluates one rule: the groups list is an OR of flag sets; with no
// groups the single legacy flags field applies; a rule with neither matches
// everything. It returns the verdict plus human-readable descriptors of the
// predicates that matched (recorded on click events).
func (m *Matcher) Match(r *models.Rule, ctx *models.RequestContext) (bool, []string) {
	return m.match(r, ctx, false)
}

// MatchIgnoringParams re-evaluates with params predicates stripped. Used for
// asset inheritance: an asset request takes the landing page's rule even
// though query params are only meaningful on page views.
func (m *Matcher) MatchIgnoringParams(r *models.Rule, ctx *models.RequestContext) (bool, []string) {
	return m.match(r, ctx, true)
}

func (m *Matcher) match(r *models.Rule, ctx *models.RequestContext, skipParams bool) (bool, []string) {
	if len(r.Groups) > 0 {
		for i := range r.Groups {
			if ok, flags := m.matchFlagSet(&r.Groups[i], ctx, skipParams); ok {
				return true, flags
			}
		}
		return false, nil
	}
	if r.Flags.IsZero() {
		return true, nil
	}
	return m.matchFlagSet(r.Flags, ctx, skipParams)
}

// matchFlagSet ANDs every present field; a list value is an OR within the
// field.
func (m *Matcher) matchFlagSet(f *models.FlagSet, ctx *models.RequestContext, skipParams bool) (bool, []string) {
	var matched []string

	check := func(name string, values models.StringList, pred func(string) bool) bool {
		if len(values) == 0 {
			return true
		}
		for _, v := range values {
			if pred(v) {
				matched = append(matched, name+"="+v)
				return true
			}
		}
		return false
	}

	if !check("country", f.Country, func(v string) bool {
		return strings.EqualFold(v, ctx.Geo.Country)
	}) {
		return false, nil
	}
	if !check("region", f.Region, func(v string) bool {
		return strings.EqualFold(v, ctx.Geo.Region) || strings.EqualFold(v, ctx.Geo.RegionCode)
	}) {
		return false, nil
	}
	if !check("city", f.City, func(v string) bool {
		return strings.EqualFold(v, ctx.Geo.City)
	}) {
		return false, nil
	}
	if !check("continent", f.Continent, func(v string) bool {
		return strings.EqualFold(v, ctx.Geo.Continent)
	}) {
		return false, nil
	}
	if !check("asn", f.ASN, func(v string) bool {
		return v == strconv.FormatUint(uint64(ctx.Edge.ASN), 10)
	}) {
		return false, nil
	}
	if !check("colo", f.Colo, func(v string) bool {
		return strings.EqualFold(v, ctx.Edge.Colo)
	}) {
		return false, nil
	}
	if !check("ip", f.IP, func(v string) bool {
		return MatchIP(v, ctx.IP)
	}) {
		return false, nil
	}
	if !check("org", f.Org, func(v string) bool {
		return MatchGlob(v, ctx.Org)
	}) {
		return false, nil
	}
	if !check("language", f.Language, func(v string) bool {
		return strings.EqualFold(v, ctx.Language())
	}) {
		return false, nil
	}
	if f.Time != nil {
		if !m.matchTime(f.Time) {
			return false, nil
		}
		matched = append(matched, fmt.Sprintf("time=%g-%g", f.Time.Start, f.Time.End))
	}
	if !check("device", f.Device, func(v string) bool {
		return strings.EqualFold(v, ctx.UA.Device)
	}) {
		return false, nil
	}
	if !check("browser", f.Browser, func(v string) bool {
		return strings.EqualFold(v, ctx.UA.Browser)
	}) {
		return false, nil
	}
	if !check("os", f.OS, func(v string) bool {
		return strings.Contains(strings.ToLower(ctx.UA.OS), strings.ToLower(v))
	}) {
		return false, nil
	}
	if !check("brand", f.Brand, func(v string) bool {
		return strings.EqualFold(v, ctx.UA.Brand)
	}) {
		return false, nil
	}

	if len(f.Params) > 0 && !skipParams {
		// Query params only identify a page view; an asset request can never
		// satisfy a params predicate.
		if !IsPageLike(ctx.Path) {
			return false, nil
		}
		for k, v := range f.Params {
			if ctx.Query[k] != v {
				return false, nil
			}
			matched = append(matched, "param "+k+"="+v)
		}
	}

	return true, matched
}

// matchTime tests the half-open fractional-hour window in UTC. Without wrap
// enabled the comparison is a single start<=now<end, matching nothing when
// the range is written inverted.
func (m *Matcher) matchTime(w *models.TimeWindow) bool {
	now := m.Now().UTC()
	frac := float64(now.Hour()) + float64(now.Minute())/60 + float64(now.Second())/3600
	if m.TimeWrap && w.Start > w.End {
		return frac >= w.Start || frac < w.End
	}
	return frac >= w.Start && frac < w.End
}

// MatchedRule pairs a rule with its matched-flag descriptors.
type MatchedRule struct {
	Rule    *models.Rule
	Matched []string
}

// MatchAll returns every rule matching the context. When nothing matches
// and the request is an asset, the pass is retried with params stripped so
// assets inherit the landing page's rule.
func (m *Matcher) MatchAll(rs []models.Rule, ctx *models.RequestContext) []MatchedRule {
	var out []MatchedRule
	for i := range rs {
		if ok, flags := m.Match(&rs[i], ctx); ok {
			out = append(out, MatchedRule{Rule: &rs[i], Matched: flags})
		}
	}
	if len(out) == 0 && IsAsset(ctx.Path) {
		for i := range rs {
			if ok, flags := m.MatchIgnoringParams(&rs[i], ctx); ok {
				out = append(out, MatchedRule{Rule: &rs[i], Matched: flags})
			}
		}
	}
	return out
}
