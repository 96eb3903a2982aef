package rules

import (
	"strings"

	"github.com/offerpath/dispatch/internal/models"
)

// Blocked evaluates the bundle's deny lists against the context. The first
// matching entry wins and the request is routed to the safe page. The
// returned reason names the list that fired, for logging and metrics.
func Blocked(b *models.BlockSet, ctx *models.RequestContext) (bool, string) {
	if b == nil {
		return false, ""
	}
	for _, p := range b.IPs {
		if MatchIP(p, ctx.IP) {
			return true, "ip"
		}
	}
	for _, p := range b.Orgs {
		if MatchGlob(p, ctx.Org) {
			return true, "org"
		}
	}
	for _, p := range b.Hostnames {
		if MatchGlob(p, ctx.Host) {
			return true, "hostname"
		}
	}
	for _, p := range b.Cities {
		if MatchGlob(p, ctx.Geo.City) {
			return true, "city"
		}
	}
	for _, p := range b.Countries {
		// Countries are exact ISO codes, not patterns.
		if strings.EqualFold(p, ctx.Geo.Country) {
			return true, "country"
		}
	}
	for _, p := range b.Devices {
		if strings.EqualFold(p, ctx.UA.Device) {
			return true, "device"
		}
	}
	for _, p := range b.Browsers {
		if MatchGlob(p, ctx.UA.Browser) {
			return true, "browser"
		}
	}
	for _, p := range b.OSes {
		if MatchGlob(p, ctx.UA.OS) {
			return true, "os"
		}
	}
	return false, ""
}
