package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/offerpath/dispatch/internal/models"
)

// GeoIP fills in geographic context from a MaxMind City DB when the edge
// did not annotate the request. All lookups are nil-safe so the dispatcher
// can run without a database in development.
type GeoIP struct {
	db *geoip2.Reader
}

// Init opens the GeoIP2 database located at path. An empty path returns a
// disabled instance.
func Init(path string) (*GeoIP, error) {
	if path == "" {
		return &GeoIP{}, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIP{db: db}, nil
}

// Lookup returns the geographic record for ip. Missing entries return the
// zero Geo.
func (g *GeoIP) Lookup(ipString string) models.Geo {
	var geo models.Geo
	if g == nil || g.db == nil {
		return geo
	}
	ip := net.ParseIP(ipString)
	if ip == nil {
		return geo
	}
	rec, err := g.db.City(ip)
	if err != nil {
		return geo
	}
	geo.Country = rec.Country.IsoCode
	geo.Continent = rec.Continent.Code
	geo.City = rec.City.Names["en"]
	if len(rec.Subdivisions) > 0 {
		geo.Region = rec.Subdivisions[0].Names["en"]
		geo.RegionCode = rec.Subdivisions[0].IsoCode
	}
	geo.Lat = rec.Location.Latitude
	geo.Lon = rec.Location.Longitude
	geo.Timezone = rec.Location.TimeZone
	geo.Postal = rec.Postal.Code
	return geo
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
