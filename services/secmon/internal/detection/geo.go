package detection

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Locator maps an IP address to a coarse location label. Two addresses in
// the same place must map to the same label.
type Locator interface {
	Locate(ip string) (string, error)
}

// GeoIPResolver resolves locations from a MaxMind City database.
type GeoIPResolver struct {
	db     *geoip2.Reader
	logger *slog.Logger
}

// NewGeoIPResolver opens the City database at path.
func NewGeoIPResolver(path string, logger *slog.Logger) (*GeoIPResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open city database: %w", err)
	}
	return &GeoIPResolver{
		db:     db,
		logger: logger.With("component", "geoip-resolver"),
	}, nil
}

// Locate returns "<country>/<city>", or just the country code when the
// database has no city for the address.
func (g *GeoIPResolver) Locate(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid IP address: %s", ip)
	}
	record, err := g.db.City(parsed)
	if err != nil {
		return "", fmt.Errorf("city lookup: %w", err)
	}

	country := record.Country.IsoCode
	if country == "" {
		return "", nil
	}
	if city := record.City.Names["en"]; city != "" {
		return country + "/" + city, nil
	}
	return country, nil
}

// Close releases the database.
func (g *GeoIPResolver) Close() error {
	return g.db.Close()
}

// PrefixLocator treats the network prefix of an address as its location:
// /24 for IPv4, /48 for IPv6. Used when no GeoIP database is configured.
type PrefixLocator struct{}

func (PrefixLocator) Locate(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid IP address: %s", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		return (&net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}).String(), nil
	}
	return (&net.IPNet{IP: parsed.Mask(net.CIDRMask(48, 128)), Mask: net.CIDRMask(48, 128)}).String(), nil
}
