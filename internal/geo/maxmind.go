package geo

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves addresses with MaxMind GeoIP2/GeoLite2
// databases. The ASN and Anonymous-IP databases are optional.
type MaxMindResolver struct {
	city      *geoip2.Reader
	asn       *geoip2.Reader
	anonymous *geoip2.Reader
}

// OpenMaxMind opens the given database files. Empty asnPath or anonPath
// skips that database.
func OpenMaxMind(cityPath, asnPath, anonPath string) (*MaxMindResolver, error) {
	if cityPath == "" {
		return nil, fmt.Errorf("city database path is required")
	}

	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open city database: %w", err)
	}
	r := &MaxMindResolver{city: city}

	if asnPath != "" {
		r.asn, err = geoip2.Open(asnPath)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("failed to open asn database: %w", err)
		}
	}
	if anonPath != "" {
		r.anonymous, err = geoip2.Open(anonPath)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("failed to open anonymous ip database: %w", err)
		}
	}
	return r, nil
}

// Lookup implements Resolver. The readers are memory-mapped, so ctx is
// only checked up front.
func (r *MaxMindResolver) Lookup(ctx context.Context, ip string) (*IPInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip address %q", ip)
	}

	city, err := r.city.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("city lookup failed: %w", err)
	}

	info := &IPInfo{
		IP:      parsed.String(),
		Country: city.Country.IsoCode,
		City:    city.City.Names["en"],
		Lat:     city.Location.Latitude,
		Lng:     city.Location.Longitude,
		IsProxy: city.Traits.IsAnonymousProxy,
	}
	if info.Country == "" {
		info.Country = UnknownCountry
	}
	if len(city.Subdivisions) > 0 {
		info.Region = city.Subdivisions[0].IsoCode
	}

	if r.asn != nil {
		if asn, err := r.asn.ASN(parsed); err == nil && asn.AutonomousSystemNumber != 0 {
			info.ASN = fmt.Sprintf("AS%d", asn.AutonomousSystemNumber)
			info.ISP = asn.AutonomousSystemOrganization
		}
	}

	if r.anonymous != nil {
		if anon, err := r.anonymous.AnonymousIP(parsed); err == nil {
			info.IsVPN = anon.IsAnonymousVPN
			info.IsTor = anon.IsTorExitNode
			info.IsHosting = anon.IsHostingProvider
			info.IsProxy = info.IsProxy || anon.IsPublicProxy
		}
	}

	return info, nil
}

// Close releases the database readers.
func (r *MaxMindResolver) Close() error {
	var firstErr error
	for _, reader := range []*geoip2.Reader{r.city, r.asn, r.anonymous} {
		if reader == nil {
			continue
		}
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
