package geo

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// IPInfo is what a Resolver knows about a network address.
type IPInfo struct {
	IP        string  `json:"ip"`
	Country   string  `json:"country"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	Lng       float64 `json:"lng,omitempty"`
	ASN       string  `json:"asn,omitempty"`
	ISP       string  `json:"isp,omitempty"`
	IsProxy   bool    `json:"isProxy"`
	IsVPN     bool    `json:"isVpn"`
	IsTor     bool    `json:"isTor"`
	IsHosting bool    `json:"isHosting"`
}

// UnknownCountry is reported when an address cannot be placed.
const UnknownCountry = "Unknown"

// Resolver maps an IP address to geolocation and anonymity flags.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*IPInfo, error)
}

// PrefixResolver answers from a static table of CIDR prefixes. Addresses
// not covered by the table are placed by first octet: 1-126 US, 128-191
// CA, 192-223 GB; everything else is Unknown.
type PrefixResolver struct {
	mu       sync.RWMutex
	prefixes []prefixEntry
}

type prefixEntry struct {
	prefix netip.Prefix
	info   IPInfo
}

// NewPrefixResolver creates an empty PrefixResolver.
func NewPrefixResolver() *PrefixResolver {
	return &PrefixResolver{}
}

// Add registers info for every address in cidr. Later entries win when
// prefixes overlap.
func (r *PrefixResolver) Add(cidr string, info IPInfo) error {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("invalid prefix %q: %w", cidr, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefixEntry{prefix: p.Masked(), info: info})
	return nil
}

// Lookup implements Resolver.
func (r *PrefixResolver) Lookup(ctx context.Context, ip string) (*IPInfo, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return nil, fmt.Errorf("invalid ip address %q: %w", ip, err)
	}
	addr = addr.Unmap()

	r.mu.RLock()
	for i := len(r.prefixes) - 1; i >= 0; i-- {
		e := r.prefixes[i]
		if e.prefix.Contains(addr) {
			r.mu.RUnlock()
			info := e.info
			info.IP = addr.String()
			return &info, nil
		}
	}
	r.mu.RUnlock()

	return &IPInfo{IP: addr.String(), Country: countryByOctet(addr)}, nil
}

func countryByOctet(addr netip.Addr) string {
	if !addr.Is4() {
		return UnknownCountry
	}
	first := addr.As4()[0]
	switch {
	case first >= 1 && first <= 126:
		return "US"
	case first >= 128 && first <= 191:
		return "CA"
	case first >= 192 && first <= 223:
		return "GB"
	default:
		return UnknownCountry
	}
}
