package signals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Network scores the source address: list and country reputation,
// mismatch against the declared location, per-address velocity, anonymity
// flags and sharing between users.
type Network struct {
	cfg                 domain.NetworkConfig
	resolver            geo.Resolver
	ips                 *window.Store[ipRecord]
	userIPs             *identityIndex
	flags               *flagSet
	suspiciousCountries stringSet
	trustedCountries    stringSet
	suspiciousASNs      stringSet
	clock               func() time.Time
}

type ipRecord struct {
	core     identityCore
	info     geo.IPInfo
	lastRisk float64
}

// IPProfile is a snapshot of everything known about a network address.
type IPProfile struct {
	geo.IPInfo
	Suspicious       bool            `json:"suspicious"`
	Trusted          bool            `json:"trusted"`
	FirstSeen        time.Time       `json:"firstSeen"`
	LastSeen         time.Time       `json:"lastSeen"`
	TransactionCount int             `json:"transactionCount"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Users            []string        `json:"users"`
	RiskScore        float64         `json:"riskScore"`
}

// NetworkAnomaly describes a risky property of an address a user has used.
type NetworkAnomaly struct {
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Score     float64 `json:"score"`
	IPAddress string  `json:"ipAddress"`
}

// NewNetwork creates the network signal.
func NewNetwork(cfg domain.NetworkConfig, resolver geo.Resolver, clock func() time.Time) *Network {
	def := domain.DefaultSignalsConfig().Network
	if cfg.MaxUsersPerIP <= 0 {
		cfg.MaxUsersPerIP = def.MaxUsersPerIP
	}
	if cfg.MaxIPsPerUser <= 0 {
		cfg.MaxIPsPerUser = def.MaxIPsPerUser
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if resolver == nil {
		resolver = geo.NewPrefixResolver()
	}
	return &Network{
		cfg:                 cfg,
		resolver:            resolver,
		ips:                 window.New[ipRecord](0).WithClock(clock),
		userIPs:             newIdentityIndex(clock),
		flags:               newFlagSet(cfg.TrustedIPs, cfg.SuspiciousIPs),
		suspiciousCountries: newStringSet(cfg.SuspiciousCountries),
		trustedCountries:    newStringSet(cfg.TrustedCountries),
		suspiciousASNs:      newStringSet(cfg.SuspiciousASNs),
		clock:               clock,
	}
}

// Kind implements Signal.
func (n *Network) Kind() Kind { return KindNetwork }

// Score implements Signal. Resolver failures are returned as errors so the
// detector drops the rule instead of scoring an unresolved address.
func (n *Network) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	ip := strings.TrimSpace(tx.IPAddress)
	if ip == "" {
		return 0, nil
	}

	var known *geo.IPInfo
	n.ips.View(ip, func(r *ipRecord) {
		info := r.info
		known = &info
	})
	if known == nil {
		info, err := n.resolver.Lookup(ctx, ip)
		if err != nil {
			return 0, fmt.Errorf("resolve %s: %w", ip, err)
		}
		known = info
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := tx.Timestamp
	trusted := n.flags.isTrusted(ip)
	suspicious := n.flags.isSuspicious(ip)
	userIPCount := n.userIPs.count(tx.UserID, now)

	var risk float64
	n.ips.Update(ip, func(r *ipRecord, exists bool) bool {
		var novelty float64
		if !exists {
			r.core.init(now)
			r.info = *known
			if !trusted {
				novelty = 0.3
				if userIPCount >= n.cfg.MaxIPsPerUser {
					novelty = 0.6
				}
			}
		}
		users := r.core.usersWith(tx.UserID)

		risk = novelty + n.reputationRisk(&r.info, trusted, suspicious, users)
		risk += n.geoMismatchRisk(tx, &r.info)

		rate := r.core.rate(now, n.cfg.Window)
		switch {
		case rate > 10:
			risk += 0.7
		case rate > 5:
			risk += 0.4
		}

		risk += anonymityRisk(&r.info)
		if n.suspiciousASNs.has(r.info.ASN) {
			risk += 0.4
		}
		if users > 1 {
			risk += 0.3
		}

		risk = clamp01(risk)
		r.lastRisk = risk
		r.core.observe(tx.UserID, now, tx.Amount, n.cfg.Window)
		return true
	})
	n.userIPs.add(tx.UserID, ip, now)

	return risk, nil
}

func (n *Network) reputationRisk(info *geo.IPInfo, trusted, suspicious bool, users int) float64 {
	var risk float64
	if suspicious {
		risk += 0.8
	}
	if trusted {
		risk -= 0.3
	}
	if n.suspiciousCountries.has(info.Country) {
		risk += 0.4
	}
	if n.trustedCountries.has(info.Country) {
		risk -= 0.2
	}
	if users > n.cfg.MaxUsersPerIP {
		risk += 0.3
	}
	if risk < 0 {
		return 0
	}
	return risk
}

func (n *Network) geoMismatchRisk(tx *domain.Transaction, info *geo.IPInfo) float64 {
	if tx.Location == nil || tx.Location.Country == "" {
		return 0
	}
	if info.Country == "" || info.Country == geo.UnknownCountry {
		return 0
	}
	if !strings.EqualFold(tx.Location.Country, info.Country) {
		return 0.6
	}
	return 0
}

func anonymityRisk(info *geo.IPInfo) float64 {
	var risk float64
	if info.IsProxy {
		risk += 0.5
	}
	if info.IsVPN {
		risk += 0.3
	}
	if info.IsTor {
		risk += 0.8
	}
	if info.IsHosting {
		risk += 0.2
	}
	return risk
}

// ReputationScore returns a coarse prior for ip: 0.1 trusted, 0.9
// suspicious, 0.3 seen before and 0.5 unknown.
func (n *Network) ReputationScore(ip string) float64 {
	switch {
	case ip == "":
		return 0.5
	case n.flags.isTrusted(ip):
		return 0.1
	case n.flags.isSuspicious(ip):
		return 0.9
	case n.ips.Has(ip):
		return 0.3
	default:
		return 0.5
	}
}

// Profile returns the address profile.
func (n *Network) Profile(ip string) (*IPProfile, bool) {
	var p *IPProfile
	n.ips.View(ip, func(r *ipRecord) { p = n.snapshot(r) })
	if p == nil {
		return nil, false
	}
	p.Trusted = n.flags.isTrusted(ip)
	p.Suspicious = n.flags.isSuspicious(ip)
	return p, true
}

func (n *Network) snapshot(r *ipRecord) *IPProfile {
	return &IPProfile{
		IPInfo:           r.info,
		FirstSeen:        r.core.firstSeen,
		LastSeen:         r.core.lastSeen,
		TransactionCount: r.core.count,
		TotalAmount:      r.core.total,
		Users:            sortedKeys(r.core.users),
		RiskScore:        r.lastRisk,
	}
}

// UserIPs returns the addresses seen for a user, sorted.
func (n *Network) UserIPs(userID string) []string {
	return n.userIPs.list(userID)
}

// TopIPs returns up to limit profiles ordered by transaction count.
func (n *Network) TopIPs(limit int) []IPProfile {
	return n.top(limit, func(*ipRecord) bool { return true }, func(a, b IPProfile) bool {
		return a.TransactionCount > b.TransactionCount
	})
}

// RiskiestIPs returns up to limit profiles whose last score exceeded 0.5,
// highest first.
func (n *Network) RiskiestIPs(limit int) []IPProfile {
	return n.top(limit, func(r *ipRecord) bool { return r.lastRisk > 0.5 }, func(a, b IPProfile) bool {
		return a.RiskScore > b.RiskScore
	})
}

func (n *Network) top(limit int, keep func(*ipRecord) bool, less func(a, b IPProfile) bool) []IPProfile {
	var all []IPProfile
	n.ips.Range(func(_ string, r *ipRecord) bool {
		if keep(r) {
			all = append(all, *n.snapshot(r))
		}
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if less(all[i], all[j]) {
			return true
		}
		if less(all[j], all[i]) {
			return false
		}
		return all[i].IP < all[j].IP
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Anomalies lists risky properties of the addresses a user has used.
func (n *Network) Anomalies(userID string) []NetworkAnomaly {
	var out []NetworkAnomaly
	for _, ip := range n.userIPs.list(userID) {
		p, ok := n.Profile(ip)
		if !ok {
			continue
		}
		if p.IsProxy {
			out = append(out, NetworkAnomaly{Type: "proxy", Severity: SeverityMedium.String(), Score: 0.5, IPAddress: ip})
		}
		if p.IsVPN {
			out = append(out, NetworkAnomaly{Type: "vpn", Severity: SeverityLow.String(), Score: 0.3, IPAddress: ip})
		}
		if p.IsTor {
			out = append(out, NetworkAnomaly{Type: "tor", Severity: SeverityHigh.String(), Score: 0.8, IPAddress: ip})
		}
		if len(p.Users) > n.cfg.MaxUsersPerIP {
			out = append(out, NetworkAnomaly{Type: "shared", Severity: SeverityMedium.String(), Score: 0.4, IPAddress: ip})
		}
	}
	return out
}

// MarkTrusted lowers the reputation risk of an address.
func (n *Network) MarkTrusted(ip string) { n.flags.markTrusted(ip) }

// MarkSuspicious raises the reputation risk of an address.
func (n *Network) MarkSuspicious(ip string) { n.flags.markSuspicious(ip) }

func (n *Network) stores() []namedStore {
	return []namedStore{
		{name: "network_profiles", store: n.ips, sweep: n.ips, maxIdle: profileRetention},
		{name: "network_users", store: n.userIPs.store, sweep: n.userIPs.store, maxIdle: profileRetention},
	}
}

func (n *Network) reset() {
	n.ips.Reset()
	n.userIPs.store.Reset()
}
