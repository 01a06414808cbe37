package signals

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

// MetaMerchantName is the metadata key carrying a display name for the merchant.
const MetaMerchantName = "merchant_name"

// UnknownCategory groups transactions that carry no merchant category.
const UnknownCategory = "unknown"

const (
	recentMerchantSpan  = 24 * time.Hour
	maxRecentMerchants  = 5
	minMerchantTxs      = 5
	minMerchantUsers    = 3
	categoryDeviationX  = 2.0
	highRiskCategoryVal = 0.6
)

// Merchant scores the merchant side of a transaction: list reputation,
// category risk, merchant velocity, novelty for the user and thin history.
type Merchant struct {
	cfg           domain.MerchantConfig
	highRisk      stringSet
	categoryRisk  map[string]float64
	merchants     *window.Store[merchantRecord]
	categories    *window.Store[categoryRecord]
	userMerchants *window.Store[userMerchantRecord]
	flags         *flagSet
	clock         func() time.Time
}

type merchantRecord struct {
	core     identityCore
	name     string
	category string
	lastRisk float64
}

type categoryRecord struct {
	count int
	total decimal.Decimal
}

type userMerchantRecord struct {
	merchants  map[string]time.Time
	categories map[string]struct{}
}

// MerchantProfile is a snapshot of everything known about a merchant.
type MerchantProfile struct {
	ID               string          `json:"id"`
	Name             string          `json:"name,omitempty"`
	Category         string          `json:"category"`
	TransactionCount int             `json:"transactionCount"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	AverageAmount    decimal.Decimal `json:"averageAmount"`
	FirstSeen        time.Time       `json:"firstSeen"`
	LastSeen         time.Time       `json:"lastSeen"`
	UserCount        int             `json:"userCount"`
	Trusted          bool            `json:"trusted"`
	Suspicious       bool            `json:"suspicious"`
	RiskScore        float64         `json:"riskScore"`
}

// CategoryStats aggregates every transaction seen in a merchant category.
type CategoryStats struct {
	Category      string          `json:"category"`
	Count         int             `json:"count"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	AverageAmount decimal.Decimal `json:"averageAmount"`
}

// NewMerchant creates the merchant signal.
func NewMerchant(cfg domain.MerchantConfig, clock func() time.Time) *Merchant {
	def := domain.DefaultSignalsConfig().Merchant
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxTransactionsPerMerchant <= 0 {
		cfg.MaxTransactionsPerMerchant = def.MaxTransactionsPerMerchant
	}
	if cfg.HighRiskCategories == nil {
		cfg.HighRiskCategories = def.HighRiskCategories
	}
	if cfg.CategoryRisk == nil {
		cfg.CategoryRisk = def.CategoryRisk
	}
	categoryRisk := make(map[string]float64, len(cfg.CategoryRisk))
	for k, v := range cfg.CategoryRisk {
		categoryRisk[strings.ToLower(k)] = clamp01(v)
	}

	return &Merchant{
		cfg:           cfg,
		highRisk:      newStringSet(cfg.HighRiskCategories),
		categoryRisk:  categoryRisk,
		merchants:     window.New[merchantRecord](0).WithClock(clock),
		categories:    window.New[categoryRecord](0).WithClock(clock),
		userMerchants: window.New[userMerchantRecord](0).WithClock(clock),
		flags:         newFlagSet(cfg.TrustedMerchants, cfg.SuspiciousMerchants),
		clock:         clock,
	}
}

// Kind implements Signal.
func (m *Merchant) Kind() Kind { return KindMerchant }

func categoryOf(tx *domain.Transaction) string {
	if c := strings.ToLower(strings.TrimSpace(tx.MerchantCategory)); c != "" {
		return c
	}
	return UnknownCategory
}

// CategoryRisk returns the configured risk for a category, 0.5 when the
// category has no entry.
func (m *Merchant) CategoryRisk(category string) float64 {
	if v, ok := m.categoryRisk[strings.ToLower(category)]; ok {
		return v
	}
	return 0.5
}

// Score implements Signal.
func (m *Merchant) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if tx.MerchantID == "" {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := tx.Timestamp
	category := categoryOf(tx)

	var categoryAvg float64
	m.categories.View(category, func(c *categoryRecord) {
		if c.count > 0 {
			categoryAvg = c.total.InexactFloat64() / float64(c.count)
		}
	})

	novelty := m.noveltyRisk(tx.UserID, tx.MerchantID, category, now)

	risk := novelty
	if m.flags.isSuspicious(tx.MerchantID) {
		risk += 0.8
	}
	if m.flags.isTrusted(tx.MerchantID) {
		risk -= 0.3
	}

	m.merchants.Update(tx.MerchantID, func(r *merchantRecord, exists bool) bool {
		if !exists {
			r.core.init(now)
			r.category = category
			r.name = tx.MetaString(MetaMerchantName)
		}

		risk += m.categoryScore(category, r, categoryAvg)

		rate := r.core.rate(now, m.cfg.Window)
		limit := float64(m.cfg.MaxTransactionsPerMerchant)
		switch {
		case rate > limit:
			risk += 0.5
		case rate > 0.7*limit:
			risk += 0.2
		}

		if r.core.count < minMerchantTxs {
			risk += 0.2
		}
		if len(r.core.users) < minMerchantUsers {
			risk += 0.1
		}

		risk = clamp01(risk)
		r.lastRisk = risk
		r.core.observe(tx.UserID, now, tx.Amount, m.cfg.Window)
		return true
	})

	m.categories.Update(category, func(c *categoryRecord, _ bool) bool {
		c.count++
		c.total = c.total.Add(tx.Amount)
		return true
	})

	m.userMerchants.Update(tx.UserID, func(u *userMerchantRecord, exists bool) bool {
		if !exists {
			u.merchants = make(map[string]time.Time)
			u.categories = make(map[string]struct{})
		}
		if prev, ok := u.merchants[tx.MerchantID]; !ok || now.After(prev) {
			u.merchants[tx.MerchantID] = now
		}
		u.categories[category] = struct{}{}
		return true
	})

	return risk, nil
}

// categoryScore prefers the high-risk list, then a merchant average far
// above its category average, then the category table.
func (m *Merchant) categoryScore(category string, r *merchantRecord, categoryAvg float64) float64 {
	if m.highRisk.has(category) {
		return highRiskCategoryVal
	}
	if r.core.count > 0 && categoryAvg > 0 {
		merchantAvg := r.core.total.InexactFloat64() / float64(r.core.count)
		if merchantAvg > categoryAvg*categoryDeviationX {
			return 0.3
		}
	}
	return m.categoryRisk[category]
}

func (m *Merchant) noveltyRisk(userID, merchantID, category string, now time.Time) float64 {
	risk := 0.2
	m.userMerchants.View(userID, func(u *userMerchantRecord) {
		if _, ok := u.merchants[merchantID]; ok {
			risk = 0
		}
		if _, ok := u.categories[category]; !ok && len(u.categories) > 0 {
			risk += 0.1
		}
		recent := 0
		cutoff := now.Add(-recentMerchantSpan)
		for _, at := range u.merchants {
			if !at.Before(cutoff) {
				recent++
			}
		}
		if recent > maxRecentMerchants {
			risk += 0.3
		}
	})
	return risk
}

// Profile returns the merchant profile.
func (m *Merchant) Profile(merchantID string) (*MerchantProfile, bool) {
	var p *MerchantProfile
	m.merchants.View(merchantID, func(r *merchantRecord) { p = m.snapshot(merchantID, r) })
	if p == nil {
		return nil, false
	}
	return p, true
}

func (m *Merchant) snapshot(id string, r *merchantRecord) *MerchantProfile {
	p := &MerchantProfile{
		ID:               id,
		Name:             r.name,
		Category:         r.category,
		TransactionCount: r.core.count,
		TotalAmount:      r.core.total,
		AverageAmount:    decimal.Zero,
		FirstSeen:        r.core.firstSeen,
		LastSeen:         r.core.lastSeen,
		UserCount:        len(r.core.users),
		Trusted:          m.flags.isTrusted(id),
		Suspicious:       m.flags.isSuspicious(id),
		RiskScore:        r.lastRisk,
	}
	if r.core.count > 0 {
		p.AverageAmount = r.core.total.Div(decimal.NewFromInt(int64(r.core.count)))
	}
	return p
}

// CategoryStats returns the aggregate for a category.
func (m *Merchant) CategoryStats(category string) (*CategoryStats, bool) {
	category = strings.ToLower(category)
	var s *CategoryStats
	m.categories.View(category, func(c *categoryRecord) {
		s = &CategoryStats{Category: category, Count: c.count, TotalAmount: c.total, AverageAmount: decimal.Zero}
		if c.count > 0 {
			s.AverageAmount = c.total.Div(decimal.NewFromInt(int64(c.count)))
		}
	})
	return s, s != nil
}

// UserMerchants returns the merchants a user has transacted with, sorted.
func (m *Merchant) UserMerchants(userID string) []string {
	var out []string
	m.userMerchants.View(userID, func(u *userMerchantRecord) { out = sortedKeys(u.merchants) })
	return out
}

// TopMerchants returns up to limit profiles ordered by total amount.
func (m *Merchant) TopMerchants(limit int) []MerchantProfile {
	var all []MerchantProfile
	m.merchants.Range(func(id string, r *merchantRecord) bool {
		all = append(all, *m.snapshot(id, r))
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if c := all[i].TotalAmount.Cmp(all[j].TotalAmount); c != 0 {
			return c > 0
		}
		return all[i].ID < all[j].ID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// MarkTrusted applies the trusted discount to a merchant.
func (m *Merchant) MarkTrusted(merchantID string) { m.flags.markTrusted(merchantID) }

// MarkSuspicious applies the suspicious penalty to a merchant.
func (m *Merchant) MarkSuspicious(merchantID string) { m.flags.markSuspicious(merchantID) }

func (m *Merchant) stores() []namedStore {
	return []namedStore{
		{name: "merchant_profiles", store: m.merchants, sweep: m.merchants, maxIdle: profileRetention},
		{name: "merchant_categories", store: m.categories, sweep: m.categories, maxIdle: profileRetention},
		{name: "merchant_users", store: m.userMerchants, sweep: m.userMerchants, maxIdle: profileRetention},
	}
}

func (m *Merchant) reset() {
	m.merchants.Reset()
	m.categories.Reset()
	m.userMerchants.Reset()
}
