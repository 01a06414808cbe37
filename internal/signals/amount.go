package signals

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Amount risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Amount scores the transaction amount after currency normalization. It
// keeps no state.
type Amount struct {
	cfg domain.AmountConfig
}

// NewAmount creates the amount signal. A high-risk threshold that does not
// exceed the suspicious threshold falls back to the defaults.
func NewAmount(cfg domain.AmountConfig) *Amount {
	def := domain.DefaultSignalsConfig().Amount
	if cfg.SuspiciousThreshold <= 0 || cfg.HighRiskThreshold <= cfg.SuspiciousThreshold {
		if cfg.SuspiciousThreshold != 0 || cfg.HighRiskThreshold != 0 {
			slog.Warn("invalid amount thresholds, using defaults",
				"suspicious", cfg.SuspiciousThreshold,
				"high_risk", cfg.HighRiskThreshold,
			)
		}
		cfg.SuspiciousThreshold = def.SuspiciousThreshold
		cfg.HighRiskThreshold = def.HighRiskThreshold
	}
	if cfg.CurrencyMultipliers == nil {
		cfg.CurrencyMultipliers = def.CurrencyMultipliers
	}
	multipliers := make(map[string]float64, len(cfg.CurrencyMultipliers))
	for k, v := range cfg.CurrencyMultipliers {
		multipliers[strings.ToUpper(k)] = v
	}
	cfg.CurrencyMultipliers = multipliers
	return &Amount{cfg: cfg}
}

// Kind implements Signal.
func (a *Amount) Kind() Kind { return KindAmount }

// Score implements Signal.
func (a *Amount) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.Risk(tx.Amount, tx.Currency), nil
}

// Normalize converts amount into the threshold currency.
func (a *Amount) Normalize(amount decimal.Decimal, currency string) float64 {
	m, ok := a.cfg.CurrencyMultipliers[strings.ToUpper(currency)]
	if !ok {
		m = 1.0
	}
	return amount.InexactFloat64() * m
}

// Risk maps a normalized amount onto [0,1]: a 0→0.5 ramp below the
// suspicious threshold, 0.5→1 up to the high-risk threshold, then 1.
func (a *Amount) Risk(amount decimal.Decimal, currency string) float64 {
	n := a.Normalize(amount, currency)
	s, h := a.cfg.SuspiciousThreshold, a.cfg.HighRiskThreshold

	switch {
	case n >= h:
		return 1.0
	case n >= s:
		return clamp01(ramp(n, s, h, 0.5, 1.0))
	default:
		return clamp01(ramp(n, 0, s, 0, 0.5))
	}
}

// IsSuspicious reports whether the normalized amount reaches the
// suspicious threshold.
func (a *Amount) IsSuspicious(amount decimal.Decimal, currency string) bool {
	return a.Normalize(amount, currency) >= a.cfg.SuspiciousThreshold
}

// IsHighRisk reports whether the normalized amount reaches the high-risk
// threshold.
func (a *Amount) IsHighRisk(amount decimal.Decimal, currency string) bool {
	return a.Normalize(amount, currency) >= a.cfg.HighRiskThreshold
}

// RiskLevel classifies the amount as low, medium or high.
func (a *Amount) RiskLevel(amount decimal.Decimal, currency string) string {
	switch {
	case a.IsHighRisk(amount, currency):
		return RiskHigh
	case a.IsSuspicious(amount, currency):
		return RiskMedium
	default:
		return RiskLow
	}
}
