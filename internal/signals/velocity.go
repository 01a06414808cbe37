package signals

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Velocity scores how fast a user is transacting: transaction count and
// cumulative amount inside a trailing window, each relative to a cap.
type Velocity struct {
	cfg   domain.VelocityConfig
	users *window.Store[velocityRecord]
	clock func() time.Time
}

type velocityRecord struct {
	events window.Series[decimal.Decimal]
}

// VelocityStats summarizes a user's recent activity.
type VelocityStats struct {
	UserID      string          `json:"userId"`
	Window      time.Duration   `json:"window"`
	Count       int             `json:"count"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// maxVelocityEvents bounds per-user history independently of the window.
const maxVelocityEvents = 10000

// NewVelocity creates the velocity signal.
func NewVelocity(cfg domain.VelocityConfig, clock func() time.Time) *Velocity {
	def := domain.DefaultSignalsConfig().Velocity
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = def.MaxTransactions
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = def.MaxAmount
	}
	return &Velocity{
		cfg:   cfg,
		users: window.New[velocityRecord](0).WithClock(clock),
		clock: clock,
	}
}

// Kind implements Signal.
func (v *Velocity) Kind() Kind { return KindVelocity }

// Score implements Signal.
func (v *Velocity) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := tx.Timestamp
	cutoff := now.Add(-v.cfg.Window)
	var score float64

	v.users.Update(tx.UserID, func(r *velocityRecord, exists bool) bool {
		if !exists {
			r.events = window.NewSeries[decimal.Decimal](maxVelocityEvents)
		}

		recent := r.events.Between(cutoff, now)
		total := tx.Amount
		for _, e := range recent {
			total = total.Add(e.Value)
		}

		countRisk := clamp01(float64(len(recent)+1) / float64(v.cfg.MaxTransactions))
		amountRisk := clamp01(total.InexactFloat64() / v.cfg.MaxAmount)
		score = (countRisk + amountRisk) / 2

		r.events.Append(now, tx.Amount)
		r.events.PruneBefore(cutoff)
		return true
	})

	return clamp01(score), nil
}

// Stats returns the user's transaction count and total amount over the
// trailing span ending now. A non-positive span uses the configured window.
func (v *Velocity) Stats(userID string, span time.Duration) VelocityStats {
	if span <= 0 {
		span = v.cfg.Window
	}
	now := v.clock()
	stats := VelocityStats{UserID: userID, Window: span, TotalAmount: decimal.Zero}

	v.users.View(userID, func(r *velocityRecord) {
		for _, e := range r.events.Between(now.Add(-span), now) {
			stats.Count++
			stats.TotalAmount = stats.TotalAmount.Add(e.Value)
		}
	})
	return stats
}

func (v *Velocity) stores() []namedStore {
	return []namedStore{{name: "velocity_users", store: v.users, sweep: v.users, maxIdle: v.cfg.Window}}
}

func (v *Velocity) reset() { v.users.Reset() }
