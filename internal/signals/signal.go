// Package signals implements the independent risk signals combined by the
// detector. Every signal owns its entity state in window.Store values keyed
// by user, device, address or merchant, and returns a contribution in [0,1].
//
// Signals use the transaction timestamp as "now" for their windows, so
// replayed traffic is scored as it would have been live. Query methods that
// take no transaction use the signal's clock instead.
package signals

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Kind enumerates the signal implementations.
type Kind int

const (
	KindVelocity Kind = iota
	KindAmount
	KindLocation
	KindDevice
	KindTime
	KindMerchant
	KindBehavioral
	KindNetwork
	KindModel
	KindExpression
)

var kindNames = [...]string{
	KindVelocity:   string(domain.SignalVelocity),
	KindAmount:     string(domain.SignalAmount),
	KindLocation:   string(domain.SignalLocation),
	KindDevice:     string(domain.SignalDevice),
	KindTime:       string(domain.SignalTime),
	KindMerchant:   string(domain.SignalMerchant),
	KindBehavioral: string(domain.SignalBehavioral),
	KindNetwork:    string(domain.SignalNetwork),
	KindModel:      string(domain.SignalModel),
	KindExpression: "expression",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Signal scores one transaction. Implementations must be safe for
// concurrent use and must apply their state update atomically: either the
// whole update for this transaction lands or none of it does.
type Signal interface {
	Kind() Kind
	Score(ctx context.Context, tx *domain.Transaction) (float64, error)
}

// Dependencies are the collaborators signals need beyond configuration.
type Dependencies struct {
	// Resolver enriches network addresses. Defaults to a PrefixResolver.
	Resolver geo.Resolver

	// Scorer backs the model-based signal. Defaults to a ZScoreScorer.
	Scorer Scorer

	// Bands maps anomaly scores to risk. Defaults to DefaultBands.
	Bands BandFunc

	// Clock is used by query methods and idle tracking. Defaults to time.Now.
	Clock func() time.Time
}

// Set holds one instance of every built-in signal.
type Set struct {
	Velocity   *Velocity
	Amount     *Amount
	Location   *Location
	Device     *Device
	Time       *Timing
	Merchant   *Merchant
	Behavioral *Behavioral
	Network    *Network
	Model      *Model
}

// NewSet builds every built-in signal from cfg.
func NewSet(cfg domain.SignalsConfig, deps Dependencies) *Set {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Resolver == nil {
		deps.Resolver = geo.NewPrefixResolver()
	}

	s := &Set{
		Velocity:   NewVelocity(cfg.Velocity, deps.Clock),
		Amount:     NewAmount(cfg.Amount),
		Location:   NewLocation(cfg.Location, deps.Clock),
		Device:     NewDevice(cfg.Device, deps.Clock),
		Time:       NewTiming(cfg.Time, deps.Clock),
		Merchant:   NewMerchant(cfg.Merchant, deps.Clock),
		Behavioral: NewBehavioral(cfg.Behavioral, deps.Clock),
		Network:    NewNetwork(cfg.Network, deps.Resolver, deps.Clock),
	}
	s.Model = NewModel(cfg.Model, ModelOptions{
		Scorer:       deps.Scorer,
		Bands:        deps.Bands,
		Clock:        deps.Clock,
		CategoryRisk: cfg.Merchant.CategoryRisk,
		IPRisk:       s.Network.ReputationScore,
		Holiday:      s.Time.IsHoliday,
	})
	return s
}

// Lookup returns the built-in signal for name.
func (s *Set) Lookup(name domain.SignalName) (Signal, bool) {
	switch name {
	case domain.SignalVelocity:
		return s.Velocity, true
	case domain.SignalAmount:
		return s.Amount, true
	case domain.SignalLocation:
		return s.Location, true
	case domain.SignalDevice:
		return s.Device, true
	case domain.SignalTime:
		return s.Time, true
	case domain.SignalMerchant:
		return s.Merchant, true
	case domain.SignalBehavioral:
		return s.Behavioral, true
	case domain.SignalNetwork:
		return s.Network, true
	case domain.SignalModel:
		return s.Model, true
	default:
		return nil, false
	}
}

// stateful is implemented by signals that keep entity stores.
type stateful interface {
	stores() []namedStore
	reset()
}

type namedStore struct {
	name    string
	store   interface{ Len() int }
	sweep   window.Sweepable
	maxIdle time.Duration
}

func (s *Set) stateful() []stateful {
	return []stateful{s.Velocity, s.Location, s.Device, s.Time, s.Merchant, s.Behavioral, s.Network, s.Model}
}

// RegisterStores adds every entity store to sw for idle eviction.
func (s *Set) RegisterStores(sw *window.Sweeper) {
	for _, st := range s.stateful() {
		for _, ns := range st.stores() {
			sw.Register(ns.name, ns.sweep, ns.maxIdle)
		}
	}
}

// EntityCounts reports how many keys each store holds.
func (s *Set) EntityCounts() map[string]int {
	out := make(map[string]int)
	for _, st := range s.stateful() {
		for _, ns := range st.stores() {
			out[ns.name] = ns.store.Len()
		}
	}
	return out
}

// Reset clears all entity state. Trusted and suspicious marks are kept.
func (s *Set) Reset() {
	for _, st := range s.stateful() {
		st.reset()
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// ramp maps x in [lo, hi] linearly onto [from, to].
func ramp(x, lo, hi, from, to float64) float64 {
	if hi <= lo {
		return to
	}
	return from + (x-lo)/(hi-lo)*(to-from)
}

// perMinute returns count events over the span from oldest to now, with
// the span floored at one minute so bursts inside a single minute report
// their raw count.
func perMinute(count int, oldest, now time.Time) float64 {
	if count == 0 {
		return 0
	}
	minutes := now.Sub(oldest).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	return float64(count) / minutes
}
