package window

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweepable is anything that can drop idle entity state.
type Sweepable interface {
	SweepIdle(maxIdle time.Duration) int
}

// Sweeper periodically evicts entities that stopped transacting, so state
// for idle keys does not wait for a next write that may never come.
type Sweeper struct {
	mu       sync.Mutex
	interval time.Duration
	targets  []sweepTarget
	onSweep  func(evicted int)
}

type sweepTarget struct {
	name    string
	store   Sweepable
	maxIdle time.Duration
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(interval time.Duration) *Sweeper {
	return &Sweeper{interval: interval}
}

// Register adds a store to be swept of entries idle for longer than maxIdle.
func (s *Sweeper) Register(name string, store Sweepable, maxIdle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, sweepTarget{name: name, store: store, maxIdle: maxIdle})
}

// OnSweep sets a callback invoked with the eviction total after every sweep.
func (s *Sweeper) OnSweep(fn func(evicted int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSweep = fn
}

// SweepNow sweeps every registered store once and returns the total number
// of evicted entries.
func (s *Sweeper) SweepNow() int {
	s.mu.Lock()
	targets := make([]sweepTarget, len(s.targets))
	copy(targets, s.targets)
	onSweep := s.onSweep
	s.mu.Unlock()

	total := 0
	for _, t := range targets {
		n := t.store.SweepIdle(t.maxIdle)
		if n > 0 {
			slog.Debug("swept idle entities", "store", t.name, "evicted", n)
		}
		total += n
	}
	if onSweep != nil {
		onSweep(total)
	}
	return total
}

// Run sweeps on every tick until ctx is cancelled. It returns immediately
// when the interval is not positive.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}
