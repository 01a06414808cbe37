package signals

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/window"
)

// identityCore is the bookkeeping shared by device and network address
// profiles: usage totals, the users seen on the identifier, and the recent
// activity inside the velocity window.
type identityCore struct {
	firstSeen time.Time
	lastSeen  time.Time
	count     int
	total     decimal.Decimal
	users     map[string]struct{}
	recent    window.Series[struct{}]
}

func (c *identityCore) init(now time.Time) {
	c.firstSeen = now
	c.users = make(map[string]struct{})
	c.recent = window.NewSeries[struct{}](maxRecentEvents)
}

// observe records one use by user and drops activity older than span.
func (c *identityCore) observe(user string, now time.Time, amount decimal.Decimal, span time.Duration) {
	if c.lastSeen.IsZero() || now.After(c.lastSeen) {
		c.lastSeen = now
	}
	c.count++
	c.total = c.total.Add(amount)
	c.users[user] = struct{}{}
	c.recent.Append(now, struct{}{})
	c.recent.PruneBefore(now.Add(-span))
}

// rate returns uses per minute inside the window ending at now, counting
// one extra use for the transaction being scored.
func (c *identityCore) rate(now time.Time, span time.Duration) float64 {
	inWindow := c.recent.Between(now.Add(-span), now)
	if len(inWindow) == 0 {
		return 0
	}
	return perMinute(len(inWindow)+1, inWindow[0].At, now)
}

func (c *identityCore) hasUser(user string) bool {
	_, ok := c.users[user]
	return ok
}

// usersWith returns the user count after user is added.
func (c *identityCore) usersWith(user string) int {
	if c.hasUser(user) {
		return len(c.users)
	}
	return len(c.users) + 1
}

// profileRetention is how long an idle device, address or merchant profile
// is kept. Novelty checks depend on it, so it is much longer than the
// velocity windows.
const profileRetention = 7 * 24 * time.Hour

// maxRecentEvents bounds per-identifier velocity history. Rates above this
// many events per window already saturate every velocity band.
const maxRecentEvents = 1000

// identityIndex is the reverse index user → identifiers with last use.
type identityIndex struct {
	store *window.Store[map[string]time.Time]
}

func newIdentityIndex(clock func() time.Time) *identityIndex {
	return &identityIndex{store: window.New[map[string]time.Time](0).WithClock(clock)}
}

// add records id for user and forgets ids unused for profileRetention, so
// per-user caps count only identifiers still in use.
func (x *identityIndex) add(user, id string, at time.Time) {
	cutoff := at.Add(-profileRetention)
	x.store.Update(user, func(m *map[string]time.Time, exists bool) bool {
		if *m == nil {
			*m = make(map[string]time.Time)
		}
		for old, last := range *m {
			if last.Before(cutoff) {
				delete(*m, old)
			}
		}
		if prev, ok := (*m)[id]; !ok || at.After(prev) {
			(*m)[id] = at
		}
		return true
	})
}

// count returns how many of user's identifiers were used within
// profileRetention before at.
func (x *identityIndex) count(user string, at time.Time) int {
	cutoff := at.Add(-profileRetention)
	n := 0
	x.store.View(user, func(m *map[string]time.Time) {
		for _, last := range *m {
			if !last.Before(cutoff) {
				n++
			}
		}
	})
	return n
}

func (x *identityIndex) has(user, id string) bool {
	found := false
	x.store.View(user, func(m *map[string]time.Time) { _, found = (*m)[id] })
	return found
}

func (x *identityIndex) list(user string) []string {
	var out []string
	x.store.View(user, func(m *map[string]time.Time) { out = sortedKeys(*m) })
	return out
}
