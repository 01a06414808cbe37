package signals

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func merchantTx(user, merchant, category string, amount float64, at time.Time) *domain.Transaction {
	tx := newTx("tx", user, amount, at)
	tx.MerchantID = merchant
	tx.MerchantCategory = category
	return tx
}

func TestMerchant(t *testing.T) {
	t.Run("MissingMerchantScoresZero", func(t *testing.T) {
		m := NewMerchant(domain.MerchantConfig{}, fixedClock(base))
		assert.Equal(t, 0.0, score(t, m, newTx("tx", "user-1", 10, base)))
	})

	t.Run("FirstVisitAndRepeat", func(t *testing.T) {
		m := NewMerchant(domain.MerchantConfig{}, fixedClock(base))
		// new merchant 0.2, grocery 0.1, thin history 0.2 + 0.1.
		assert.InDelta(t, 0.6, score(t, m, merchantTx("user-1", "m-1", "grocery", 40, base)), 1e-9)
		assert.InDelta(t, 0.4, score(t, m, merchantTx("user-1", "m-1", "grocery", 40, base.Add(2*time.Hour))), 1e-9)

		p, ok := m.Profile("m-1")
		require.True(t, ok)
		assert.Equal(t, 2, p.TransactionCount)
		assert.Equal(t, "40", p.AverageAmount.String())
		assert.Equal(t, []string{"m-1"}, m.UserMerchants("user-1"))
	})

	t.Run("ConfiguredLists", func(t *testing.T) {
		m := NewMerchant(domain.MerchantConfig{
			SuspiciousMerchants: []string{"m-bad"},
			TrustedMerchants:    []string{"m-good"},
		}, fixedClock(base))
		assert.Equal(t, 1.0, score(t, m, merchantTx("user-1", "m-bad", "grocery", 40, base)))
		assert.InDelta(t, 0.3, score(t, m, merchantTx("user-2", "m-good", "grocery", 40, base)), 1e-9)
	})

	t.Run("HighRiskCategoryWins", func(t *testing.T) {
		m := NewMerchant(domain.MerchantConfig{}, fixedClock(base))
		score(t, m, merchantTx("user-1", "m-1", "grocery", 40, base))
		score(t, m, merchantTx("user-1", "m-1", "grocery", 40, base.Add(2*time.Hour)))

		// new merchant 0.2, new category 0.1, gas 0.2, thin history 0.3.
		assert.InDelta(t, 0.8, score(t, m, merchantTx("user-1", "m-2", "gas", 40, base.Add(3*time.Hour))), 1e-9)
		assert.Equal(t, 1.0, score(t, m, merchantTx("user-1", "m-3", "gambling", 40, base.Add(4*time.Hour))))
	})

	t.Run("AverageFarAboveCategory", func(t *testing.T) {
		m := NewMerchant(domain.MerchantConfig{}, fixedClock(base))
		for i := 0; i < 3; i++ {
			score(t, m, merchantTx("user-1", "m-small", "grocery", 100, base.Add(time.Duration(i)*time.Minute)))
		}
		score(t, m, merchantTx("user-2", "m-big", "grocery", 1000, base.Add(3*time.Minute)))

		// Repeat visit: deviation 0.3 replaces grocery 0.1, thin history 0.3.
		got := score(t, m, merchantTx("user-2", "m-big", "grocery", 1000, base.Add(3*time.Hour)))
		assert.InDelta(t, 0.6, got, 1e-9)

		stats, ok := m.CategoryStats("GROCERY")
		require.True(t, ok)
		assert.Equal(t, 5, stats.Count)
		assert.Equal(t, "460", stats.AverageAmount.String())
	})

	t.Run("TooManyMerchantsInADay", func(t *testing.T) {
		m := NewMerchant(domain.MerchantConfig{}, fixedClock(base))
		for i := 0; i < 6; i++ {
			score(t, m, merchantTx("user-1", fmt.Sprintf("m-%d", i), "grocery", 10, base.Add(time.Duration(i)*10*time.Minute)))
		}
		got := score(t, m, merchantTx("user-1", "m-new", "grocery", 10, base.Add(2*time.Hour)))
		assert.InDelta(t, 0.9, got, 1e-9)
	})

	t.Run("MarksAndTopMerchants", func(t *testing.T) {
		m := NewMerchant(domain.MerchantConfig{}, fixedClock(base))
		score(t, m, merchantTx("user-1", "m-1", "grocery", 10, base))
		score(t, m, merchantTx("user-1", "m-2", "grocery", 500, base))

		m.MarkSuspicious("m-1")
		p, _ := m.Profile("m-1")
		assert.True(t, p.Suspicious)

		m.MarkTrusted("m-1")
		p, _ = m.Profile("m-1")
		assert.True(t, p.Trusted)
		assert.False(t, p.Suspicious)

		top := m.TopMerchants(1)
		require.Len(t, top, 1)
		assert.Equal(t, "m-2", top[0].ID)
	})

	t.Run("CategoryRiskDefault", func(t *testing.T) {
		m := NewMerchant(domain.MerchantConfig{}, fixedClock(base))
		assert.Equal(t, 0.9, m.CategoryRisk("Adult"))
		assert.Equal(t, 0.5, m.CategoryRisk("books"))
	})
}
