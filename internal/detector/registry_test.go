package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestRegistry(t *testing.T) {
	t.Run("DefaultsInOrder", func(t *testing.T) {
		r := NewRegistry(domain.DefaultConfig().Detector, nil)

		rules := r.Rules()
		require.Len(t, rules, len(domain.SignalNames))
		for i, name := range domain.SignalNames {
			assert.Equal(t, string(name), rules[i].Name)
		}

		ml, ok := r.Rule("ml")
		require.True(t, ok)
		assert.False(t, ml.Enabled)
		assert.Equal(t, 0.20, ml.Weight)

		amount, _ := r.Rule("amount")
		assert.True(t, amount.Enabled)
		assert.Equal(t, 0.9, amount.Threshold)
		assert.Equal(t, len(domain.DefaultRules()), r.EnabledCount())
	})

	t.Run("ConfigOverrides", func(t *testing.T) {
		cfg := domain.DetectorConfig{
			Rules:      []string{"velocity", "bogus"},
			Thresholds: map[string]float64{"velocity": 0.5, "amount": 3},
		}
		r := NewRegistry(cfg, nil)

		v, _ := r.Rule("velocity")
		assert.True(t, v.Enabled)
		assert.Equal(t, 0.5, v.Threshold)

		a, _ := r.Rule("amount")
		assert.False(t, a.Enabled)
		assert.Equal(t, 1.0, a.Threshold)

		_, ok := r.Rule("bogus")
		assert.False(t, ok)
		assert.Equal(t, 1, r.EnabledCount())
	})

	t.Run("CustomRulesOverrideOrAppend", func(t *testing.T) {
		cfg := domain.DetectorConfig{
			Rules: []string{"amount"},
			CustomRules: []domain.DetectionRule{
				{Name: "amount", Weight: 0.5, Threshold: 0.4, Enabled: true},
				{Name: "night_owl", Weight: 0.3, Threshold: 0.5, Enabled: true, Expression: "hour < 5"},
			},
		}
		r := NewRegistry(cfg, nil)

		rules := r.Rules()
		require.Len(t, rules, len(domain.SignalNames)+1)
		assert.Equal(t, "amount", rules[1].Name)
		assert.Equal(t, 0.5, rules[1].Weight)
		assert.Equal(t, "night_owl", rules[len(rules)-1].Name)
		assert.Equal(t, 2, r.EnabledCount())

		entries := r.snapshot()
		assert.Nil(t, entries[1].expr)
		assert.NotNil(t, entries[len(entries)-1].expr)
	})

	t.Run("BadExpressionDisablesRule", func(t *testing.T) {
		r := NewRegistry(domain.DetectorConfig{}, nil)

		err := r.Add(domain.DetectionRule{Name: "text", Weight: 1, Enabled: true, Expression: "currency"})
		require.Error(t, err)

		got, ok := r.Rule("text")
		require.True(t, ok)
		assert.False(t, got.Enabled)
	})

	t.Run("Mutations", func(t *testing.T) {
		r := NewRegistry(domain.DefaultConfig().Detector, nil)

		require.NoError(t, r.SetThreshold("device", 0.25))
		got, _ := r.Rule("device")
		assert.Equal(t, 0.25, got.Threshold)

		require.NoError(t, r.SetWeight("device", -1))
		got, _ = r.Rule("device")
		assert.Zero(t, got.Weight)

		require.NoError(t, r.Disable("device"))
		got, _ = r.Rule("device")
		assert.False(t, got.Enabled)
		require.NoError(t, r.Enable("ml"))

		assert.ErrorIs(t, r.SetThreshold("device", 1.01), domain.ErrInvalidThreshold)
		assert.ErrorIs(t, r.SetThreshold("nope", 0.5), domain.ErrUnknownRule)
		assert.ErrorIs(t, r.SetWeight("nope", 1), domain.ErrUnknownRule)
		assert.ErrorIs(t, r.Disable("nope"), domain.ErrUnknownRule)
		assert.Error(t, r.Add(domain.DetectionRule{}))
	})

	t.Run("SnapshotIsIsolated", func(t *testing.T) {
		r := NewRegistry(domain.DefaultConfig().Detector, nil)
		snap := r.snapshot()
		require.NoError(t, r.Disable("velocity"))
		assert.True(t, snap[0].rule.Enabled)
	})
}
