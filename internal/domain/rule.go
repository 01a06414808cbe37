package domain

// SignalName identifies one of the built-in risk signals.
type SignalName string

// Built-in signal names. These are also the default rule names.
const (
	SignalVelocity   SignalName = "velocity"
	SignalAmount     SignalName = "amount"
	SignalLocation   SignalName = "location"
	SignalDevice     SignalName = "device"
	SignalTime       SignalName = "time"
	SignalMerchant   SignalName = "merchant"
	SignalBehavioral SignalName = "behavioral"
	SignalNetwork    SignalName = "network"
	SignalModel      SignalName = "ml"
)

// SignalNames lists the built-in signals in default registry order.
var SignalNames = []SignalName{
	SignalVelocity,
	SignalAmount,
	SignalLocation,
	SignalDevice,
	SignalTime,
	SignalMerchant,
	SignalBehavioral,
	SignalNetwork,
	SignalModel,
}

// Valid reports whether n is a built-in signal name.
func (n SignalName) Valid() bool {
	for _, s := range SignalNames {
		if s == n {
			return true
		}
	}
	return false
}

// DetectionRule binds a signal to the aggregate score.
type DetectionRule struct {
	// Name is the unique registry key. For built-in rules it equals the signal name.
	Name string `json:"name"`

	// Weight in the weighted aggregate. Negative weights are treated as 0.
	Weight float64 `json:"weight"`

	// Threshold at or above which the rule counts as triggered.
	Threshold float64 `json:"threshold"`

	Enabled bool `json:"enabled"`

	// Expression is a CEL expression for custom rules that are not backed
	// by a built-in signal. It must evaluate to bool, int or double.
	Expression string `json:"expression,omitempty"`

	// Config is opaque per-rule configuration.
	Config map[string]any `json:"config,omitempty"`
}

// RuleDefaults holds the built-in weight and threshold for a signal.
type RuleDefaults struct {
	Weight    float64
	Threshold float64
}

// DefaultRuleSettings returns the built-in weights and thresholds.
func DefaultRuleSettings() map[SignalName]RuleDefaults {
	return map[SignalName]RuleDefaults{
		SignalVelocity:   {Weight: 0.15, Threshold: 0.8},
		SignalAmount:     {Weight: 0.15, Threshold: 0.9},
		SignalLocation:   {Weight: 0.15, Threshold: 0.7},
		SignalDevice:     {Weight: 0.15, Threshold: 0.8},
		SignalTime:       {Weight: 0.10, Threshold: 0.6},
		SignalMerchant:   {Weight: 0.15, Threshold: 0.7},
		SignalBehavioral: {Weight: 0.10, Threshold: 0.6},
		SignalNetwork:    {Weight: 0.10, Threshold: 0.8},
		SignalModel:      {Weight: 0.20, Threshold: 0.5},
	}
}
