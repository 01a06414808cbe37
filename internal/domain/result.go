package domain

import (
	"time"
)

// FraudResult is the outcome of analyzing one transaction.
type FraudResult struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transactionId"`
	RiskScore     float64 `json:"riskScore"`
	IsFraudulent  bool    `json:"isFraudulent"`
	Confidence    float64 `json:"confidence"`

	// TriggeredRules holds rule names whose raw score met their threshold,
	// in registry order.
	TriggeredRules []string `json:"triggeredRules"`

	// Scores holds one entry per rule that contributed to the aggregate.
	Scores []RuleScore `json:"scores,omitempty"`

	Recommendations []string `json:"recommendations,omitempty"`

	Details Diagnostics `json:"details"`
}

// RuleScore is a single rule's contribution.
type RuleScore struct {
	Rule      string  `json:"rule"`
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
	Threshold float64 `json:"threshold"`
	Triggered bool    `json:"triggered"`
}

// Diagnostics describes how a result was produced.
type Diagnostics struct {
	Algorithm      string            `json:"algorithm"`
	ProcessingTime time.Duration     `json:"-"`
	ProcessingMs   float64           `json:"processingMs"`
	Timestamp      time.Time         `json:"timestamp"`
	RulesEvaluated int               `json:"rulesEvaluated"`
	RulesSkipped   int               `json:"rulesSkipped"`
	RulesFailed    int               `json:"rulesFailed"`
	Failures       map[string]string `json:"failures,omitempty"`
}

// AlgorithmName is reported in Diagnostics.Algorithm.
const AlgorithmName = "multi-signal"

// HasTriggered reports whether the named rule triggered.
func (r *FraudResult) HasTriggered(name string) bool {
	for _, t := range r.TriggeredRules {
		if t == name {
			return true
		}
	}
	return false
}

// Score returns the contribution recorded for the named rule.
func (r *FraudResult) Score(name string) (RuleScore, bool) {
	for _, s := range r.Scores {
		if s.Rule == name {
			return s, true
		}
	}
	return RuleScore{}, false
}

// DecisionMessage is the event bus payload carrying a verdict.
type DecisionMessage struct {
	Result  *FraudResult `json:"result"`
	TraceID string       `json:"traceId,omitempty"`
}
