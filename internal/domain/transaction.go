package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single financial transaction submitted for analysis.
// Only ID, UserID and Amount are required; every other field is optional
// and its absence means "no signal" for that attribute.
type Transaction struct {
	ID     string          `json:"id"`
	UserID string          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`

	// ISO 4217 code; empty is treated as USD.
	Currency string `json:"currency,omitempty"`

	// Zero means "now" at analysis time.
	Timestamp time.Time `json:"timestamp,omitempty"`

	Location *Location `json:"location,omitempty"`

	MerchantID       string `json:"merchantId,omitempty"`
	MerchantCategory string `json:"merchantCategory,omitempty"`
	PaymentMethod    string `json:"paymentMethod,omitempty"`

	DeviceID  string `json:"deviceId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Location is a geographic coordinate with optional place names.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
	State   string  `json:"state,omitempty"`
}

// DefaultCurrency is assumed when a transaction carries no currency code.
const DefaultCurrency = "USD"

// Validate checks the required fields.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is nil", ErrInvalidTransaction)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTransaction)
	}
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidTransaction)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be non-negative, got %s", ErrInvalidTransaction, t.Amount)
	}
	return nil
}

// Normalized returns a copy with defaults applied: a zero timestamp becomes
// now (UTC) and an empty currency becomes DefaultCurrency. The metadata map
// and location are copied so the result shares no mutable state with t.
func (t Transaction) Normalized(now time.Time) Transaction {
	if t.Timestamp.IsZero() {
		t.Timestamp = now.UTC()
	}
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	t.Currency = strings.ToUpper(t.Currency)
	if t.Location != nil {
		loc := *t.Location
		t.Location = &loc
	}
	if t.Metadata != nil {
		md := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			md[k] = v
		}
		t.Metadata = md
	}
	return t
}

// AmountFloat returns the amount as a float64 for scoring arithmetic.
func (t *Transaction) AmountFloat() float64 {
	return t.Amount.InexactFloat64()
}

// MetaString returns metadata[key] when it holds a non-empty string.
func (t *Transaction) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if s, ok := t.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetaFloat returns metadata[key] as a float64 when it holds a number.
func (t *Transaction) MetaFloat(key string) (float64, bool) {
	if t.Metadata == nil {
		return 0, false
	}
	switch v := t.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// TransactionMessage is the event bus payload for asynchronous analysis.
type TransactionMessage struct {
	Transaction Transaction `json:"transaction"`
	TraceID     string      `json:"traceId,omitempty"`
}
