package signals

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExpressionEnv compiles CEL expressions for custom rules.
type ExpressionEnv struct {
	env *cel.Env
}

// NewExpressionEnv creates the CEL environment with the transaction
// variables available to custom rules.
func NewExpressionEnv() (*ExpressionEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("country", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionEnv{env: env}, nil
}

// Compile checks expr and returns a signal evaluating it. The expression
// must return bool, int or double.
func (e *ExpressionEnv) Compile(name, expr string) (*Expression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", name, issues.Err())
	}

	out := ast.OutputType()
	if out != cel.BoolType && out != cel.DoubleType && out != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", name, out)
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", name, err)
	}
	return &Expression{name: name, source: expr, program: program}, nil
}

// Expression is a stateless signal backed by a compiled CEL program.
type Expression struct {
	name    string
	source  string
	program cel.Program
}

// Kind implements Signal.
func (x *Expression) Kind() Kind { return KindExpression }

// Source returns the expression text.
func (x *Expression) Source() string { return x.source }

// Score implements Signal.
func (x *Expression) Score(ctx context.Context, tx *domain.Transaction) (float64, error) {
	out, _, err := x.program.ContextEval(ctx, activation(tx))
	if err != nil {
		return 0, fmt.Errorf("evaluate rule %s: %w", x.name, err)
	}
	return clamp01(toScore(out)), nil
}

func activation(tx *domain.Transaction) map[string]any {
	country := ""
	if tx.Location != nil {
		country = tx.Location.Country
	}
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	amount := tx.AmountFloat()

	return map[string]any{
		"tx": map[string]any{
			"id":             tx.ID,
			"user_id":        tx.UserID,
			"amount":         amount,
			"currency":       tx.Currency,
			"merchant_id":    tx.MerchantID,
			"category":       tx.MerchantCategory,
			"payment_method": tx.PaymentMethod,
		},
		"amount":         amount,
		"currency":       tx.Currency,
		"user_id":        tx.UserID,
		"merchant_id":    tx.MerchantID,
		"category":       tx.MerchantCategory,
		"payment_method": tx.PaymentMethod,
		"device_id":      tx.DeviceID,
		"ip_address":     tx.IPAddress,
		"hour":           int64(tx.Timestamp.Hour()),
		"weekday":        int64(tx.Timestamp.Weekday()),
		"country":        country,
		"metadata":       metadata,
	}
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
