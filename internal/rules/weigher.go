// Package rules provides a CEL-Go based report weighting policy.
package rules

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

// DefaultExpression reproduces the built-in category weights.
const DefaultExpression = `category in ["Phishing", "Identity Theft"] ? 3 : 1`

// ExpressionWeigher weighs reports with a compiled CEL expression.
//
// Variables: category (string), entity_type (string), age_hours (double),
// has_amount (bool), amount (double). The expression returns int, double
// or bool; bool counts as 1 or 0 and negative results count as 0.
type ExpressionWeigher struct {
	mu         sync.RWMutex
	env        *cel.Env
	expression string
	program    cel.Program
}

// NewExpressionWeigher compiles expression. An empty expression uses
// DefaultExpression.
func NewExpressionWeigher(expression string) (*ExpressionWeigher, error) {
	env, err := cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("age_hours", cel.DoubleType),
		cel.Variable("has_amount", cel.BoolType),
		cel.Variable("amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	w := &ExpressionWeigher{env: env}
	if err := w.Reload(expression); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload swaps in a new expression. The previous one stays active on error.
func (w *ExpressionWeigher) Reload(expression string) error {
	if expression == "" {
		expression = DefaultExpression
	}

	program, err := w.compile(expression)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.expression = expression
	w.program = program
	return nil
}

// Expression returns the active expression.
func (w *ExpressionWeigher) Expression() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.expression
}

// Weigh implements risk.Weigher.
func (w *ExpressionWeigher) Weigh(report *domain.FraudReport, asOf time.Time) (int, error) {
	w.mu.RLock()
	program := w.program
	w.mu.RUnlock()

	amount, _ := report.AmountLost.Float64()
	activation := map[string]any{
		"category":    string(report.Category),
		"entity_type": string(report.EntityType),
		"age_hours":   asOf.Sub(report.Timestamp).Hours(),
		"has_amount":  report.AmountLost.IsPositive(),
		"amount":      amount,
	}

	out, _, err := program.Eval(activation)
	if err != nil {
		return 0, fmt.Errorf("evaluation error: %w", err)
	}
	return toPoints(out), nil
}

func (w *ExpressionWeigher) compile(expression string) (cel.Program, error) {
	ast, issues := w.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile weighting expression: %v", domain.ErrValidation, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: weighting expression must return bool, int, or double, got %s", domain.ErrValidation, outputType)
	}

	program, err := w.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}

// toPoints converts a CEL value to non-negative points.
func toPoints(val ref.Val) int {
	var points float64
	switch v := val.(type) {
	case types.Bool:
		if v {
			points = 1
		}
	case types.Double:
		points = math.Round(float64(v))
	case types.Int:
		points = float64(v)
	}
	if points < 0 {
		return 0
	}
	return int(points)
}
