package aggregation

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/flexprice/billingengine/internal/domain/events"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/shopspring/decimal"
)

// ExpressionEvaluator compiles metric expressions once and runs them per event
type ExpressionEvaluator struct {
	cache   map[string]*vm.Program
	cacheMu sync.RWMutex
}

func NewExpressionEvaluator() *ExpressionEvaluator {
	return &ExpressionEvaluator{cache: make(map[string]*vm.Program)}
}

// CompileExpression checks that a metric expression compiles
func CompileExpression(expression string) error {
	_, err := compile(expression)
	return err
}

func compile(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Metric expression does not compile").
			WithReportableDetails(map[string]any{"expression": expression}).
			Mark(ierr.ErrValidation)
	}
	return program, nil
}

func (s *ExpressionEvaluator) getOrCompile(expression string) (*vm.Program, error) {
	s.cacheMu.RLock()
	program, ok := s.cache[expression]
	s.cacheMu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := compile(expression)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cache[expression] = program
	s.cacheMu.Unlock()
	return program, nil
}

// Evaluate runs expression against an event. Properties are top level variables
// and the event itself is available as event.code, event.timestamp and event.properties.
func (s *ExpressionEvaluator) Evaluate(expression string, e *events.Event) (any, error) {
	program, err := s.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(e.Properties)+1)
	for k, v := range e.Properties {
		env[k] = v
	}
	env["event"] = map[string]any{
		"code":       e.Code,
		"timestamp":  e.Timestamp.Unix(),
		"properties": e.Properties,
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Metric expression failed for event").
			WithReportableDetails(map[string]any{
				"expression":     expression,
				"transaction_id": e.TransactionID,
			}).
			Mark(ierr.ErrValidation)
	}
	return out, nil
}

// EvaluateDecimal runs expression and parses its result as a number
func (s *ExpressionEvaluator) EvaluateDecimal(expression string, e *events.Event) (decimal.Decimal, error) {
	out, err := s.Evaluate(expression, e)
	if err != nil {
		return decimal.Zero, err
	}
	if out == nil {
		return decimal.Zero, nil
	}
	d, err := events.ParseDecimal(out)
	if err != nil {
		return decimal.Zero, ierr.WithError(err).
			WithHint("Metric expression must return a number").
			WithReportableDetails(map[string]any{"expression": expression}).
			Mark(ierr.ErrValidation)
	}
	return d, nil
}
