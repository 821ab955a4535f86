package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// filterCostLimit caps the work one filter may do per row, so a runaway
// comprehension over a wide row fails instead of stalling a scan.
const filterCostLimit = 1_000_000

// Evaluator compiles row filter expressions. A filter sees the row key,
// its cell values, the zero-based data row index and the source id.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("values", cel.ListType(cel.StringType)),
		cel.Variable("index", cel.IntType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("row filter environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

func (e *Evaluator) compileBool(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid row filter: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("row filter must return bool, got %v", ast.OutputType())
	}
	return ast, nil
}

// ValidateFilterExpression checks expression without building a program.
func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compileBool(expression)
	return err
}

// RowFilter is a compiled filter expression, safe for concurrent use.
type RowFilter struct {
	expression string
	program    cel.Program
}

func (e *Evaluator) CompileFilter(expression string) (*RowFilter, error) {
	ast, err := e.compileBool(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast,
		cel.CostLimit(filterCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("row filter program: %w", err)
	}
	return &RowFilter{expression: expression, program: program}, nil
}

func (f *RowFilter) Expression() string {
	return f.expression
}

// Match reports whether the row passes the filter. ctx cancels a long
// evaluation.
func (f *RowFilter) Match(ctx context.Context, sourceID, key string, values []string, index int) (bool, error) {
	if values == nil {
		values = []string{}
	}

	out, _, err := f.program.ContextEval(ctx, map[string]any{
		"key":    key,
		"values": values,
		"index":  int64(index),
		"source": sourceID,
	})
	if err != nil {
		return false, fmt.Errorf("row filter %q: %w", f.expression, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("row filter %q returned %T", f.expression, out.Value())
	}
	return matched, nil
}
