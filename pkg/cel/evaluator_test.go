package cel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{name: "key comparison", expr: `key == "Sol"`},
		{name: "list size", expr: `size(values) > 2`},
		{name: "non-bool expression", expr: `index + 1`, wantError: true},
		{name: "string expression", expr: `key`, wantError: true},
		{name: "syntax error", expr: `invalid syntax here!!!`, wantError: true},
		{name: "undefined variable", expr: `payload == "test"`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRowFilterMatch(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	row := []string{"Sol", "x", "42"}
	cases := map[string]struct {
		expr       string
		values     []string
		index      int
		want       bool
		compileErr bool
		matchErr   bool
	}{
		"key equality":     {expr: `key == "Sol"`, values: row, want: true},
		"key mismatch":     {expr: `key == "Rana"`, values: row},
		"value by index":   {expr: `size(values) > 1 && values[1] == "x"`, values: row, want: true},
		"exists macro":     {expr: `values.exists(v, v == "42")`, values: row, want: true},
		"row index bound":  {expr: `index < 10`, values: row, index: 12},
		"source id":        {expr: `source == "kos"`, values: row, want: true},
		"nil values":       {expr: `size(values) == 0`, want: true},
		"out of range":     {expr: `values[3] == "x"`, values: []string{"Sol"}, matchErr: true},
		"non-bool compile": {expr: `key`, compileErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			filter, err := eval.CompileFilter(tc.expr)
			if tc.compileErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expr, filter.Expression())

			got, err := filter.Match(context.Background(), "kos", "Sol", tc.values, tc.index)
			if tc.matchErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFilterExpressionExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range FilterExpressionExamples {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateFilterExpression(expr))
		})
	}
}

func TestRowFilterCancelledContext(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	filter, err := eval.CompileFilter(`values.all(v, values.all(w, v != w || v == w))`)
	require.NoError(t, err)

	wide := make([]string, 500)
	for i := range wide {
		wide[i] = fmt.Sprint(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = filter.Match(ctx, "kos", "Sol", wide, 0)
	assert.Error(t, err)
}
