package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetwatch/internal/config"
	"sheetwatch/internal/sheets"
	"sheetwatch/pkg/cel"
	"sheetwatch/pkg/models"
)

func intPtr(v int) *int { return &v }

func newTestParser(t *testing.T, mutate func(*config.SourceConfig)) *Parser {
	t.Helper()

	src := config.SourceConfig{
		ID:            "carrier",
		Variant:       config.VariantCarrier,
		PageName:      "Carriers",
		SpreadsheetID: "sheet",
		TTL:           time.Hour,
		DebounceDelay: 20 * time.Second,
		KeyColumn:     "A",
	}
	if mutate != nil {
		mutate(&src)
	}

	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)

	p, err := NewParser(src, evaluator)
	require.NoError(t, err)
	return p
}

func TestParser_Parse(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.SourceConfig)
		raw    models.RawRows
		want   []models.Row
	}{
		{
			name: "skips header and blank keys",
			raw: models.RawRows{
				{"Carrier", "Owner"},
				{"ALPHA", "bob"},
				{"", "orphan"},
				{"  ", "spaces"},
				{"BRAVO", "eve"},
			},
			want: []models.Row{
				{Key: "ALPHA", Values: []string{"ALPHA", "bob"}},
				{Key: "BRAVO", Values: []string{"BRAVO", "eve"}},
			},
		},
		{
			name: "ragged rows keep their own width",
			raw: models.RawRows{
				{"Carrier"},
				{"ALPHA"},
				{"BRAVO", "eve", "docked"},
			},
			want: []models.Row{
				{Key: "ALPHA", Values: []string{"ALPHA"}},
				{Key: "BRAVO", Values: []string{"BRAVO", "eve", "docked"}},
			},
		},
		{
			name: "drops trailing empty cells",
			raw: models.RawRows{
				{"Carrier"},
				{"ALPHA", "", "x", "", ""},
			},
			want: []models.Row{
				{Key: "ALPHA", Values: []string{"ALPHA", "", "x"}},
			},
		},
		{
			name:   "filter sees padded rows",
			mutate: func(s *config.SourceConfig) { s.RowFilter = `values[2] == ""` },
			raw: models.RawRows{
				{"Carrier"},
				{"ALPHA"},
				{"BRAVO", "eve", "docked"},
			},
			want: []models.Row{
				{Key: "ALPHA", Values: []string{"ALPHA"}},
			},
		},
		{
			name: "trims key",
			raw: models.RawRows{
				{"Carrier"},
				{" ALPHA ", "x"},
			},
			want: []models.Row{
				{Key: "ALPHA", Values: []string{" ALPHA ", "x"}},
			},
		},
		{
			name:   "key column other than A",
			mutate: func(s *config.SourceConfig) { s.KeyColumn = "C"; s.HeaderRows = intPtr(0) },
			raw: models.RawRows{
				{"1", "x", "K1"},
				{"2", "y"},
			},
			want: []models.Row{
				{Key: "K1", Values: []string{"1", "x", "K1"}},
			},
		},
		{
			name:   "variant header rows",
			mutate: func(s *config.SourceConfig) { s.Variant = config.VariantRecruits },
			raw: models.RawRows{
				{"Recruits"},
				{"Name", "Status"},
				{"cmdr", "active"},
			},
			want: []models.Row{
				{Key: "cmdr", Values: []string{"cmdr", "active"}},
			},
		},
		{
			name:   "row filter",
			mutate: func(s *config.SourceConfig) { s.RowFilter = `size(values) > 1 && values[1] != "retired"` },
			raw: models.RawRows{
				{"Carrier", "Status"},
				{"ALPHA", "active"},
				{"BRAVO", "retired"},
			},
			want: []models.Row{
				{Key: "ALPHA", Values: []string{"ALPHA", "active"}},
			},
		},
		{
			name: "only header",
			raw:  models.RawRows{{"Carrier"}},
			want: []models.Row{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestParser(t, tt.mutate)

			rows, err := p.Parse(context.Background(), tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rows)
		})
	}
}

func TestParser_NewColumnChangesOnlyItsRow(t *testing.T) {
	p := newTestParser(t, func(s *config.SourceConfig) { s.HeaderRows = intPtr(0) })
	ctx := context.Background()

	before, err := p.Parse(ctx, models.RawRows{{"a", "1"}, {"b", "2"}, {"c", "3"}})
	require.NoError(t, err)
	after, err := p.Parse(ctx, models.RawRows{{"a", "1", "note"}, {"b", "2"}, {"c", "3"}})
	require.NoError(t, err)

	d := Diff(&models.Snapshot{SourceID: "carrier", Seq: 1, Rows: before}, after)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, []string{"a", "1", "note"}, d.Changed["a"].New.Values)

	// Clearing the widest cell again reverts only that row.
	d = Diff(&models.Snapshot{SourceID: "carrier", Seq: 2, Rows: after}, before)
	require.Len(t, d.Changed, 1)
	assert.Contains(t, d.Changed, "a")
}

func TestParser_DuplicateKeysArePermanent(t *testing.T) {
	p := newTestParser(t, nil)

	_, err := p.Parse(context.Background(), models.RawRows{
		{"Carrier"},
		{"ALPHA", "1"},
		{"BRAVO", "2"},
		{"ALPHA", "3"},
	})
	require.Error(t, err)

	fetchErr := sheets.AsFetchError("carrier", err)
	assert.Equal(t, sheets.Permanent, fetchErr.Kind)
	assert.Equal(t, sheets.ReasonDuplicateKeys, fetchErr.Reason)
	assert.Contains(t, err.Error(), `"ALPHA"`)
}

func TestNewParser_InvalidConfig(t *testing.T) {
	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)

	_, err = NewParser(config.SourceConfig{ID: "x", KeyColumn: "1"}, evaluator)
	var schedErr *config.ScheduleConfigError
	require.ErrorAs(t, err, &schedErr)
	assert.Equal(t, "key_column", schedErr.Field)

	_, err = NewParser(config.SourceConfig{ID: "x", KeyColumn: "A", RowFilter: "key +"}, evaluator)
	require.ErrorAs(t, err, &schedErr)
	assert.Equal(t, "row_filter", schedErr.Field)
}

func TestColumnIndex(t *testing.T) {
	tests := []struct {
		column string
		want   int
	}{
		{"A", 0},
		{"b", 1},
		{"Z", 25},
		{"AA", 26},
		{"AB", 27},
		{"AZ", 51},
		{"XFD", 16383},
	}

	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			got, err := ColumnIndex(tt.column)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ColumnIndex("")
	assert.Error(t, err)
	_, err = ColumnIndex("A1")
	assert.Error(t, err)
	_, err = ColumnIndex("ABCD")
	assert.Error(t, err)
	_, err = ColumnIndex("AAAAAAAAAAAAAAAAAAAA")
	assert.Error(t, err)
}
