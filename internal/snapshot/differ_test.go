package snapshot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetwatch/pkg/models"
)

func makeRows(n int, value string) []models.Row {
	rows := make([]models.Row, n)
	for i := range rows {
		key := fmt.Sprintf("row-%05d", i)
		rows[i] = models.Row{Key: key, Values: []string{key, value}}
	}
	return rows
}

func TestDiff_Bootstrap(t *testing.T) {
	d := Diff(nil, makeRows(50, "a"))

	assert.Len(t, d.Added, 50)
	assert.Empty(t, d.Removed)
	assert.NotNil(t, d.Removed)
	assert.Empty(t, d.Changed)
}

func TestDiff_AddedRemovedChanged(t *testing.T) {
	previous := &models.Snapshot{
		SourceID: "fort",
		Seq:      2,
		Rows: []models.Row{
			{Key: "sol", Values: []string{"sol", "10"}},
			{Key: "lhs", Values: []string{"lhs", "5"}},
			{Key: "wolf", Values: []string{"wolf", "1"}},
		},
	}
	rows := []models.Row{
		{Key: "sol", Values: []string{"sol", "12"}},
		{Key: "lhs", Values: []string{"lhs", "5"}},
		{Key: "ross", Values: []string{"ross", "0"}},
	}

	d := Diff(previous, rows)

	require.Len(t, d.Added, 1)
	assert.Equal(t, rows[2], d.Added["ross"])
	assert.Equal(t, []string{"wolf"}, d.Removed)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, models.RowChange{Old: previous.Rows[0], New: rows[0]}, d.Changed["sol"])
}

func TestDiff_Identical(t *testing.T) {
	rows := makeRows(10, "a")
	d := Diff(&models.Snapshot{Rows: rows}, makeRows(10, "a"))

	assert.True(t, d.Empty())
}

func TestDiff_MassDeletion(t *testing.T) {
	d := Diff(&models.Snapshot{Rows: makeRows(5000, "a")}, makeRows(3000, "a"))

	assert.Empty(t, d.Added)
	assert.Empty(t, d.Changed)
	require.Len(t, d.Removed, 2000)
	assert.Equal(t, "row-03000", d.Removed[0])
	assert.Equal(t, "row-04999", d.Removed[1999])
}

func TestDiff_RemovedIsSorted(t *testing.T) {
	previous := &models.Snapshot{Rows: []models.Row{{Key: "c"}, {Key: "a"}, {Key: "b"}}}

	d := Diff(previous, nil)

	assert.Equal(t, []string{"a", "b", "c"}, d.Removed)
}
