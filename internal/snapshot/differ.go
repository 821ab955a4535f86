package snapshot

import (
	"sort"

	"sheetwatch/pkg/models"
)

// Diff compares fresh rows against the accepted snapshot. A nil previous
// snapshot reports every row as added.
func Diff(previous *models.Snapshot, rows []models.Row) models.Diff {
	d := models.Diff{
		Added:   make(map[string]models.Row),
		Removed: []string{},
		Changed: make(map[string]models.RowChange),
	}

	old := make(map[string]models.Row, previous.Len())
	if previous != nil {
		for _, row := range previous.Rows {
			old[row.Key] = row
		}
	}

	current := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		current[row.Key] = struct{}{}
		prev, ok := old[row.Key]
		switch {
		case !ok:
			d.Added[row.Key] = row
		case !prev.Equal(row):
			d.Changed[row.Key] = models.RowChange{Old: prev, New: row}
		}
	}

	for key := range old {
		if _, ok := current[key]; !ok {
			d.Removed = append(d.Removed, key)
		}
	}
	sort.Strings(d.Removed)

	return d
}
