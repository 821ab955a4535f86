package snapshot

import (
	"context"
	"fmt"
	"strings"

	"sheetwatch/internal/config"
	"sheetwatch/internal/sheets"
	"sheetwatch/pkg/cel"
	"sheetwatch/pkg/models"
)

// Parser turns the raw cell grid of one source into keyed rows.
type Parser struct {
	sourceID   string
	keyIndex   int
	headerRows int
	filter     *cel.RowFilter
}

func NewParser(src config.SourceConfig, evaluator *cel.Evaluator) (*Parser, error) {
	keyIndex, err := ColumnIndex(src.KeyColumn)
	if err != nil {
		return nil, &config.ScheduleConfigError{SourceID: src.ID, Field: "key_column", Message: err.Error()}
	}

	p := &Parser{
		sourceID:   src.ID,
		keyIndex:   keyIndex,
		headerRows: src.HeaderRowCount(),
	}

	if src.RowFilter != "" {
		filter, err := evaluator.CompileFilter(src.RowFilter)
		if err != nil {
			return nil, &config.ScheduleConfigError{SourceID: src.ID, Field: "row_filter", Message: err.Error()}
		}
		p.filter = filter
	}

	return p, nil
}

// Parse skips header rows and rows with a blank key, drops trailing empty
// cells and applies the row filter. Duplicate keys make the whole sheet
// unusable.
//
// Stored values never depend on the width of other rows. Only the filter
// sees rows padded to the widest row of the fetch.
func (p *Parser) Parse(ctx context.Context, raw models.RawRows) ([]models.Row, error) {
	if len(raw) <= p.headerRows {
		return []models.Row{}, nil
	}
	data := raw[p.headerRows:]

	width := p.keyIndex + 1
	for _, cells := range data {
		width = max(width, len(cells))
	}

	rows := make([]models.Row, 0, len(data))
	seen := make(map[string]int, len(data))
	var duplicates []string

	for i, cells := range data {
		key := ""
		if p.keyIndex < len(cells) {
			key = strings.TrimSpace(cells[p.keyIndex])
		}
		if key == "" {
			continue
		}

		if p.filter != nil {
			padded := make([]string, width)
			copy(padded, cells)
			keep, err := p.filter.Match(ctx, p.sourceID, key, padded, i)
			if err != nil {
				return nil, sheets.NewPermanentError(p.sourceID, sheets.ReasonConfig, fmt.Errorf("row %d: %w", i+p.headerRows+1, err))
			}
			if !keep {
				continue
			}
		}

		if first, ok := seen[key]; ok {
			duplicates = append(duplicates, fmt.Sprintf("%q (rows %d and %d)", key, first, i+p.headerRows+1))
			continue
		}
		seen[key] = i + p.headerRows + 1

		rows = append(rows, models.Row{Key: key, Values: models.TrimTrailingEmpty(cells)})
	}

	if len(duplicates) > 0 {
		return nil, sheets.NewPermanentError(p.sourceID, sheets.ReasonDuplicateKeys,
			fmt.Errorf("duplicate keys: %s", strings.Join(duplicates, ", ")))
	}

	return rows, nil
}

// maxColumnLetters is the widest column name a sheet has ("ZZZ").
const maxColumnLetters = 3

// ColumnIndex converts a column letter ("A", "AB") to a zero-based index.
func ColumnIndex(column string) (int, error) {
	column = strings.ToUpper(strings.TrimSpace(column))
	if column == "" {
		return 0, fmt.Errorf("empty column")
	}
	if len(column) > maxColumnLetters {
		return 0, fmt.Errorf("column %q is longer than %d letters", column, maxColumnLetters)
	}

	index := 0
	for _, r := range column {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column %q", column)
		}
		index = index*26 + int(r-'A'+1)
	}
	return index - 1, nil
}
