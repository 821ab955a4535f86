package sheets

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/models"
)

type target struct {
	spreadsheetID string
	pageName      string
}

// GoogleClient reads whole pages through the Sheets v4 values API.
type GoogleClient struct {
	svc     *sheetsapi.Service
	targets map[string]target
	logger  logger.Logger
}

// NewGoogleClient builds a client for the given sources. Without extra
// options it authenticates with the configured service account file.
func NewGoogleClient(ctx context.Context, cfg config.SheetsConfig, sources []config.SourceConfig, log logger.Logger, opts ...option.ClientOption) (*GoogleClient, error) {
	if len(opts) == 0 {
		opts = []option.ClientOption{
			option.WithCredentialsFile(cfg.CredentialsFile),
			option.WithScopes(sheetsapi.SpreadsheetsReadonlyScope),
		}
	}

	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	targets := make(map[string]target, len(sources))
	for _, src := range sources {
		spreadsheetID := src.SpreadsheetID
		if spreadsheetID == "" {
			spreadsheetID = cfg.SpreadsheetID
		}
		targets[src.ID] = target{spreadsheetID: spreadsheetID, pageName: src.PageName}
	}

	return &GoogleClient{svc: svc, targets: targets, logger: log}, nil
}

func (c *GoogleClient) Fetch(ctx context.Context, sourceID string) (models.RawRows, error) {
	t, ok := c.targets[sourceID]
	if !ok {
		return nil, NewPermanentError(sourceID, ReasonConfig, fmt.Errorf("no sheet target for source"))
	}

	resp, err := c.svc.Spreadsheets.Values.Get(t.spreadsheetID, pageRange(t.pageName)).
		MajorDimension("ROWS").
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		fetchErr := classify(sourceID, err)
		c.logger.DebugwCtx(ctx, "Sheet fetch failed",
			"source_id", sourceID,
			"page", t.pageName,
			"kind", fetchErr.Kind,
			"reason", fetchErr.Reason,
		)
		return nil, fetchErr
	}

	rows := make(models.RawRows, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, cell := range row {
			if cell != nil {
				cells[j] = fmt.Sprint(cell)
			}
		}
		rows[i] = cells
	}

	return rows, nil
}

// pageRange addresses a whole page, quoting names with spaces or quotes.
func pageRange(pageName string) string {
	return "'" + strings.ReplaceAll(pageName, "'", "''") + "'"
}
