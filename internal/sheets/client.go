package sheets

import (
	"context"

	"sheetwatch/pkg/models"
)

// Client fetches the current cell grid of one configured source.
type Client interface {
	Fetch(ctx context.Context, sourceID string) (models.RawRows, error)
}
