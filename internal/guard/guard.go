// Package guard decides whether a freshly computed diff may replace the
// accepted snapshot.
package guard

import (
	"sheetwatch/internal/config"
	"sheetwatch/pkg/models"
)

// Evaluate classifies d against the thresholds of src. Only removed rows are
// considered. A source without an accepted snapshot always bootstraps.
func Evaluate(src config.SourceConfig, previous *models.Snapshot, d models.Diff) models.Verdict {
	if previous == nil {
		return models.Accept()
	}

	removed := len(d.Removed)
	switch {
	case removed > src.MaxDropThreshold:
		return models.Abort(models.ReasonMaxDropExceeded)
	case removed > src.DeferMissingThreshold:
		return models.Defer(models.ReasonMissingRows, src.RetryAfterDefer())
	default:
		return models.Accept()
	}
}
