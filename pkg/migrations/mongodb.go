package migrations

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sheetwatch/internal/constants"
)

// Server codes for an index that exists under the same name with another
// definition.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// EnsureMongoCollection creates the snapshot history indexes. The unique
// (source_id, seq) index makes archiving the same snapshot twice a no-op.
func EnsureMongoCollection(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(constants.SnapshotHistoryCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "source_id", Value: 1}, {Key: "seq", Value: -1}},
			Options: options.Index().SetName("idx_snapshot_history_source_seq").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "captured_at", Value: -1}},
			Options: options.Index().SetName("idx_snapshot_history_captured_at"),
		},
	})

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.Code == codeIndexOptionsConflict || cmdErr.Code == codeIndexKeySpecsConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot history indexes: %w", err)
	}
	return nil
}
