package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sheetwatch/internal/constants"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/models"
)

type HistoryEntry struct {
	SourceID   string       `bson:"source_id"`
	Seq        uint64       `bson:"seq"`
	Rows       []models.Row `bson:"rows"`
	RowCount   int          `bson:"row_count"`
	CapturedAt time.Time    `bson:"captured_at"`
	ArchivedAt time.Time    `bson:"archived_at"`
}

type History interface {
	Append(ctx context.Context, snap *models.Snapshot) error
	Recent(ctx context.Context, sourceID string, limit int64) ([]HistoryEntry, error)
}

// MongoHistory archives every accepted snapshot.
type MongoHistory struct {
	collection *mongo.Collection
}

func NewMongoHistory(db *mongo.Database) *MongoHistory {
	return &MongoHistory{
		collection: db.Collection(constants.SnapshotHistoryCollection),
	}
}

func (h *MongoHistory) Append(ctx context.Context, snap *models.Snapshot) error {
	entry := HistoryEntry{
		SourceID:   snap.SourceID,
		Seq:        snap.Seq,
		Rows:       snap.Rows,
		RowCount:   len(snap.Rows),
		CapturedAt: snap.CapturedAt,
		ArchivedAt: time.Now().UTC(),
	}

	if _, err := h.collection.InsertOne(ctx, entry); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to archive snapshot: %w", err)
	}
	return nil
}

func (h *MongoHistory) Recent(ctx context.Context, sourceID string, limit int64) ([]HistoryEntry, error) {
	filter := bson.M{"source_id": sourceID}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(limit)

	cursor, err := h.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find history: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []HistoryEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	return entries, nil
}

// ArchivingStore appends every saved snapshot to a History. Archive
// failures are logged and never fail the Save.
type ArchivingStore struct {
	Store
	history History
	logger  logger.Logger
}

func NewArchivingStore(next Store, history History, log logger.Logger) *ArchivingStore {
	return &ArchivingStore{Store: next, history: history, logger: log}
}

func (s *ArchivingStore) Save(ctx context.Context, snap *models.Snapshot) error {
	if err := s.Store.Save(ctx, snap); err != nil {
		return err
	}

	if err := s.history.Append(ctx, snap); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to archive snapshot",
			"source_id", snap.SourceID,
			"seq", snap.Seq,
			"error", err,
		)
	}
	return nil
}
