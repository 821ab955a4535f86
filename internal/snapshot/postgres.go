package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/models"
)

const serviceName = "scan-service"

// PostgresRepository stores one accepted snapshot per source.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Load(ctx context.Context, sourceID string) (*models.Snapshot, error) {
	start := time.Now()
	query := `
		SELECT seq, rows, pending, captured_at, expires_at
		FROM source_snapshots
		WHERE source_id = $1
	`

	var (
		snap       = models.Snapshot{SourceID: sourceID}
		rawRows    []byte
		rawPending []byte
	)
	err := r.db.QueryRowContext(ctx, query, sourceID).Scan(&snap.Seq, &rawRows, &rawPending, &snap.CapturedAt, &snap.ExpiresAt)
	observeQuery("load", start, err)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", sourceID, err)
	}

	if err := json.Unmarshal(rawRows, &snap.Rows); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot rows for %s: %w", sourceID, err)
	}
	if err := json.Unmarshal(rawPending, &snap.Pending); err != nil {
		return nil, fmt.Errorf("failed to decode pending events for %s: %w", sourceID, err)
	}

	return &snap, nil
}

// Save upserts the snapshot. A write that would move seq backwards is
// rejected with ErrStaleSnapshot.
func (r *PostgresRepository) Save(ctx context.Context, snap *models.Snapshot) error {
	start := time.Now()

	rawRows, err := json.Marshal(snap.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot rows: %w", err)
	}
	pending := snap.Pending
	if pending == nil {
		pending = []models.Event{}
	}
	rawPending, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to encode pending events: %w", err)
	}

	query := `
		INSERT INTO source_snapshots (source_id, seq, rows, pending, row_count, captured_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (source_id) DO UPDATE SET
			seq = EXCLUDED.seq,
			rows = EXCLUDED.rows,
			pending = EXCLUDED.pending,
			row_count = EXCLUDED.row_count,
			captured_at = EXCLUDED.captured_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
		WHERE source_snapshots.seq < EXCLUDED.seq
	`

	result, err := r.db.ExecContext(ctx, query,
		snap.SourceID, snap.Seq, rawRows, rawPending, len(snap.Rows), snap.CapturedAt, snap.ExpiresAt,
	)
	observeQuery("save", start, err)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.SourceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return pkgerrors.ErrStaleSnapshot.
			WithDetail("source_id", snap.SourceID).
			WithDetail("seq", snap.Seq)
	}

	return nil
}

// MarkPublished trims the stored pending list in place. Events after seq
// are kept.
func (r *PostgresRepository) MarkPublished(ctx context.Context, sourceID string, seq uint64) error {
	start := time.Now()
	query := `
		UPDATE source_snapshots
		SET pending = COALESCE((
			SELECT jsonb_agg(e ORDER BY (e->>'seq')::bigint)
			FROM jsonb_array_elements(pending) AS e
			WHERE (e->>'seq')::bigint > $2
		), '[]'::jsonb)
		WHERE source_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, sourceID, seq)
	observeQuery("mark_published", start, err)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%d published: %w", sourceID, seq, err)
	}
	return nil
}

func observeQuery(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "error"
	}
	metrics.IncDatabaseQuery(serviceName, "postgresql", operation, status)
	metrics.ObserveDatabaseQueryDuration(serviceName, "postgresql", operation, time.Since(start))
}
