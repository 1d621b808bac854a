package artifacts

import (
	"context"
	"fmt"

	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/dbx"
)

// PostgresRepository implements artifact metadata storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert upserts the artifact record by reservation_id. On conflict nothing
// changes: the row written by a previous attempt wins.
func (r *PostgresRepository) Insert(ctx context.Context, a *models.Artifact) error {
	query := `
		INSERT INTO artifacts (owner_id, resource_id, reservation_id, filename, storage_key, size_bytes, duration_seconds, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (reservation_id) DO NOTHING;
	`
	_, err := r.db.ExecContext(ctx, query,
		a.OwnerID, a.ResourceID, a.ReservationID, a.Filename, a.StorageKey, a.SizeBytes, a.DurationSeconds, a.RecordedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
