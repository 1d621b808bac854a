package status

import (
	"context"
	"fmt"

	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/dbx"
)

// PostgresRepository implements heartbeat publication over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert writes the snapshot, replacing the previous one for the resource.
func (r *PostgresRepository) Upsert(ctx context.Context, s *models.StatusSnapshot) error {
	query := `
		INSERT INTO resource_status (resource_id, state, is_recording, queue_depth, last_heartbeat, error_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_id)
		DO UPDATE SET
			state = EXCLUDED.state,
			is_recording = EXCLUDED.is_recording,
			queue_depth = EXCLUDED.queue_depth,
			last_heartbeat = EXCLUDED.last_heartbeat,
			error_count = EXCLUDED.error_count;
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ResourceID, s.State, s.IsRecording, s.QueueDepth, s.LastHeartbeat, s.ErrorCount)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
