package reservations

import (
	"context"
	"fmt"

	"github.com/recwarden/agent/internal/agent/models"
	"github.com/recwarden/agent/internal/common"
	"github.com/recwarden/agent/internal/dbx"
)

// PostgresRepository implements reservation access over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SelectOverlapping returns reservations for the resource whose window
// overlaps [f.From, f.Until], ordered by window start.
func (r *PostgresRepository) SelectOverlapping(ctx context.Context, f Filter) ([]*models.Reservation, error) {
	query := ` SELECT id, resource_id, owner_id, window_start, window_end, status FROM reservations
		WHERE resource_id=$1 AND status=$2 AND window_end>$3 AND window_start<=$4
		ORDER BY window_start ASC
		`
	rows, err := r.db.QueryContext(ctx, query, f.ResourceID, f.Status, f.From, f.Until)
	if err != nil {
		return nil, fmt.Errorf("failed to select reservations: %w", err)
	}
	defer rows.Close()

	var result []*models.Reservation
	for rows.Next() {
		var item models.Reservation
		if err := rows.Scan(&item.ID, &item.ResourceID, &item.OwnerID, &item.WindowStart, &item.WindowEnd, &item.Status); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the reservation. Zero affected rows maps to ErrNotFound:
// the shipper retry path treats it as already deleted by an earlier attempt.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM reservations WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// MarkError flags the reservation as failed with a message.
func (r *PostgresRepository) MarkError(ctx context.Context, id, message string) error {
	query := `UPDATE reservations SET status=$2, error_message=$3 WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query, id, models.ReservationError, message)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
