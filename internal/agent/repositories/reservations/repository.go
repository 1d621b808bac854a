package reservations

import (
	"context"
	"time"

	"github.com/recwarden/agent/internal/agent/models"
)

// Filter is the typed query shape for reservation lookups; it replaces
// ad-hoc string-assembled conditions with a fixed parameter set.
type Filter struct {
	ResourceID string
	Status     string
	// From/Until select reservations whose window overlaps [From, Until].
	From  time.Time
	Until time.Time
}

type Repository interface {
	// SelectOverlapping returns reservations matching the filter, ordered
	// by window start ascending.
	SelectOverlapping(ctx context.Context, f Filter) ([]*models.Reservation, error)

	// Delete removes a reservation by id. Returns common.ErrNotFound when
	// no row matched, which callers on retry paths treat as already done.
	Delete(ctx context.Context, id string) error

	// MarkError flags a reservation whose recording failed, so it is not
	// picked up again and stays visible to operators.
	MarkError(ctx context.Context, id, message string) error
}
