package status

import (
	"context"

	"github.com/recwarden/agent/internal/agent/models"
)

type Repository interface {
	// Upsert publishes the snapshot keyed by resource identity.
	Upsert(ctx context.Context, s *models.StatusSnapshot) error
}
