package artifacts

import (
	"context"

	"github.com/recwarden/agent/internal/agent/models"
)

type Repository interface {
	// Insert records the metadata for an uploaded recording. Inserting the
	// same reservation twice is a no-op, so a crash-and-retry after the
	// first insert stays idempotent.
	Insert(ctx context.Context, a *models.Artifact) error
}
