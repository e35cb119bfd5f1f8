package progress

import (
	"context"

	"github.com/pitabwire/tutor/model"
)

// ProgressStore persists per-user tutorial progress.
type ProgressStore interface {
	// Create persists a new progress record. Returns CONFLICT if the user
	// already has one.
	Create(ctx context.Context, p model.TutorialProgress) error

	// Get retrieves the progress record for a user. Returns NOT_FOUND if the
	// user has never started the tutorial.
	Get(ctx context.Context, userID string) (model.TutorialProgress, error)

	// Update persists an updated record with optimistic locking. The version
	// must match the stored version. Returns CONFLICT if it has changed.
	Update(ctx context.Context, p model.TutorialProgress) error

	// Delete removes the user's progress record. Returns NOT_FOUND if there
	// is none.
	Delete(ctx context.Context, userID string) error
}
