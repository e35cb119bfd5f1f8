package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tutor/model"
)

// PgProgressStore is a PostgreSQL-backed ProgressStore using pgx/v5.
//
// Schema:
//
//	CREATE TABLE tutorial_progress (
//	    user_id         TEXT PRIMARY KEY,
//	    current_step    TEXT NOT NULL,
//	    completed_steps JSONB NOT NULL DEFAULT '[]',
//	    is_completed    BOOLEAN NOT NULL DEFAULT FALSE,
//	    is_skipped      BOOLEAN NOT NULL DEFAULT FALSE,
//	    step_data       JSONB NOT NULL DEFAULT '{}',
//	    error_count     INTEGER NOT NULL DEFAULT 0,
//	    last_error      TEXT NOT NULL DEFAULT '',
//	    started_at      TIMESTAMPTZ NOT NULL,
//	    last_seen_at    TIMESTAMPTZ NOT NULL,
//	    completed_at    TIMESTAMPTZ,
//	    version         INTEGER NOT NULL DEFAULT 0
//	);
type PgProgressStore struct {
	pool *pgxpool.Pool
}

// NewPgProgressStore creates a new PostgreSQL progress store.
func NewPgProgressStore(pool *pgxpool.Pool) *PgProgressStore {
	return &PgProgressStore{pool: pool}
}

// Create inserts a new progress record.
func (s *PgProgressStore) Create(ctx context.Context, p model.TutorialProgress) error {
	completedJSON, err := json.Marshal(p.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed steps: %w", err)
	}
	stepDataJSON, err := json.Marshal(p.StepData)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tutorial_progress (
			user_id, current_step, completed_steps, is_completed, is_skipped,
			step_data, error_count, last_error,
			started_at, last_seen_at, completed_at, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12
		)`,
		p.UserID, p.CurrentStep, completedJSON, p.IsCompleted, p.IsSkipped,
		stepDataJSON, p.ErrorCount, p.LastError,
		p.StartedAt, p.LastSeenAt, p.CompletedAt, p.Version,
	)
	if err != nil {
		return fmt.Errorf("insert tutorial progress: %w", err)
	}
	return nil
}

// Get retrieves the progress record for a user.
func (s *PgProgressStore) Get(ctx context.Context, userID string) (model.TutorialProgress, error) {
	var p model.TutorialProgress
	var completedJSON, stepDataJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT user_id, current_step, completed_steps, is_completed, is_skipped,
		       step_data, error_count, last_error,
		       started_at, last_seen_at, completed_at, version
		FROM tutorial_progress
		WHERE user_id = $1`,
		userID,
	).Scan(
		&p.UserID, &p.CurrentStep, &completedJSON, &p.IsCompleted, &p.IsSkipped,
		&stepDataJSON, &p.ErrorCount, &p.LastError,
		&p.StartedAt, &p.LastSeenAt, &p.CompletedAt, &p.Version,
	)
	if err == pgx.ErrNoRows {
		return model.TutorialProgress{}, model.NewNotFoundError(
			fmt.Sprintf("tutorial progress for user %q not found", userID),
		)
	}
	if err != nil {
		return model.TutorialProgress{}, fmt.Errorf("query tutorial progress: %w", err)
	}

	if completedJSON != nil {
		if err := json.Unmarshal(completedJSON, &p.CompletedSteps); err != nil {
			return model.TutorialProgress{}, fmt.Errorf("unmarshal completed steps: %w", err)
		}
	}
	if stepDataJSON != nil {
		if err := json.Unmarshal(stepDataJSON, &p.StepData); err != nil {
			return model.TutorialProgress{}, fmt.Errorf("unmarshal step data: %w", err)
		}
	}

	return p, nil
}

// Update persists an updated record with optimistic locking.
func (s *PgProgressStore) Update(ctx context.Context, p model.TutorialProgress) error {
	completedJSON, err := json.Marshal(p.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed steps: %w", err)
	}
	stepDataJSON, err := json.Marshal(p.StepData)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tutorial_progress SET
			current_step = $1,
			completed_steps = $2,
			is_completed = $3,
			is_skipped = $4,
			step_data = $5,
			error_count = $6,
			last_error = $7,
			last_seen_at = $8,
			completed_at = $9,
			version = $10
		WHERE user_id = $11 AND version = $12`,
		p.CurrentStep, completedJSON, p.IsCompleted, p.IsSkipped,
		stepDataJSON, p.ErrorCount, p.LastError,
		time.Now().UTC(), p.CompletedAt, p.Version+1,
		p.UserID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update tutorial progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("tutorial progress for user %q version conflict (expected %d)", p.UserID, p.Version),
		)
	}
	return nil
}

// Delete removes the user's progress record.
func (s *PgProgressStore) Delete(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tutorial_progress
		WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("delete tutorial progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("tutorial progress for user %q not found", userID),
		)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *PgProgressStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
