package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/tutor/model"
)

// MemoryProgressStore is an in-memory ProgressStore for testing and
// single-node deployments.
type MemoryProgressStore struct {
	mu      sync.RWMutex
	records map[string]model.TutorialProgress // key: user ID
}

// NewMemoryProgressStore creates a new in-memory progress store.
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{
		records: make(map[string]model.TutorialProgress),
	}
}

// Create persists a new progress record.
func (s *MemoryProgressStore) Create(_ context.Context, p model.TutorialProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[p.UserID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("tutorial progress for user %q already exists", p.UserID),
		)
	}

	s.records[p.UserID] = p
	return nil
}

// Get retrieves the progress record for a user.
func (s *MemoryProgressStore) Get(_ context.Context, userID string) (model.TutorialProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.records[userID]
	if !exists {
		return model.TutorialProgress{}, model.NewNotFoundError(
			fmt.Sprintf("tutorial progress for user %q not found", userID),
		)
	}
	return p, nil
}

// Update persists an updated record with optimistic locking.
func (s *MemoryProgressStore) Update(_ context.Context, p model.TutorialProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[p.UserID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("tutorial progress for user %q not found", p.UserID),
		)
	}

	// Optimistic lock check.
	if existing.Version != p.Version {
		return model.NewConflictError(
			fmt.Sprintf("tutorial progress for user %q version conflict (expected %d, got %d)", p.UserID, p.Version, existing.Version),
		)
	}

	p.Version++
	p.LastSeenAt = time.Now().UTC()
	s.records[p.UserID] = p
	return nil
}

// Delete removes the user's progress record.
func (s *MemoryProgressStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[userID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("tutorial progress for user %q not found", userID),
		)
	}

	delete(s.records, userID)
	return nil
}

// Len returns the total number of records. For testing.
func (s *MemoryProgressStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
