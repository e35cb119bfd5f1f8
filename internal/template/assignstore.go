package template

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/tutor/model"
)

// Assignment is a user's sticky template/variant selection, plus any explicit
// preferences layered on top of it. The key format is "tutor:assign:{userId}".
type Assignment struct {
	TemplateID  string                     `json:"template_id"`
	VariantID   string                     `json:"variant_id,omitempty"`
	Reason      string                     `json:"reason"`
	AssignedAt  time.Time                  `json:"assigned_at"`
	Preferences *model.TutorialConfigPatch `json:"preferences,omitempty"`
}

// AssignmentStore persists variant assignments so a user keeps the same
// tutorial shape across sessions and instances.
type AssignmentStore interface {
	// Get looks up a user's assignment.
	Get(ctx context.Context, userID string) (Assignment, bool, error)

	// Put saves a user's assignment, replacing any existing one.
	Put(ctx context.Context, userID string, a Assignment) error

	// Delete removes a user's assignment. Missing keys are not an error.
	Delete(ctx context.Context, userID string) error
}

// --- MemoryAssignmentStore ---

// MemoryAssignmentStore is an in-memory AssignmentStore. Suitable for testing
// and single-instance deployments.
type MemoryAssignmentStore struct {
	mu      sync.RWMutex
	entries map[string]Assignment
}

// NewMemoryAssignmentStore creates a new in-memory assignment store.
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{
		entries: make(map[string]Assignment),
	}
}

// Get looks up a user's assignment.
func (s *MemoryAssignmentStore) Get(_ context.Context, userID string) (Assignment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, exists := s.entries[userID]
	return a, exists, nil
}

// Put saves a user's assignment.
func (s *MemoryAssignmentStore) Put(_ context.Context, userID string, a Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = a
	return nil
}

// Delete removes a user's assignment.
func (s *MemoryAssignmentStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

// Len returns the number of assignments. For testing.
func (s *MemoryAssignmentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisAssignmentStore ---

// RedisAssignmentStore is a Redis-backed AssignmentStore for multi-instance
// deployments.
type RedisAssignmentStore struct {
	client redis.Cmdable
}

// NewRedisAssignmentStore creates a new Redis-backed assignment store.
func NewRedisAssignmentStore(client redis.Cmdable) *RedisAssignmentStore {
	return &RedisAssignmentStore{client: client}
}

// Get looks up a user's assignment in Redis.
func (s *RedisAssignmentStore) Get(ctx context.Context, userID string) (Assignment, bool, error) {
	key := assignmentKey(userID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Assignment{}, false, nil
	}
	if err != nil {
		return Assignment{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var a Assignment
	if err := json.Unmarshal(raw, &a); err != nil {
		return Assignment{}, false, fmt.Errorf("unmarshal assignment %q: %w", key, err)
	}
	return a, true, nil
}

// Put saves a user's assignment in Redis. Assignments are sticky and carry no
// TTL.
func (s *RedisAssignmentStore) Put(ctx context.Context, userID string, a Assignment) error {
	key := assignmentKey(userID)
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes a user's assignment from Redis.
func (s *RedisAssignmentStore) Delete(ctx context.Context, userID string) error {
	key := assignmentKey(userID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis. Feeds the readiness endpoint.
func (s *RedisAssignmentStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// assignmentKey builds the standard assignment key.
func assignmentKey(userID string) string {
	return fmt.Sprintf("tutor:assign:%s", userID)
}
