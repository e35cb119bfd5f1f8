package template

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/tutor/model"
)

func TestMemoryAssignmentStore(t *testing.T) {
	store := NewMemoryAssignmentStore()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "user-1"); ok || err != nil {
		t.Fatalf("Get on empty store = %v, %v", ok, err)
	}

	a := Assignment{TemplateID: "standard", VariantID: "fast_paced", Reason: ReasonPace, AssignedAt: time.Now().UTC()}
	if err := store.Put(ctx, "user-1", a); err != nil {
		t.Fatal(err)
	}
	got, ok, err := store.Get(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.VariantID != "fast_paced" {
		t.Errorf("VariantID = %q", got.VariantID)
	}

	if err := store.Delete(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("repeated Delete error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d", store.Len())
	}
}

func newRedisStore(t *testing.T) *RedisAssignmentStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisAssignmentStore(client)
}

func TestRedisAssignmentStore_roundTrip(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "user-1"); ok || err != nil {
		t.Fatalf("Get on empty store = %v, %v", ok, err)
	}

	timeout := 45 * time.Second
	a := Assignment{
		TemplateID:  "standard",
		VariantID:   "accessible",
		Reason:      ReasonAccessibility,
		AssignedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Preferences: &model.TutorialConfigPatch{DefaultTimeout: &timeout},
	}
	if err := store.Put(ctx, "user-1", a); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Get(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.TemplateID != a.TemplateID || got.VariantID != a.VariantID || got.Reason != a.Reason {
		t.Errorf("got %+v", got)
	}
	if !got.AssignedAt.Equal(a.AssignedAt) {
		t.Errorf("AssignedAt = %v", got.AssignedAt)
	}
	if got.Preferences == nil || got.Preferences.DefaultTimeout == nil || *got.Preferences.DefaultTimeout != timeout {
		t.Errorf("Preferences = %+v", got.Preferences)
	}

	// Put replaces an existing assignment.
	a.VariantID = ""
	a.Reason = ReasonStandard
	if err := store.Put(ctx, "user-1", a); err != nil {
		t.Fatal(err)
	}
	got, _, _ = store.Get(ctx, "user-1")
	if got.VariantID != "" || got.Reason != ReasonStandard {
		t.Errorf("replaced assignment = %+v", got)
	}
}

func TestRedisAssignmentStore_delete(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	store.Put(ctx, "user-1", Assignment{TemplateID: "standard"})
	if err := store.Delete(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, "user-1"); ok {
		t.Error("assignment survived Delete")
	}
	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("repeated Delete error: %v", err)
	}
}

func TestRedisAssignmentStore_corruptPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisAssignmentStore(client)
	ctx := context.Background()

	mr.Set("tutor:assign:user-1", "{not json")
	if _, _, err := store.Get(ctx, "user-1"); err == nil {
		t.Error("corrupt payload should return an error")
	}
}

func TestRedisAssignmentStore_healthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisAssignmentStore(client)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}

	mr.Close()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck should fail after the server is gone")
	}
}
