package progress

import (
	"context"
	"testing"

	"github.com/pitabwire/tutor/model"
)

func TestMemoryProgressStore_crud(t *testing.T) {
	store := NewMemoryProgressStore()
	ctx := context.Background()

	p := model.TutorialProgress{UserID: "user-1", CurrentStep: model.StepWelcome, Version: 1}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := store.Create(ctx, p); !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("duplicate Create error = %v, want CONFLICT", err)
	}

	got, err := store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.CurrentStep != model.StepWelcome {
		t.Errorf("CurrentStep = %q", got.CurrentStep)
	}

	if _, err := store.Get(ctx, "nobody"); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("Get missing error = %v, want NOT_FOUND", err)
	}

	if err := store.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := store.Delete(ctx, "user-1"); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("second Delete error = %v, want NOT_FOUND", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d", store.Len())
	}
}

func TestMemoryProgressStore_optimisticLocking(t *testing.T) {
	store := NewMemoryProgressStore()
	ctx := context.Background()

	p := model.TutorialProgress{UserID: "user-1", CurrentStep: model.StepWelcome, Version: 1}
	if err := store.Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	// A matching version succeeds and bumps the stored version.
	p.CurrentStep = model.StepNavigation
	if err := store.Update(ctx, p); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	got, _ := store.Get(ctx, "user-1")
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.LastSeenAt.IsZero() {
		t.Error("LastSeenAt not touched by Update")
	}

	// A stale writer with the old version loses.
	stale := model.TutorialProgress{UserID: "user-1", CurrentStep: model.StepRewards, Version: 1}
	if err := store.Update(ctx, stale); !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("stale Update error = %v, want CONFLICT", err)
	}
	got, _ = store.Get(ctx, "user-1")
	if got.CurrentStep != model.StepNavigation {
		t.Errorf("stale write landed: CurrentStep = %q", got.CurrentStep)
	}

	// Updating a missing record reports NOT_FOUND.
	missing := model.TutorialProgress{UserID: "nobody", Version: 1}
	if err := store.Update(ctx, missing); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("Update missing error = %v, want NOT_FOUND", err)
	}
}
