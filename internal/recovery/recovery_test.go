package recovery

import (
	"fmt"
	"testing"

	"github.com/pitabwire/tutor/model"
)

func TestHandler_CreateError_classifies(t *testing.T) {
	h := NewHandler(10, nil)

	cases := []struct {
		code            string
		wantRecoverable bool
		wantRetryable   bool
	}{
		{model.ErrPersistenceFailure, true, true},
		{model.ErrInitializationFailure, true, false},
		{model.ErrInvalidState, false, false},
		{model.ErrActionTimeout, true, true},
		{"SOMETHING_NEW", false, false},
	}
	for _, tc := range cases {
		rec := h.CreateError(tc.code, "boom", Context{UserID: "user-1", StepID: model.StepCreateTask, ActionKey: model.ActionTaskCreated})
		if rec.Recoverable != tc.wantRecoverable || rec.Retryable != tc.wantRetryable {
			t.Errorf("%s: recoverable/retryable = %v/%v, want %v/%v",
				tc.code, rec.Recoverable, rec.Retryable, tc.wantRecoverable, tc.wantRetryable)
		}
		if rec.ID == "" {
			t.Errorf("%s: record has no ID", tc.code)
		}
		if rec.UserID != "user-1" || rec.StepID != model.StepCreateTask || rec.ActionKey != model.ActionTaskCreated {
			t.Errorf("%s: context not carried: %+v", tc.code, rec)
		}
		if rec.Timestamp.IsZero() {
			t.Errorf("%s: no timestamp", tc.code)
		}
	}
}

func TestHandler_Handle(t *testing.T) {
	h := NewHandler(10, nil)

	d := h.Handle(h.CreateError(model.ErrPersistenceFailure, "save failed", Context{}))
	if !d.ShouldRetry || !d.ShouldRecover || d.RecoveryAction != "retry_save" {
		t.Errorf("persistence decision = %+v", d)
	}

	d = h.Handle(h.CreateError(model.ErrInitializationFailure, "no definition", Context{}))
	if d.ShouldRetry || !d.ShouldRecover || d.RecoveryAction != "restart_tutorial" {
		t.Errorf("initialization decision = %+v", d)
	}

	d = h.Handle(h.CreateError(model.ErrInvalidState, "stale", Context{}))
	if d.ShouldRetry || d.ShouldRecover || d.RecoveryAction != "" {
		t.Errorf("invalid-state decision = %+v", d)
	}
	if d.UserMessage == "" {
		t.Error("invalid-state decision has no user message")
	}

	d = h.Handle(h.CreateError(model.ErrActionTimeout, "no signal", Context{}))
	if !d.ShouldRetry || !d.ShouldRecover || d.RecoveryAction != "show_step_hint" {
		t.Errorf("timeout decision = %+v", d)
	}

	d = h.Handle(model.ErrorRecord{Code: "SOMETHING_NEW"})
	if d.ShouldRetry || d.ShouldRecover || d.UserMessage == "" {
		t.Errorf("unknown-code decision = %+v", d)
	}
}

func TestClassify(t *testing.T) {
	if rec, ret := Classify(model.ErrActionTimeout); !rec || !ret {
		t.Errorf("ACTION_TIMEOUT = %v/%v", rec, ret)
	}
	if rec, ret := Classify("SOMETHING_NEW"); rec || ret {
		t.Errorf("unknown code = %v/%v", rec, ret)
	}
}

func TestHandler_historyRotation(t *testing.T) {
	h := NewHandler(3, nil)

	for i := 0; i < 5; i++ {
		h.CreateError(model.ErrActionTimeout, fmt.Sprintf("timeout %d", i), Context{})
	}

	hist := h.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	// Oldest entries are rotated out.
	if hist[0].Message != "timeout 2" || hist[2].Message != "timeout 4" {
		t.Errorf("history = %q .. %q", hist[0].Message, hist[2].Message)
	}

	// History returns a copy.
	hist[0].Message = "mutated"
	if h.History()[0].Message == "mutated" {
		t.Error("History exposed internal storage")
	}

	h.ClearHistory()
	if len(h.History()) != 0 {
		t.Error("ClearHistory left records behind")
	}
}
