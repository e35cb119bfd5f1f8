package detection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/tutor/internal/recovery"
	"github.com/pitabwire/tutor/internal/uisignal"
	"github.com/pitabwire/tutor/model"
)

// --- Test helpers ---

// fakeClock drives timers manually. Advance fires every timer whose deadline
// has passed, repeatedly, so timers scheduled by fired callbacks also run.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.fired && !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due *fakeTimer
		for _, t := range c.timers {
			if !t.fired && !t.stopped && !t.deadline.After(c.now) {
				due = t
				break
			}
		}
		if due != nil {
			due.fired = true
		}
		c.mu.Unlock()

		if due == nil {
			return
		}
		due.fn()
	}
}

// sinkRecorder records detected actions.
type sinkRecorder struct {
	mu    sync.Mutex
	calls []model.ActionKey
}

func (s *sinkRecorder) ActionDetected(_ context.Context, _ string, action model.ActionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, action)
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestEngine(t *testing.T) (*Engine, *uisignal.Hub, *fakeClock, *sinkRecorder, *recovery.Handler) {
	t.Helper()
	hub := uisignal.NewHub()
	clock := newFakeClock()
	recov := recovery.NewHandler(10, nil)
	engine := NewEngine(hub, recov, Config{
		DefaultTimeout: 30 * time.Second,
		PollInterval:   2 * time.Second,
	}, clock, nil, nil)
	sink := &sinkRecorder{}
	engine.SetSink(sink)
	if err := engine.Initialize(context.Background(), "user-1"); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	return engine, hub, clock, sink, recov
}

func armState(t *testing.T, e *Engine, userID string, action model.ActionKey) ArmState {
	t.Helper()
	for _, st := range e.Status(userID) {
		if st.Action == action {
			return st.State
		}
	}
	t.Fatalf("no status for action %q", action)
	return ""
}

// --- Tests ---

func TestEngine_Initialize_requiresUser(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	err := engine.Initialize(context.Background(), "")
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Fatalf("error = %v, want BAD_REQUEST", err)
	}
}

func TestEngine_primaryListener(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	err := engine.Arm(context.Background(), "user-1", model.StepCreateTask, model.ActionTaskCreated,
		model.ActionDetectionConfig{
			Selectors: []string{"#create-task"},
			Events:    []string{"click"},
		})
	if err != nil {
		t.Fatalf("Arm error: %v", err)
	}

	// A click somewhere else does not count.
	hub.Dispatch(uisignal.Event{Name: "click", Target: &uisignal.Element{Tag: "button", ID: "other"}})
	if sink.count() != 0 {
		t.Fatalf("sink calls = %d after unrelated click", sink.count())
	}

	hub.Dispatch(uisignal.Event{Name: "click", Target: &uisignal.Element{Tag: "button", ID: "create-task"}})
	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want 1", sink.count())
	}
	if st := armState(t, engine, "user-1", model.ActionTaskCreated); st != StateSatisfied {
		t.Errorf("state = %q, want satisfied", st)
	}
	if n := engine.ActiveHandles("user-1"); n != 0 {
		t.Errorf("ActiveHandles = %d after satisfaction, want 0", n)
	}
}

func TestEngine_firstStrategyWins(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepCreateTask, model.ActionTaskCreated,
		model.ActionDetectionConfig{
			Selectors:       []string{"#create-task"},
			Events:          []string{"click"},
			CustomEventName: "tutorial:task_created",
		})

	hub.Dispatch(uisignal.Event{Name: "click", Target: &uisignal.Element{Tag: "button", ID: "create-task"}})
	hub.Emit("tutorial:task_created")

	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want exactly 1", sink.count())
	}
}

func TestEngine_fallbackIsIndependent(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepCompleteTask, model.ActionTaskCompleted,
		model.ActionDetectionConfig{
			Selectors:         []string{"#missing-button"},
			Events:            []string{"click"},
			FallbackSelectors: []string{".task-card.done"},
			FallbackEvents:    []string{"change"},
		})

	// The fallback fires on its own event and selectors; the primary never saw
	// anything.
	target := &uisignal.Element{Tag: "div", Classes: []string{"task-card", "done"}}
	hub.Dispatch(uisignal.Event{Name: "change", Target: target})

	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want 1", sink.count())
	}
}

func TestEngine_customSignal(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepRewards, model.ActionRewardClaimed,
		model.ActionDetectionConfig{CustomEventName: "tutorial:reward_claimed"})

	hub.Emit("tutorial:other")
	if sink.count() != 0 {
		t.Fatalf("sink calls = %d after unrelated signal", sink.count())
	}
	hub.Emit("tutorial:reward_claimed")
	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want 1", sink.count())
	}
}

func TestEngine_presenceAlreadyVisible(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	hub.UpdateRegion("main", &uisignal.Element{
		Tag: "main",
		Children: []*uisignal.Element{
			{Tag: "div", Classes: []string{"board"}},
		},
	})

	engine.Arm(context.Background(), "user-1", model.StepNavigation, model.ActionBoardOpened,
		model.ActionDetectionConfig{PresenceSelectors: []string{".board"}})

	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want 1 (presence was already satisfied)", sink.count())
	}
}

func TestEngine_contentObserver(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepNavigation, model.ActionBoardOpened,
		model.ActionDetectionConfig{PresenceSelectors: []string{".board"}})
	if sink.count() != 0 {
		t.Fatalf("sink calls = %d before region update", sink.count())
	}

	hub.UpdateRegion("main", &uisignal.Element{
		Tag: "main",
		Children: []*uisignal.Element{
			{Tag: "div", Classes: []string{"board"}},
		},
	})

	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want 1", sink.count())
	}
}

func TestEngine_pollingKeepsRescheduling(t *testing.T) {
	engine, hub, clock, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepNavigation, model.ActionBoardOpened,
		model.ActionDetectionConfig{
			PresenceSelectors: []string{".board"},
			Timeout:           30 * time.Second,
		})

	// Several poll ticks with nothing visible keep the cycle armed.
	clock.Advance(2 * time.Second)
	clock.Advance(2 * time.Second)
	if st := armState(t, engine, "user-1", model.ActionBoardOpened); st != StateArmed {
		t.Fatalf("state = %q, want armed", st)
	}
	if sink.count() != 0 {
		t.Fatalf("sink calls = %d, want 0", sink.count())
	}

	hub.UpdateRegion("main", &uisignal.Element{
		Tag: "main",
		Children: []*uisignal.Element{
			{Tag: "div", Classes: []string{"board"}},
		},
	})
	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want 1", sink.count())
	}
}

func TestEngine_pollingReschedulesWithoutAccumulatingHandles(t *testing.T) {
	engine, _, clock, _, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepNavigation, model.ActionBoardOpened,
		model.ActionDetectionConfig{
			PresenceSelectors: []string{".board"},
			Timeout:           30 * time.Second,
		})

	before := engine.ActiveHandles("user-1")
	if before == 0 {
		t.Fatal("no handles registered after arming")
	}

	// Each tick replaces the fired poll timer's handle rather than piling
	// another one onto the cycle.
	for i := 0; i < 5; i++ {
		clock.Advance(2 * time.Second)
	}
	if got := engine.ActiveHandles("user-1"); got != before {
		t.Errorf("ActiveHandles = %d after polling, want %d", got, before)
	}

	engine.Cleanup("user-1")
	if got := engine.ActiveHandles("user-1"); got != 0 {
		t.Errorf("ActiveHandles = %d after cleanup, want 0", got)
	}
}

func TestEngine_retryThenEscalateExactlyOnce(t *testing.T) {
	engine, _, clock, sink, recov := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepCreateTask, model.ActionTaskCreated,
		model.ActionDetectionConfig{
			Events:  []string{"click"},
			Timeout: 10 * time.Second,
			Retries: 1,
		})

	// First deadline: retry budget re-arms, nothing escalates.
	clock.Advance(10 * time.Second)
	if st := armState(t, engine, "user-1", model.ActionTaskCreated); st != StateArmed {
		t.Fatalf("state = %q after first timeout, want armed", st)
	}
	if len(recov.History()) != 0 {
		t.Fatalf("errors = %d after first timeout, want 0", len(recov.History()))
	}

	// Second deadline: budget exhausted, escalates once. ACTION_TIMEOUT is
	// retryable, so recovery grants one more cycle.
	clock.Advance(10 * time.Second)
	hist := recov.History()
	if len(hist) != 1 {
		t.Fatalf("errors = %d after exhaustion, want 1", len(hist))
	}
	if hist[0].Code != model.ErrActionTimeout {
		t.Errorf("error code = %q", hist[0].Code)
	}
	if st := armState(t, engine, "user-1", model.ActionTaskCreated); st != StateArmed {
		t.Fatalf("state = %q after escalation, want armed (recovery re-arm)", st)
	}

	// Third deadline: the recovery cycle also expires. No second escalation;
	// the cycle goes quiet.
	clock.Advance(10 * time.Second)
	if len(recov.History()) != 1 {
		t.Fatalf("errors = %d after recovery cycle expired, want still 1", len(recov.History()))
	}
	if st := armState(t, engine, "user-1", model.ActionTaskCreated); st != StateTimedOut {
		t.Fatalf("state = %q, want timed_out", st)
	}
	if sink.count() != 0 {
		t.Errorf("sink calls = %d, want 0", sink.count())
	}
	if n := engine.ActiveHandles("user-1"); n != 0 {
		t.Errorf("ActiveHandles = %d after timeout, want 0", n)
	}
}

func TestEngine_signalAfterDisarmIgnored(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepRewards, model.ActionRewardClaimed,
		model.ActionDetectionConfig{CustomEventName: "tutorial:reward_claimed"})
	engine.Disarm("user-1", model.ActionRewardClaimed)

	hub.Emit("tutorial:reward_claimed")
	if sink.count() != 0 {
		t.Fatalf("sink calls = %d after disarm, want 0", sink.count())
	}
	if len(engine.Status("user-1")) != 0 {
		t.Errorf("disarmed cycle still tracked")
	}
}

func TestEngine_reArmInvalidatesOldCycle(t *testing.T) {
	engine, _, clock, _, recov := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepCreateTask, model.ActionTaskCreated,
		model.ActionDetectionConfig{Events: []string{"click"}, Timeout: 10 * time.Second})
	engine.Arm(context.Background(), "user-1", model.StepCreateTask, model.ActionTaskCreated,
		model.ActionDetectionConfig{Events: []string{"click"}, Timeout: 30 * time.Second})

	// The first cycle's 10s deadline is dead; only the 30s one counts.
	clock.Advance(15 * time.Second)
	if st := armState(t, engine, "user-1", model.ActionTaskCreated); st != StateArmed {
		t.Fatalf("state = %q, want armed", st)
	}
	if len(recov.History()) != 0 {
		t.Fatalf("errors = %d, want 0", len(recov.History()))
	}
}

func TestEngine_cleanupReleasesEverything(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepNavigation, model.ActionBoardOpened,
		model.ActionDetectionConfig{
			Events:            []string{"click"},
			CustomEventName:   "tutorial:board_opened",
			PresenceSelectors: []string{".board"},
		})
	engine.Arm(context.Background(), "user-1", model.StepCreateTask, model.ActionTaskCreated,
		model.ActionDetectionConfig{Events: []string{"submit"}})

	if n := engine.ActiveHandles("user-1"); n == 0 {
		t.Fatal("expected live handles before cleanup")
	}

	engine.Cleanup("user-1")
	if n := engine.ActiveHandles("user-1"); n != 0 {
		t.Errorf("ActiveHandles = %d after cleanup, want 0", n)
	}
	if engine.Status("user-1") != nil {
		t.Errorf("session still tracked after cleanup")
	}

	hub.Emit("tutorial:board_opened")
	if sink.count() != 0 {
		t.Errorf("sink calls = %d after cleanup, want 0", sink.count())
	}

	// Idempotent.
	engine.Cleanup("user-1")
}

func TestEngine_sessionsAreIsolated(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)
	engine.Initialize(context.Background(), "user-2")

	engine.Arm(context.Background(), "user-1", model.StepRewards, model.ActionRewardClaimed,
		model.ActionDetectionConfig{CustomEventName: "tutorial:reward_claimed"})
	engine.Arm(context.Background(), "user-2", model.StepRewards, model.ActionRewardClaimed,
		model.ActionDetectionConfig{CustomEventName: "tutorial:reward_claimed"})

	hub.Emit("tutorial:reward_claimed")

	// Both users' cycles resolve: the signal is broadcast, each session tracks
	// its own satisfaction.
	if sink.count() != 2 {
		t.Fatalf("sink calls = %d, want 2", sink.count())
	}
	if st := armState(t, engine, "user-1", model.ActionRewardClaimed); st != StateSatisfied {
		t.Errorf("user-1 state = %q", st)
	}
	if st := armState(t, engine, "user-2", model.ActionRewardClaimed); st != StateSatisfied {
		t.Errorf("user-2 state = %q", st)
	}
}

func TestEngine_eventWithoutSelectorsCounts(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepWelcome, model.ActionBoardOpened,
		model.ActionDetectionConfig{Events: []string{"view"}})

	hub.Dispatch(uisignal.Event{Name: "view"})
	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want 1", sink.count())
	}
}

func TestEngine_malformedSelectorIsNoMatch(t *testing.T) {
	engine, hub, _, sink, _ := newTestEngine(t)

	engine.Arm(context.Background(), "user-1", model.StepCreateTask, model.ActionTaskCreated,
		model.ActionDetectionConfig{
			Selectors: []string{"###"},
			Events:    []string{"click"},
		})

	hub.Dispatch(uisignal.Event{Name: "click", Target: &uisignal.Element{Tag: "button"}})
	if sink.count() != 0 {
		t.Fatalf("sink calls = %d, want 0 (selector never parses)", sink.count())
	}
}
