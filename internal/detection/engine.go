// Package detection confirms that a user actually performed the action a
// tutorial step requires. For each armed action it races several observation
// strategies against a deadline; the first strategy to fire wins and the rest
// are torn down. Exhausting the retry budget escalates to the recovery
// subsystem instead of dropping the action silently.
package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tutor/internal/observability"
	"github.com/pitabwire/tutor/internal/recovery"
	"github.com/pitabwire/tutor/internal/uisignal"
	"github.com/pitabwire/tutor/model"
)

// Observation strategy names, as reported in logs, metrics, and status views.
const (
	StrategyPrimary  = "primary_listener"
	StrategyFallback = "fallback_listener"
	StrategyCustom   = "custom_signal"
	StrategyObserver = "content_observer"
	StrategyPolling  = "polling"
)

// ArmState is the lifecycle state of one armed action.
type ArmState string

const (
	StateIdle      ArmState = "idle"
	StateArmed     ArmState = "armed"
	StateSatisfied ArmState = "satisfied"
	StateTimedOut  ArmState = "timed_out"
)

// CompletionSink receives confirmed action completions. The progress service
// implements it; the engine calls it outside its own lock so the sink may
// re-enter Arm and Disarm freely.
type CompletionSink interface {
	ActionDetected(ctx context.Context, userID string, action model.ActionKey)
}

// Hub is the slice of the UI-signal hub the engine depends on.
type Hub interface {
	Listen(region, event string, fn func(uisignal.Event)) (cancel func())
	OnSignal(name string, fn func()) (cancel func())
	Observe(region string, fn func()) (cancel func())
	Query(region, expr string) (int, error)
}

// Config carries engine-wide defaults applied when an action's detection
// config leaves a field unset.
type Config struct {
	DefaultTimeout time.Duration
	DefaultRetries int
	PollInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultRetries < 0 {
		c.DefaultRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

// ArmStatus is the externally visible state of one armed action.
type ArmStatus struct {
	Action  model.ActionKey `json:"action"`
	Step    model.StepID    `json:"step"`
	State   ArmState        `json:"state"`
	Attempt int             `json:"attempt"`
	ArmedAt time.Time       `json:"armed_at"`
}

// armCycle tracks one action's observation lifecycle. handles is the arena of
// cancel functions for everything the cycle registered; releasing it is the
// single teardown path for all strategies and timers.
type armCycle struct {
	action    model.ActionKey
	step      model.StepID
	cfg       model.ActionDetectionConfig
	state     ArmState
	gen       uint64
	attempt   int
	escalated bool
	armedAt   time.Time
	handles   []func()

	// pollStop is the single slot for the polling timer. Each reschedule
	// replaces the previous, already fired, timer's handle.
	pollStop func()
}

func (c *armCycle) releaseHandles() {
	for _, cancel := range c.handles {
		cancel()
	}
	c.handles = nil
	if c.pollStop != nil {
		c.pollStop()
		c.pollStop = nil
	}
}

type session struct {
	cycles map[model.ActionKey]*armCycle
}

// Engine arms and resolves action detection per user.
type Engine struct {
	mu       sync.Mutex
	gen      uint64
	sessions map[string]*session

	hub     Hub
	sink    CompletionSink
	recov   *recovery.Handler
	clock   Clock
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewEngine creates a detection engine. A nil clock uses the system clock; a
// nil metrics registry disables instrumentation.
func NewEngine(hub Hub, recov *recovery.Handler, cfg Config, clock Clock, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sessions: make(map[string]*session),
		hub:      hub,
		recov:    recov,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		logger:   logger,
	}
}

// SetSink wires the completion sink. Called once at composition time, before
// any Arm.
func (e *Engine) SetSink(sink CompletionSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// Initialize resets the user's detection session, releasing any handles left
// over from a previous run.
func (e *Engine) Initialize(ctx context.Context, userID string) error {
	if userID == "" {
		return model.NewBadRequestError("user id is required")
	}
	e.Cleanup(userID)
	e.mu.Lock()
	e.sessions[userID] = &session{cycles: make(map[model.ActionKey]*armCycle)}
	e.mu.Unlock()
	return nil
}

// Arm starts an observation cycle for one required action. Arming an action
// that is already armed restarts its cycle with a fresh retry budget. All
// applicable strategies observe concurrently; the first to fire wins.
func (e *Engine) Arm(ctx context.Context, userID string, step model.StepID, action model.ActionKey, cfg model.ActionDetectionConfig) error {
	if userID == "" {
		return model.NewBadRequestError("user id is required")
	}
	if action == "" {
		return model.NewBadRequestError("action key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = e.cfg.DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = e.cfg.DefaultRetries
	}

	e.mu.Lock()
	sess := e.sessions[userID]
	if sess == nil {
		sess = &session{cycles: make(map[model.ActionKey]*armCycle)}
		e.sessions[userID] = sess
	}
	if prev := sess.cycles[action]; prev != nil {
		prev.releaseHandles()
	}
	cycle := &armCycle{
		action:  action,
		step:    step,
		cfg:     cfg,
		state:   StateArmed,
		armedAt: e.clock.Now(),
	}
	sess.cycles[action] = cycle
	gen, satisfiedNow := e.armStrategiesLocked(userID, cycle)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordDetectionArm(string(action))
	}
	e.logger.Debug("action detection armed",
		zap.String("user_id", userID),
		zap.String("step_id", string(step)),
		zap.String("action_key", string(action)),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int("retries", cfg.Retries),
	)

	if satisfiedNow {
		e.signal(userID, action, gen, StrategyObserver)
	}
	return nil
}

// armStrategiesLocked registers every applicable strategy plus the deadline
// timer for the cycle and assigns it a fresh generation. It reports the
// generation and whether a presence selector is already satisfied, which the
// caller must resolve after releasing the lock. Callers hold e.mu.
func (e *Engine) armStrategiesLocked(userID string, cycle *armCycle) (uint64, bool) {
	e.gen++
	gen := e.gen
	cycle.gen = gen
	action := cycle.action
	cfg := cycle.cfg

	for _, event := range cfg.Events {
		selectors := cfg.Selectors
		cancel := e.hub.Listen(uisignal.RegionAny, event, func(ev uisignal.Event) {
			if targetMatches(selectors, ev.Target) {
				e.signal(userID, action, gen, StrategyPrimary)
			}
		})
		cycle.handles = append(cycle.handles, cancel)
	}

	if len(cfg.FallbackSelectors) > 0 || len(cfg.FallbackEvents) > 0 {
		events := cfg.FallbackEvents
		if len(events) == 0 {
			events = cfg.Events
		}
		selectors := cfg.FallbackSelectors
		for _, event := range events {
			cancel := e.hub.Listen(uisignal.RegionAny, event, func(ev uisignal.Event) {
				if targetMatches(selectors, ev.Target) {
					e.signal(userID, action, gen, StrategyFallback)
				}
			})
			cycle.handles = append(cycle.handles, cancel)
		}
	}

	if cfg.CustomEventName != "" {
		cancel := e.hub.OnSignal(cfg.CustomEventName, func() {
			e.signal(userID, action, gen, StrategyCustom)
		})
		cycle.handles = append(cycle.handles, cancel)
	}

	satisfiedNow := false
	if len(cfg.PresenceSelectors) > 0 {
		selectors := cfg.PresenceSelectors
		satisfiedNow = e.presenceVisible(selectors)

		cancel := e.hub.Observe(uisignal.RegionAny, func() {
			if e.presenceVisible(selectors) {
				e.signal(userID, action, gen, StrategyObserver)
			}
		})
		cycle.handles = append(cycle.handles, cancel)

		e.schedulePollLocked(cycle, userID, action, gen, selectors)
	}

	timer := e.clock.AfterFunc(cfg.Timeout, func() {
		e.timeout(userID, action, gen)
	})
	cycle.handles = append(cycle.handles, func() { timer.Stop() })

	return gen, satisfiedNow
}

// schedulePollLocked arms one tick of the polling strategy. Callers hold e.mu.
func (e *Engine) schedulePollLocked(cycle *armCycle, userID string, action model.ActionKey, gen uint64, selectors []string) {
	timer := e.clock.AfterFunc(e.cfg.PollInterval, func() {
		if e.presenceVisible(selectors) {
			e.signal(userID, action, gen, StrategyPolling)
			return
		}
		e.mu.Lock()
		if c := e.cycleLocked(userID, action); c != nil && c.state == StateArmed && c.gen == gen {
			e.schedulePollLocked(c, userID, action, gen, selectors)
		}
		e.mu.Unlock()
	})
	cycle.pollStop = func() { timer.Stop() }
}

// signal resolves an armed cycle as satisfied. Signals for a cycle that is no
// longer armed, or that carry a stale generation, are ignored.
func (e *Engine) signal(userID string, action model.ActionKey, gen uint64, strategy string) {
	e.mu.Lock()
	cycle := e.cycleLocked(userID, action)
	if cycle == nil || cycle.state != StateArmed || cycle.gen != gen {
		e.mu.Unlock()
		return
	}
	cycle.state = StateSatisfied
	cycle.releaseHandles()
	sink := e.sink
	step := cycle.step
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordDetectionSuccess(string(action), strategy)
	}
	e.logger.Info("action detected",
		zap.String("user_id", userID),
		zap.String("step_id", string(step)),
		zap.String("action_key", string(action)),
		zap.String("strategy", strategy),
	)
	if sink != nil {
		sink.ActionDetected(context.Background(), userID, action)
	}
}

// timeout handles an expired deadline: re-arm while retry budget remains, then
// escalate to recovery exactly once, then stay timed out.
func (e *Engine) timeout(userID string, action model.ActionKey, gen uint64) {
	e.mu.Lock()
	cycle := e.cycleLocked(userID, action)
	if cycle == nil || cycle.state != StateArmed || cycle.gen != gen {
		e.mu.Unlock()
		return
	}
	cycle.releaseHandles()

	if cycle.attempt < cycle.cfg.Retries {
		cycle.attempt++
		attempt := cycle.attempt
		newGen, satisfiedNow := e.armStrategiesLocked(userID, cycle)
		e.mu.Unlock()

		if e.metrics != nil {
			e.metrics.RecordDetectionRetry(string(action))
		}
		e.logger.Debug("re-arming after timeout",
			zap.String("user_id", userID),
			zap.String("action_key", string(action)),
			zap.Int("attempt", attempt),
		)
		if satisfiedNow {
			e.signal(userID, action, newGen, StrategyObserver)
		}
		return
	}

	if cycle.escalated {
		cycle.state = StateTimedOut
		e.mu.Unlock()
		return
	}
	cycle.escalated = true
	step := cycle.step
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordDetectionTimeout(string(action))
	}
	rec := e.recov.CreateError(model.ErrActionTimeout,
		fmt.Sprintf("no completion signal for action %q within retry budget", action),
		recovery.Context{StepID: step, ActionKey: action, UserID: userID})
	decision := e.recov.Handle(rec)

	e.mu.Lock()
	cycle = e.cycleLocked(userID, action)
	if cycle == nil || cycle.state != StateArmed || cycle.gen != gen {
		e.mu.Unlock()
		return
	}
	if !decision.ShouldRetry {
		cycle.state = StateTimedOut
		e.mu.Unlock()
		return
	}
	newGen, satisfiedNow := e.armStrategiesLocked(userID, cycle)
	e.mu.Unlock()

	e.logger.Info("recovery granted one more detection cycle",
		zap.String("user_id", userID),
		zap.String("action_key", string(action)),
	)
	if satisfiedNow {
		e.signal(userID, action, newGen, StrategyObserver)
	}
}

// Disarm stops observing one action and discards its cycle. Disarming an
// action that is not armed is a no-op.
func (e *Engine) Disarm(userID string, action model.ActionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sessions[userID]
	if sess == nil {
		return
	}
	if cycle := sess.cycles[action]; cycle != nil {
		cycle.releaseHandles()
		delete(sess.cycles, action)
	}
}

// Cleanup releases every handle the user's session holds and discards the
// session. Safe to call repeatedly.
func (e *Engine) Cleanup(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sessions[userID]
	if sess == nil {
		return
	}
	for _, cycle := range sess.cycles {
		cycle.releaseHandles()
	}
	delete(e.sessions, userID)
}

// Status returns the state of every tracked cycle for the user.
func (e *Engine) Status(userID string) []ArmStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sessions[userID]
	if sess == nil {
		return nil
	}
	out := make([]ArmStatus, 0, len(sess.cycles))
	for _, cycle := range sess.cycles {
		out = append(out, ArmStatus{
			Action:  cycle.action,
			Step:    cycle.step,
			State:   cycle.state,
			Attempt: cycle.attempt,
			ArmedAt: cycle.armedAt,
		})
	}
	return out
}

// ActiveHandles counts the registered cancel handles across the user's
// cycles. A cleaned-up or fully resolved session holds zero.
func (e *Engine) ActiveHandles(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sessions[userID]
	if sess == nil {
		return 0
	}
	n := 0
	for _, cycle := range sess.cycles {
		n += len(cycle.handles)
		if cycle.pollStop != nil {
			n++
		}
	}
	return n
}

func (e *Engine) cycleLocked(userID string, action model.ActionKey) *armCycle {
	sess := e.sessions[userID]
	if sess == nil {
		return nil
	}
	return sess.cycles[action]
}

// presenceVisible reports whether any presence selector currently matches an
// element in any region. Malformed selectors contribute no matches.
func (e *Engine) presenceVisible(selectors []string) bool {
	for _, expr := range selectors {
		n, err := e.hub.Query(uisignal.RegionAny, expr)
		if err != nil {
			continue
		}
		if n > 0 {
			return true
		}
	}
	return false
}

// targetMatches reports whether the event target, or one of its ancestors,
// matches any of the selectors. With no selectors the event name alone counts.
// Malformed selectors contribute no matches.
func targetMatches(selectors []string, target *uisignal.Element) bool {
	if len(selectors) == 0 {
		return true
	}
	if target == nil {
		return false
	}
	for _, expr := range selectors {
		sel, err := uisignal.Parse(expr)
		if err != nil {
			continue
		}
		if sel.Closest(target) != nil {
			return true
		}
	}
	return false
}
