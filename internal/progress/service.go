// Package progress owns the persisted tutorial state machine: one record per
// user moving through an ordered step catalog toward the completion sentinel,
// with the required-action gate enforced by the detection engine.
package progress

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tutor/internal/observability"
	"github.com/pitabwire/tutor/internal/recovery"
	"github.com/pitabwire/tutor/model"
)

// Transition modes, as reported in logs and metrics.
const (
	ModeManual = "manual"
	ModeAuto   = "auto"
	ModeSkip   = "skip"
)

// DefinitionSource resolves the fully assembled tutorial definition for a
// user. The template catalog implements it.
type DefinitionSource interface {
	DefinitionFor(ctx context.Context, userID string) (model.TutorialDefinition, error)
}

// EventRecorder receives tutorial lifecycle events ("started", "completed",
// "skipped") for per-template analytics. The template catalog implements it.
type EventRecorder interface {
	TutorialEvent(ctx context.Context, userID, event string)
}

// Detector arms and releases action detection. The detection engine implements
// it; the service holds only this interface so the two can be composed without
// a dependency cycle.
type Detector interface {
	Initialize(ctx context.Context, userID string) error
	Arm(ctx context.Context, userID string, step model.StepID, action model.ActionKey, cfg model.ActionDetectionConfig) error
	Disarm(userID string, action model.ActionKey)
	Cleanup(userID string)
}

// StepConfig is the resolved view of the user's current step: the step
// definition plus its detection configuration, if any.
type StepConfig struct {
	Step      model.StepDefinition        `json:"step"`
	Detection *model.ActionDetectionConfig `json:"detection,omitempty"`
}

// Options carries service tuning knobs.
type Options struct {
	// ReadRetries is how many times a failed progress read is re-attempted
	// before the failure surfaces.
	ReadRetries       int
	ReadRetryInterval time.Duration
}

// Service is the tutorial state machine. All mutations go through the
// progress store with optimistic locking; a lost race surfaces as
// INVALID_STATE, the same class as any other stale transition.
type Service struct {
	store    ProgressStore
	defs     DefinitionSource
	detector Detector
	events   EventRecorder
	recov    *recovery.Handler
	metrics  *observability.Metrics
	logger   *zap.Logger
	opts     Options
}

// NewService creates the tutorial state machine service. The detector is wired
// separately via SetDetector at composition time.
func NewService(store ProgressStore, defs DefinitionSource, recov *recovery.Handler, metrics *observability.Metrics, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadRetries < 0 {
		opts.ReadRetries = 0
	}
	return &Service{
		store:   store,
		defs:    defs,
		recov:   recov,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
	}
}

// SetDetector wires the detection engine. Called once at composition time,
// before the service handles any request.
func (s *Service) SetDetector(d Detector) {
	s.detector = d
}

// SetEvents wires the analytics event recorder. Optional.
func (s *Service) SetEvents(ev EventRecorder) {
	s.events = ev
}

// Initialize starts the tutorial for a user, or resumes it if a non-terminal
// record already exists. A terminal record is returned as-is; restarting a
// finished tutorial goes through RestartTutorial.
func (s *Service) Initialize(ctx context.Context, userID string) (model.TutorialProgress, error) {
	if userID == "" {
		return model.TutorialProgress{}, model.NewBadRequestError("user id is required")
	}

	def, err := s.defs.DefinitionFor(ctx, userID)
	if err != nil {
		s.recordError(model.ErrInitializationFailure, err.Error(), recovery.Context{UserID: userID})
		return model.TutorialProgress{}, model.NewInitializationError(
			fmt.Sprintf("resolve tutorial definition: %v", err),
		)
	}

	// Resume an existing run.
	existing, err := s.getWithRetry(ctx, userID)
	switch {
	case err == nil:
		if existing.Terminal() {
			return existing, nil
		}
		s.armStep(ctx, userID, &def, existing.CurrentStep)
		s.logger.Info("tutorial resumed",
			zap.String("user_id", userID),
			zap.String("step_id", string(existing.CurrentStep)),
		)
		return existing, nil
	case !model.IsCode(err, model.ErrNotFound):
		s.recordError(model.ErrInitializationFailure, err.Error(), recovery.Context{UserID: userID})
		return model.TutorialProgress{}, model.NewInitializationError(
			fmt.Sprintf("load tutorial progress: %v", err),
		)
	}

	now := time.Now().UTC()
	p := model.TutorialProgress{
		UserID:      userID,
		CurrentStep: def.FirstStep(),
		StartedAt:   now,
		LastSeenAt:  now,
		Version:     1,
	}
	if err := s.store.Create(ctx, p); err != nil {
		s.recordError(model.ErrPersistenceFailure, err.Error(), recovery.Context{UserID: userID})
		return model.TutorialProgress{}, model.NewPersistenceError(
			fmt.Sprintf("create tutorial progress: %v", err),
		)
	}

	if s.detector != nil {
		if err := s.detector.Initialize(ctx, userID); err != nil {
			s.recordError(model.ErrInitializationFailure, err.Error(), recovery.Context{UserID: userID, StepID: p.CurrentStep})
			return model.TutorialProgress{}, model.NewInitializationError(
				fmt.Sprintf("initialize action detection: %v", err),
			)
		}
	}
	s.armStep(ctx, userID, &def, p.CurrentStep)

	if s.metrics != nil {
		s.metrics.RecordTutorialStart(def.TemplateID, def.VariantID)
	}
	if s.events != nil {
		s.events.TutorialEvent(ctx, userID, "started")
	}
	s.logger.Info("tutorial started",
		zap.String("user_id", userID),
		zap.String("template_id", def.TemplateID),
		zap.String("variant_id", def.VariantID),
		zap.String("step_id", string(p.CurrentStep)),
	)
	return p, nil
}

// GetProgress returns the user's progress record, re-attempting transient
// store failures up to the configured read retry budget. Exhausting the
// budget degrades to the same NOT_FOUND "no progress" answer a never-started
// user gets: the failure is recorded for the error history, but callers must
// never see transient store trouble as a user-facing failure.
func (s *Service) GetProgress(ctx context.Context, userID string) (model.TutorialProgress, error) {
	if userID == "" {
		return model.TutorialProgress{}, model.NewBadRequestError("user id is required")
	}
	p, err := s.getWithRetry(ctx, userID)
	if err != nil && !model.IsCode(err, model.ErrNotFound) {
		s.recordError(model.ErrPersistenceFailure, err.Error(), recovery.Context{UserID: userID})
		s.logger.Warn("progress read failed, reporting no progress",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return model.TutorialProgress{}, model.NewNotFoundError("no tutorial progress")
	}
	return p, err
}

// AdvanceToNextStep finishes the current step and moves to its successor.
// fromStep must name the step the caller believes is current; an empty or
// mismatched value means the caller acted on stale state and is rejected with
// INVALID_STATE rather than applied.
func (s *Service) AdvanceToNextStep(ctx context.Context, userID string, fromStep model.StepID) (model.TutorialProgress, error) {
	return s.advance(ctx, userID, fromStep, ModeManual)
}

func (s *Service) advance(ctx context.Context, userID string, fromStep model.StepID, mode string) (model.TutorialProgress, error) {
	def, err := s.defs.DefinitionFor(ctx, userID)
	if err != nil {
		return model.TutorialProgress{}, model.NewInitializationError(
			fmt.Sprintf("resolve tutorial definition: %v", err),
		)
	}

	p, err := s.getWithRetry(ctx, userID)
	if err != nil {
		return model.TutorialProgress{}, err
	}
	if p.Terminal() {
		return p, s.invalidState(ctx, &p, "", "tutorial is already finished")
	}
	if fromStep != p.CurrentStep {
		msg := fmt.Sprintf("transition from %q rejected, current step is %q", fromStep, p.CurrentStep)
		if fromStep == "" {
			msg = "transition does not name the step it is leaving"
		}
		return p, s.invalidState(ctx, &p, fromStep, msg)
	}

	step := def.Step(p.CurrentStep)
	if step == nil {
		return p, s.invalidState(ctx, &p, "",
			fmt.Sprintf("current step %q is not in the tutorial definition", p.CurrentStep))
	}

	// Required-action gate. Skip mode bypasses it.
	if mode != ModeSkip && step.RequiredAction != "" && !p.StepData.CompletedActions.Contains(step.RequiredAction) {
		return p, s.invalidState(ctx, &p, "",
			fmt.Sprintf("step %q requires action %q before advancing", step.ID, step.RequiredAction))
	}

	finished := p.CurrentStep

	// Append before moving: the finished step joins the history first, then
	// the cursor moves, so a partial write can never lose a completed step.
	p.CompletedSteps = append(p.CompletedSteps, finished)
	p.CurrentStep = def.Successor(finished)
	p.StepData = model.StepData{}
	if p.CurrentStep == model.StepCompletion {
		now := time.Now().UTC()
		p.IsCompleted = true
		p.CompletedAt = &now
	}

	if err := s.store.Update(ctx, p); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			// Lost an optimistic-lock race: some other writer already moved
			// this record, so the transition the caller saw is stale.
			reloaded, rerr := s.getWithRetry(ctx, userID)
			if rerr == nil {
				p = reloaded
			}
			return p, s.invalidState(ctx, &p, fromStep, "concurrent update, transition is stale")
		}
		s.recordError(model.ErrPersistenceFailure, err.Error(), recovery.Context{UserID: userID, StepID: finished})
		return p, model.NewPersistenceError(fmt.Sprintf("save tutorial progress: %v", err))
	}
	p.Version++

	if s.detector != nil && step.RequiredAction != "" {
		s.detector.Disarm(userID, step.RequiredAction)
	}
	if s.metrics != nil {
		s.metrics.RecordStepAdvance(string(finished), mode)
	}

	if p.IsCompleted {
		if s.detector != nil {
			s.detector.Cleanup(userID)
		}
		if s.metrics != nil {
			s.metrics.RecordTutorialCompletion("completed")
		}
		if s.events != nil {
			s.events.TutorialEvent(ctx, userID, "completed")
		}
		s.logger.Info("tutorial completed", zap.String("user_id", userID))
		return p, nil
	}

	s.armStep(ctx, userID, &def, p.CurrentStep)
	s.logger.Info("step advanced",
		zap.String("user_id", userID),
		zap.String("from_step", string(finished)),
		zap.String("to_step", string(p.CurrentStep)),
		zap.String("mode", mode),
	)
	return p, nil
}

// SkipStep skips the user's current step, when its definition allows
// skipping. step, when non-empty, must name the current step; a mismatch is
// the same stale-transition rejection advancing applies.
func (s *Service) SkipStep(ctx context.Context, userID string, step model.StepID) (model.TutorialProgress, error) {
	def, err := s.defs.DefinitionFor(ctx, userID)
	if err != nil {
		return model.TutorialProgress{}, model.NewInitializationError(
			fmt.Sprintf("resolve tutorial definition: %v", err),
		)
	}
	p, err := s.getWithRetry(ctx, userID)
	if err != nil {
		return model.TutorialProgress{}, err
	}
	if p.Terminal() {
		return p, s.invalidState(ctx, &p, "", "tutorial is already finished")
	}
	if step != "" && step != p.CurrentStep {
		return p, s.invalidState(ctx, &p, step,
			fmt.Sprintf("skip of %q rejected, current step is %q", step, p.CurrentStep))
	}
	cur := def.Step(p.CurrentStep)
	if cur != nil && !cur.SkipAllowed {
		return p, model.NewBadRequestError(
			fmt.Sprintf("step %q cannot be skipped", p.CurrentStep),
		)
	}
	return s.advance(ctx, userID, p.CurrentStep, ModeSkip)
}

// SkipTutorial abandons the whole tutorial. The record stays for analytics and
// to keep the tutorial from reappearing.
func (s *Service) SkipTutorial(ctx context.Context, userID string) (model.TutorialProgress, error) {
	p, err := s.getWithRetry(ctx, userID)
	if err != nil {
		return model.TutorialProgress{}, err
	}
	if p.Terminal() {
		return p, nil
	}

	now := time.Now().UTC()
	p.IsSkipped = true
	p.CompletedAt = &now
	if err := s.store.Update(ctx, p); err != nil {
		s.recordError(model.ErrPersistenceFailure, err.Error(), recovery.Context{UserID: userID, StepID: p.CurrentStep})
		return p, model.NewPersistenceError(fmt.Sprintf("save tutorial progress: %v", err))
	}
	p.Version++

	if s.detector != nil {
		s.detector.Cleanup(userID)
	}
	if s.metrics != nil {
		s.metrics.RecordTutorialCompletion("skipped")
	}
	if s.events != nil {
		s.events.TutorialEvent(ctx, userID, "skipped")
	}
	s.logger.Info("tutorial skipped", zap.String("user_id", userID))
	return p, nil
}

// RestartTutorial discards the user's record and starts over from the first
// step. This is the recovery path for INITIALIZATION_FAILURE.
func (s *Service) RestartTutorial(ctx context.Context, userID string) (model.TutorialProgress, error) {
	if userID == "" {
		return model.TutorialProgress{}, model.NewBadRequestError("user id is required")
	}
	if s.detector != nil {
		s.detector.Cleanup(userID)
	}
	if err := s.store.Delete(ctx, userID); err != nil && !model.IsCode(err, model.ErrNotFound) {
		s.recordError(model.ErrPersistenceFailure, err.Error(), recovery.Context{UserID: userID})
		return model.TutorialProgress{}, model.NewPersistenceError(
			fmt.Sprintf("reset tutorial progress: %v", err),
		)
	}
	s.logger.Info("tutorial restarted", zap.String("user_id", userID))
	return s.Initialize(ctx, userID)
}

// GetStepConfig returns the definition of the user's current step together
// with its detection configuration.
func (s *Service) GetStepConfig(ctx context.Context, userID string) (StepConfig, error) {
	def, err := s.defs.DefinitionFor(ctx, userID)
	if err != nil {
		return StepConfig{}, model.NewInitializationError(
			fmt.Sprintf("resolve tutorial definition: %v", err),
		)
	}
	p, err := s.getWithRetry(ctx, userID)
	if err != nil {
		return StepConfig{}, err
	}
	if p.Terminal() || p.CurrentStep == model.StepCompletion {
		return StepConfig{}, model.NewNotFoundError("tutorial is finished, no current step")
	}
	step := def.Step(p.CurrentStep)
	if step == nil {
		return StepConfig{}, model.NewNotFoundError(
			fmt.Sprintf("step %q is not in the tutorial definition", p.CurrentStep),
		)
	}

	cfg := StepConfig{Step: *step}
	if step.RequiredAction != "" {
		detection := s.detectionConfig(&def, step.RequiredAction)
		cfg.Detection = &detection
	}
	return cfg, nil
}

// ShouldShowTutorial reports whether the tutorial UI should appear for the
// user. It fails open: when the answer cannot be determined the tutorial is
// shown, because hiding onboarding from a new user is the worse failure.
func (s *Service) ShouldShowTutorial(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	p, err := s.getWithRetry(ctx, userID)
	if err != nil {
		if !model.IsCode(err, model.ErrNotFound) {
			s.logger.Warn("progress read failed, showing tutorial",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
		return true
	}
	return !p.Terminal()
}

// MarkActionCompleted records that the user performed an action. Marking the
// same action twice is a no-op. When the action satisfies the current step's
// requirement and the step auto-advances, the step transition follows.
func (s *Service) MarkActionCompleted(ctx context.Context, userID string, action model.ActionKey) (model.TutorialProgress, error) {
	if action == "" {
		return model.TutorialProgress{}, model.NewBadRequestError("action key is required")
	}

	p, err := s.getWithRetry(ctx, userID)
	if err != nil {
		return model.TutorialProgress{}, err
	}
	if p.Terminal() {
		return p, nil
	}
	if p.StepData.CompletedActions.Contains(action) {
		return p, nil
	}

	now := time.Now().UTC()
	p.StepData.CompletedActions = p.StepData.CompletedActions.Add(action)
	p.StepData.LastActionCompleted = action
	p.StepData.LastActionTime = &now
	if err := s.store.Update(ctx, p); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			// Concurrent writer. Re-read and re-check idempotently.
			reloaded, rerr := s.getWithRetry(ctx, userID)
			if rerr == nil && reloaded.StepData.CompletedActions.Contains(action) {
				return reloaded, nil
			}
			return p, s.invalidState(ctx, &p, "", "concurrent update while recording action")
		}
		s.recordError(model.ErrPersistenceFailure, err.Error(), recovery.Context{UserID: userID, StepID: p.CurrentStep, ActionKey: action})
		return p, model.NewPersistenceError(fmt.Sprintf("save action completion: %v", err))
	}
	p.Version++

	s.logger.Info("action completed",
		zap.String("user_id", userID),
		zap.String("step_id", string(p.CurrentStep)),
		zap.String("action_key", string(action)),
	)

	def, err := s.defs.DefinitionFor(ctx, userID)
	if err != nil {
		return p, nil
	}
	step := def.Step(p.CurrentStep)
	if step != nil && step.RequiredAction == action && step.AutoAdvance {
		return s.advance(ctx, userID, p.CurrentStep, ModeAuto)
	}
	return p, nil
}

// IsActionCompleted reports whether the action was recorded for the user's
// current step.
func (s *Service) IsActionCompleted(ctx context.Context, userID string, action model.ActionKey) (bool, error) {
	p, err := s.getWithRetry(ctx, userID)
	if err != nil {
		return false, err
	}
	return p.StepData.CompletedActions.Contains(action), nil
}

// CheckStepActionCompletion returns the derived action status of the user's
// current step.
func (s *Service) CheckStepActionCompletion(ctx context.Context, userID string) (model.StepActionStatus, error) {
	def, err := s.defs.DefinitionFor(ctx, userID)
	if err != nil {
		return model.StepActionStatus{}, model.NewInitializationError(
			fmt.Sprintf("resolve tutorial definition: %v", err),
		)
	}
	p, err := s.getWithRetry(ctx, userID)
	if err != nil {
		return model.StepActionStatus{}, err
	}

	status := model.StepActionStatus{Step: p.CurrentStep}
	step := def.Step(p.CurrentStep)
	if step == nil || step.RequiredAction == "" {
		status.ActionCompleted = true
		return status, nil
	}
	status.NeedsAction = true
	status.RequiredAction = step.RequiredAction
	status.ActionCompleted = p.StepData.CompletedActions.Contains(step.RequiredAction)
	return status, nil
}

// ActionDetected is the detection engine's completion sink. Failures are
// logged, not returned; the engine has nowhere to surface them.
func (s *Service) ActionDetected(ctx context.Context, userID string, action model.ActionKey) {
	if _, err := s.MarkActionCompleted(ctx, userID, action); err != nil {
		s.logger.Warn("failed to record detected action",
			zap.String("user_id", userID),
			zap.String("action_key", string(action)),
			zap.Error(err),
		)
	}
}

// ErrorHistory exposes the recovery subsystem's bounded error history.
func (s *Service) ErrorHistory() []model.ErrorRecord {
	return s.recov.History()
}

// armStep arms detection for the step's required action, if it has one.
func (s *Service) armStep(ctx context.Context, userID string, def *model.TutorialDefinition, stepID model.StepID) {
	if s.detector == nil || stepID == model.StepCompletion {
		return
	}
	step := def.Step(stepID)
	if step == nil || step.RequiredAction == "" {
		return
	}
	cfg := s.detectionConfig(def, step.RequiredAction)
	if err := s.detector.Arm(ctx, userID, stepID, step.RequiredAction, cfg); err != nil {
		s.logger.Warn("failed to arm action detection",
			zap.String("user_id", userID),
			zap.String("step_id", string(stepID)),
			zap.String("action_key", string(step.RequiredAction)),
			zap.Error(err),
		)
	}
}

// detectionConfig resolves the action's detection config, falling back to the
// definition-level defaults for unset timeout and retry budget.
func (s *Service) detectionConfig(def *model.TutorialDefinition, action model.ActionKey) model.ActionDetectionConfig {
	cfg, _ := def.DetectionFor(action)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Config.DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Config.MaxRetries
	}
	return cfg
}

// invalidState records and returns an INVALID_STATE error, bumping the
// record's error counters best-effort.
func (s *Service) invalidState(ctx context.Context, p *model.TutorialProgress, fromStep model.StepID, msg string) error {
	stepID := p.CurrentStep
	if fromStep != "" {
		stepID = fromStep
	}
	s.recordError(model.ErrInvalidState, msg, recovery.Context{UserID: p.UserID, StepID: stepID})

	p.ErrorCount++
	p.LastError = msg
	if err := s.store.Update(ctx, *p); err == nil {
		p.Version++
	}
	return model.NewInvalidStateError(msg)
}

func (s *Service) recordError(code, message string, ectx recovery.Context) {
	s.recov.CreateError(code, message, ectx)
	if s.metrics != nil {
		s.metrics.RecordEngineError(code)
	}
}

// getWithRetry reads the user's record, re-attempting transient failures.
// NOT_FOUND returns immediately; it is an answer, not a failure.
func (s *Service) getWithRetry(ctx context.Context, userID string) (model.TutorialProgress, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.ReadRetries; attempt++ {
		if attempt > 0 && s.opts.ReadRetryInterval > 0 {
			select {
			case <-ctx.Done():
				return model.TutorialProgress{}, model.NewPersistenceError(ctx.Err().Error())
			case <-time.After(s.opts.ReadRetryInterval):
			}
		}
		p, err := s.store.Get(ctx, userID)
		if err == nil {
			return p, nil
		}
		if model.IsCode(err, model.ErrNotFound) {
			return model.TutorialProgress{}, err
		}
		lastErr = err
	}
	if model.IsCode(lastErr, model.ErrPersistenceFailure) {
		return model.TutorialProgress{}, lastErr
	}
	return model.TutorialProgress{}, model.NewPersistenceError(lastErr.Error())
}
