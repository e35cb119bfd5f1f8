package model

import "time"

// ActionCompletionSet is an append-only, duplicate-free ordered set of action
// keys. The persisted representation is a plain JSON array so existing
// progress records keep their shape.
type ActionCompletionSet []ActionKey

// Contains reports membership.
func (s ActionCompletionSet) Contains(a ActionKey) bool {
	for _, k := range s {
		if k == a {
			return true
		}
	}
	return false
}

// Add returns the set with a appended, or the set unchanged if a is already
// present.
func (s ActionCompletionSet) Add(a ActionKey) ActionCompletionSet {
	if s.Contains(a) {
		return s
	}
	return append(s, a)
}

// StepData is the per-user scratch state for the active step. Field names in
// JSON match the legacy persisted shape (completedActions, lastActionCompleted,
// lastActionTime).
type StepData struct {
	CompletedActions    ActionCompletionSet `json:"completedActions,omitempty"`
	LastActionCompleted ActionKey           `json:"lastActionCompleted,omitempty"`
	LastActionTime      *time.Time          `json:"lastActionTime,omitempty"`
}

// TutorialProgress is the persisted per-user tutorial state, owned by the
// state machine. JSON tags follow the legacy record shape.
//
// Invariant: CurrentStep is either StepCompletion or a catalog step that does
// not appear in CompletedSteps; advancing always appends the finished step to
// CompletedSteps before moving CurrentStep.
type TutorialProgress struct {
	UserID         string     `json:"userId"`
	CurrentStep    StepID     `json:"currentStep"`
	CompletedSteps []StepID   `json:"completedSteps"`
	IsCompleted    bool       `json:"isCompleted"`
	IsSkipped      bool       `json:"isSkipped"`
	StepData       StepData   `json:"stepData"`
	ErrorCount     int        `json:"errorCount"`
	LastError      string     `json:"lastError,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	LastSeenAt     time.Time  `json:"lastSeenAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`

	// Version supports optimistic locking at the store level.
	Version int `json:"version"`
}

// HasCompletedStep reports whether the given step was already passed.
func (p *TutorialProgress) HasCompletedStep(id StepID) bool {
	for _, s := range p.CompletedSteps {
		if s == id {
			return true
		}
	}
	return false
}

// Terminal reports whether the tutorial should not be resumed: it was either
// completed step by step or skipped outright.
func (p *TutorialProgress) Terminal() bool {
	return p.IsCompleted || p.IsSkipped
}

// StepActionStatus is the derived view of the active step's action
// requirement.
type StepActionStatus struct {
	Step            StepID    `json:"step"`
	NeedsAction     bool      `json:"needs_action"`
	ActionCompleted bool      `json:"action_completed"`
	RequiredAction  ActionKey `json:"required_action,omitempty"`
}

// ErrorRecord is a structured record of an engine failure, produced by the
// recovery subsystem and kept in its bounded rotating history.
type ErrorRecord struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Retryable   bool      `json:"retryable"`
	StepID      StepID    `json:"step_id,omitempty"`
	ActionKey   ActionKey `json:"action_key,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
