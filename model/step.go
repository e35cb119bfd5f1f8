package model

import "time"

// StepID identifies one unit of the onboarding sequence. The catalog of steps
// is closed so that transition code can switch exhaustively; the persisted
// representation stays a plain string for backward compatibility with the
// existing progress records.
type StepID string

// Built-in step catalog.
const (
	StepWelcome      StepID = "welcome"
	StepNavigation   StepID = "navigation"
	StepCreateTask   StepID = "create_task"
	StepCompleteTask StepID = "complete_task"
	StepRewards      StepID = "rewards"
	StepSocial       StepID = "social"

	// StepCompletion is the terminal sentinel. It never appears in a
	// template's step list and is never appended to CompletedSteps.
	StepCompletion StepID = "completion"
)

// ActionKey identifies a discrete user-performed condition a step requires
// before it can be left.
type ActionKey string

// Built-in action catalog.
const (
	ActionBoardOpened   ActionKey = "board_opened"
	ActionTaskCreated   ActionKey = "task_created"
	ActionTaskCompleted ActionKey = "task_completed"
	ActionRewardClaimed ActionKey = "reward_claimed"
)

// StepDefinition is the immutable description of a single tutorial step,
// produced by the template catalog and consumed by the state machine and the
// detection engine.
type StepDefinition struct {
	ID          StepID `json:"id" yaml:"id"`
	Order       int    `json:"order" yaml:"order"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	SkipAllowed bool   `json:"skip_allowed" yaml:"skip_allowed"`
	AutoAdvance bool   `json:"auto_advance" yaml:"auto_advance"`

	// RequiredAction, when non-empty, names the action the detection engine
	// must confirm before the step is considered satisfied.
	RequiredAction ActionKey `json:"required_action,omitempty" yaml:"required_action,omitempty"`
}

// ActionDetectionConfig describes how the detection engine observes one
// required action. Primary and fallback listening are two independent
// concurrent strategies, not an escalation chain; presence-based strategies
// (observer and polling) activate only when PresenceSelectors is non-empty.
type ActionDetectionConfig struct {
	Selectors         []string `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	FallbackSelectors []string `json:"fallback_selectors,omitempty" yaml:"fallback_selectors,omitempty"`
	Events            []string `json:"events,omitempty" yaml:"events,omitempty"`
	FallbackEvents    []string `json:"fallback_events,omitempty" yaml:"fallback_events,omitempty"`
	PresenceSelectors []string `json:"presence_selectors,omitempty" yaml:"presence_selectors,omitempty"`
	CustomEventName   string   `json:"custom_event_name,omitempty" yaml:"custom_event_name,omitempty"`

	// Timeout bounds one arm cycle; Retries is the number of re-arms after a
	// timeout, each with a fresh timer. Retries must be >= 0; exhausting it
	// escalates to the recovery subsystem, never a silent drop.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries int           `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// TutorialDefinition is the concrete, fully-resolved tutorial for one user:
// ordered steps plus per-action detection configuration, produced once by the
// template catalog before the state machine sees any step.
type TutorialDefinition struct {
	TemplateID string                              `json:"template_id"`
	VariantID  string                              `json:"variant_id,omitempty"`
	Steps      []StepDefinition                    `json:"steps"`
	Config     TutorialConfig                      `json:"config"`
	Actions    map[ActionKey]ActionDetectionConfig `json:"actions,omitempty"`
}

// Step returns the definition for the given step ID, or nil if unknown.
func (d *TutorialDefinition) Step(id StepID) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// FirstStep returns the first step of the catalog, or StepCompletion for an
// empty definition.
func (d *TutorialDefinition) FirstStep() StepID {
	if len(d.Steps) == 0 {
		return StepCompletion
	}
	return d.Steps[0].ID
}

// Successor returns the step following the given one, or StepCompletion when
// the given step is the last (or unknown).
func (d *TutorialDefinition) Successor(id StepID) StepID {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			if i+1 < len(d.Steps) {
				return d.Steps[i+1].ID
			}
			return StepCompletion
		}
	}
	return StepCompletion
}

// IsLast reports whether the given step is the final catalog step.
func (d *TutorialDefinition) IsLast(id StepID) bool {
	return len(d.Steps) > 0 && d.Steps[len(d.Steps)-1].ID == id
}

// DetectionFor returns the detection config for the given action and whether
// one is configured.
func (d *TutorialDefinition) DetectionFor(action ActionKey) (ActionDetectionConfig, bool) {
	cfg, ok := d.Actions[action]
	return cfg, ok
}
