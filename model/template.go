package model

import "time"

// Audience tags for template targeting.
const (
	AudienceGeneral       = "general"
	AudienceAccessibility = "accessibility"
	AudienceReturning     = "returning"
)

// TutorialConfig holds the tunable behavior of a generated tutorial: default
// detection timing plus feature toggles. Template defaults sit at the bottom
// of the precedence chain, below variant overrides and user preferences.
type TutorialConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`

	ShowHints     bool `json:"show_hints" yaml:"show_hints"`
	HighContrast  bool `json:"high_contrast" yaml:"high_contrast"`
	ReducedMotion bool `json:"reduced_motion" yaml:"reduced_motion"`
}

// TutorialConfigPatch is a partial TutorialConfig: nil fields are "no change".
// Used for variant config overrides and explicit user preferences.
type TutorialConfigPatch struct {
	DefaultTimeout *time.Duration `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	PollInterval   *time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	ShowHints      *bool          `json:"show_hints,omitempty" yaml:"show_hints,omitempty"`
	HighContrast   *bool          `json:"high_contrast,omitempty" yaml:"high_contrast,omitempty"`
	ReducedMotion  *bool          `json:"reduced_motion,omitempty" yaml:"reduced_motion,omitempty"`
}

// Apply returns a copy of c with all non-nil patch fields applied. A nil
// patch returns c unchanged.
func (c TutorialConfig) Apply(p *TutorialConfigPatch) TutorialConfig {
	if p == nil {
		return c
	}
	if p.DefaultTimeout != nil {
		c.DefaultTimeout = *p.DefaultTimeout
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.PollInterval != nil {
		c.PollInterval = *p.PollInterval
	}
	if p.ShowHints != nil {
		c.ShowHints = *p.ShowHints
	}
	if p.HighContrast != nil {
		c.HighContrast = *p.HighContrast
	}
	if p.ReducedMotion != nil {
		c.ReducedMotion = *p.ReducedMotion
	}
	return c
}

// StepPatch is a partial per-step modification carried by a variant. Patches
// merge onto the template step with the matching ID; patches naming unknown
// step IDs are ignored.
type StepPatch struct {
	StepID         StepID     `json:"step_id" yaml:"step_id"`
	Title          *string    `json:"title,omitempty" yaml:"title,omitempty"`
	Description    *string    `json:"description,omitempty" yaml:"description,omitempty"`
	SkipAllowed    *bool      `json:"skip_allowed,omitempty" yaml:"skip_allowed,omitempty"`
	AutoAdvance    *bool      `json:"auto_advance,omitempty" yaml:"auto_advance,omitempty"`
	RequiredAction *ActionKey `json:"required_action,omitempty" yaml:"required_action,omitempty"`
}

// ApplyTo merges the patch onto the given step definition.
func (p StepPatch) ApplyTo(s *StepDefinition) {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.SkipAllowed != nil {
		s.SkipAllowed = *p.SkipAllowed
	}
	if p.AutoAdvance != nil {
		s.AutoAdvance = *p.AutoAdvance
	}
	if p.RequiredAction != nil {
		s.RequiredAction = *p.RequiredAction
	}
}

// TutorialTemplate is a named, ordered step list plus base configuration and
// per-action detection settings, keyed by unique ID.
type TutorialTemplate struct {
	ID       string                              `json:"id" yaml:"id"`
	Name     string                              `json:"name" yaml:"name"`
	Audience string                              `json:"audience" yaml:"audience"`
	Steps    []StepDefinition                    `json:"steps" yaml:"steps"`
	Config   TutorialConfig                      `json:"config" yaml:"config"`
	Actions  map[ActionKey]ActionDetectionConfig `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// TutorialVariant is an experiment-group delta applied on top of a base
// template. A variant whose BaseTemplate does not resolve is invalid and must
// be rejected at registration.
type TutorialVariant struct {
	ID                string               `json:"id" yaml:"id"`
	Name              string               `json:"name" yaml:"name"`
	BaseTemplate      string               `json:"base_template" yaml:"base_template"`
	ConfigOverrides   *TutorialConfigPatch `json:"config_overrides,omitempty" yaml:"config_overrides,omitempty"`
	StepModifications []StepPatch          `json:"step_modifications,omitempty" yaml:"step_modifications,omitempty"`
}

// UserTraits drives automatic variant assignment. Precedence: accessibility
// need, then returning-user status, then pace preference.
type UserTraits struct {
	NeedsAccessibility bool   `json:"needs_accessibility"`
	ReturningUser      bool   `json:"returning_user"`
	Pace               string `json:"pace,omitempty"` // "fast", "relaxed", or empty
}
