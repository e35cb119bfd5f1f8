// Package template manages tutorial templates, experiment variants, and
// per-user assignment. The catalog assembles the concrete tutorial definition
// a user runs, applying configuration in precedence order: template defaults,
// then variant overrides, then explicit user preferences.
package template

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tutor/internal/observability"
	"github.com/pitabwire/tutor/model"
)

// Assignment reasons, in priority order.
const (
	ReasonAccessibility = "accessibility"
	ReasonReturning     = "returning"
	ReasonPace          = "pace"
	ReasonStandard      = "standard"
)

// Tutorial lifecycle events recorded per template for analytics.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventSkipped   = "skipped"
)

// TemplateStats is the per-template analytics snapshot.
type TemplateStats struct {
	TemplateID     string  `json:"template_id"`
	Started        int     `json:"started"`
	Completed      int     `json:"completed"`
	Skipped        int     `json:"skipped"`
	CompletionRate float64 `json:"completion_rate"`
	SkipRate       float64 `json:"skip_rate"`
}

type counters struct {
	started   int
	completed int
	skipped   int
}

// Catalog holds registered templates and variants and resolves per-user
// tutorial definitions.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]model.TutorialTemplate
	variants  map[string]model.TutorialVariant
	stats     map[string]*counters

	assignments     AssignmentStore
	defaultTemplate string
	metrics         *observability.Metrics
	logger          *zap.Logger
}

// NewCatalog creates an empty catalog. defaultTemplate names the template used
// when a user has no assignment and no distinguishing traits.
func NewCatalog(assignments AssignmentStore, defaultTemplate string, metrics *observability.Metrics, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		templates:       make(map[string]model.TutorialTemplate),
		variants:        make(map[string]model.TutorialVariant),
		stats:           make(map[string]*counters),
		assignments:     assignments,
		defaultTemplate: defaultTemplate,
		metrics:         metrics,
		logger:          logger,
	}
}

// RegisterTemplate adds a template to the catalog. It reports false without
// registering when the template is invalid or its ID is already taken.
func (c *Catalog) RegisterTemplate(t model.TutorialTemplate) bool {
	if t.ID == "" || len(t.Steps) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.templates[t.ID]; exists {
		c.logger.Warn("duplicate template registration rejected", zap.String("template_id", t.ID))
		return false
	}
	c.templates[t.ID] = t
	if c.metrics != nil {
		c.metrics.SetTemplatesLoaded(float64(len(c.templates)))
	}
	c.logger.Info("template registered",
		zap.String("template_id", t.ID),
		zap.Int("steps", len(t.Steps)),
	)
	return true
}

// RegisterVariant adds a variant to the catalog. It reports false without
// registering when the ID is already taken or the base template does not
// resolve.
func (c *Catalog) RegisterVariant(v model.TutorialVariant) bool {
	if v.ID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.variants[v.ID]; exists {
		c.logger.Warn("duplicate variant registration rejected", zap.String("variant_id", v.ID))
		return false
	}
	if _, exists := c.templates[v.BaseTemplate]; !exists {
		c.logger.Warn("variant with unknown base template rejected",
			zap.String("variant_id", v.ID),
			zap.String("base_template", v.BaseTemplate),
		)
		return false
	}
	c.variants[v.ID] = v
	c.logger.Info("variant registered",
		zap.String("variant_id", v.ID),
		zap.String("base_template", v.BaseTemplate),
	)
	return true
}

// Template returns a registered template by ID.
func (c *Catalog) Template(id string) (model.TutorialTemplate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	return t, ok
}

// Variant returns a registered variant by ID.
func (c *Catalog) Variant(id string) (model.TutorialVariant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[id]
	return v, ok
}

// Templates returns all registered templates, sorted by ID.
func (c *Catalog) Templates() []model.TutorialTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.TutorialTemplate, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Variants returns all registered variants, sorted by ID.
func (c *Catalog) Variants() []model.TutorialVariant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.TutorialVariant, 0, len(c.variants))
	for _, v := range c.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TemplatesForAudience returns the registered templates targeting the given
// audience, sorted by ID.
func (c *Catalog) TemplatesForAudience(audience string) []model.TutorialTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.TutorialTemplate
	for _, t := range c.templates {
		if t.Audience == audience {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TemplateCount returns the number of registered templates.
func (c *Catalog) TemplateCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

// Generate assembles a concrete tutorial definition. Configuration precedence,
// lowest to highest: template defaults, variant overrides, user preferences.
// Variant step patches naming unknown steps are ignored.
func (c *Catalog) Generate(templateID, variantID string, prefs *model.TutorialConfigPatch) (model.TutorialDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tmpl, ok := c.templates[templateID]
	if !ok {
		return model.TutorialDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("tutorial template %q not found", templateID),
		)
	}

	var variant *model.TutorialVariant
	if variantID != "" {
		v, ok := c.variants[variantID]
		if !ok {
			return model.TutorialDefinition{}, model.NewNotFoundError(
				fmt.Sprintf("tutorial variant %q not found", variantID),
			)
		}
		if v.BaseTemplate != templateID {
			return model.TutorialDefinition{}, model.NewBadRequestError(
				fmt.Sprintf("variant %q does not apply to template %q", variantID, templateID),
			)
		}
		variant = &v
	}

	steps := make([]model.StepDefinition, len(tmpl.Steps))
	copy(steps, tmpl.Steps)
	actions := make(map[model.ActionKey]model.ActionDetectionConfig, len(tmpl.Actions))
	for k, v := range tmpl.Actions {
		actions[k] = v
	}

	cfg := tmpl.Config
	if variant != nil {
		cfg = cfg.Apply(variant.ConfigOverrides)
		for _, patch := range variant.StepModifications {
			for i := range steps {
				if steps[i].ID == patch.StepID {
					patch.ApplyTo(&steps[i])
					break
				}
			}
		}
	}
	cfg = cfg.Apply(prefs)

	return model.TutorialDefinition{
		TemplateID: templateID,
		VariantID:  variantID,
		Steps:      steps,
		Config:     cfg,
		Actions:    actions,
	}, nil
}

// AssignVariant resolves the user's sticky assignment, creating one from
// traits if none exists. Trait priority: accessibility need, then
// returning-user status, then pace preference, then the standard default.
func (c *Catalog) AssignVariant(ctx context.Context, userID string, traits model.UserTraits) (Assignment, error) {
	if existing, ok, err := c.assignments.Get(ctx, userID); err != nil {
		return Assignment{}, model.NewPersistenceError(
			fmt.Sprintf("load variant assignment: %v", err),
		)
	} else if ok {
		return existing, nil
	}

	a := Assignment{
		TemplateID: c.defaultTemplate,
		Reason:     ReasonStandard,
		AssignedAt: time.Now().UTC(),
	}
	switch {
	case traits.NeedsAccessibility:
		a.Reason = ReasonAccessibility
		a.VariantID = "accessible"
	case traits.ReturningUser:
		a.Reason = ReasonReturning
		a.TemplateID = "returning_user"
	case traits.Pace == "fast":
		a.Reason = ReasonPace
		a.VariantID = "fast_paced"
	}

	// Fall back to the plain default when the preferred shape is not
	// registered in this deployment.
	c.mu.RLock()
	if _, ok := c.templates[a.TemplateID]; !ok {
		a.TemplateID = c.defaultTemplate
	}
	if a.VariantID != "" {
		v, ok := c.variants[a.VariantID]
		if !ok || v.BaseTemplate != a.TemplateID {
			a.VariantID = ""
		}
	}
	c.mu.RUnlock()

	if err := c.assignments.Put(ctx, userID, a); err != nil {
		return Assignment{}, model.NewPersistenceError(
			fmt.Sprintf("save variant assignment: %v", err),
		)
	}

	if c.metrics != nil {
		variantLabel := a.VariantID
		if variantLabel == "" {
			variantLabel = "none"
		}
		c.metrics.RecordVariantAssignment(variantLabel, a.Reason)
	}
	c.logger.Info("variant assigned",
		zap.String("user_id", userID),
		zap.String("template_id", a.TemplateID),
		zap.String("variant_id", a.VariantID),
		zap.String("reason", a.Reason),
	)
	return a, nil
}

// SetVariant explicitly pins a user to a variant. An unknown variant is
// rejected and the prior assignment stays untouched.
func (c *Catalog) SetVariant(ctx context.Context, userID, variantID string) (Assignment, error) {
	c.mu.RLock()
	v, ok := c.variants[variantID]
	c.mu.RUnlock()
	if !ok {
		return Assignment{}, model.NewNotFoundError(
			fmt.Sprintf("tutorial variant %q not found", variantID),
		)
	}

	a, err := c.AssignVariant(ctx, userID, model.UserTraits{})
	if err != nil {
		return Assignment{}, err
	}
	a.TemplateID = v.BaseTemplate
	a.VariantID = variantID
	a.Reason = "explicit"
	a.AssignedAt = time.Now().UTC()
	if err := c.assignments.Put(ctx, userID, a); err != nil {
		return Assignment{}, model.NewPersistenceError(
			fmt.Sprintf("save variant assignment: %v", err),
		)
	}
	return a, nil
}

// SetPreferences stores explicit user preferences on top of the user's
// assignment, creating a standard assignment if none exists.
func (c *Catalog) SetPreferences(ctx context.Context, userID string, prefs *model.TutorialConfigPatch) error {
	a, err := c.AssignVariant(ctx, userID, model.UserTraits{})
	if err != nil {
		return err
	}
	a.Preferences = prefs
	if err := c.assignments.Put(ctx, userID, a); err != nil {
		return model.NewPersistenceError(
			fmt.Sprintf("save user preferences: %v", err),
		)
	}
	return nil
}

// DefinitionFor resolves the concrete tutorial definition for a user from
// their assignment, creating a standard assignment if none exists.
func (c *Catalog) DefinitionFor(ctx context.Context, userID string) (model.TutorialDefinition, error) {
	a, err := c.AssignVariant(ctx, userID, model.UserTraits{})
	if err != nil {
		return model.TutorialDefinition{}, err
	}
	return c.Generate(a.TemplateID, a.VariantID, a.Preferences)
}

// TutorialEvent records a lifecycle event against the template the user is
// assigned to. This is the hook the progress service calls; events for users
// without an assignment are dropped.
func (c *Catalog) TutorialEvent(ctx context.Context, userID, event string) {
	a, ok, err := c.assignments.Get(ctx, userID)
	if err != nil || !ok {
		return
	}
	c.RecordEvent(a.TemplateID, event)
}

// RecordEvent counts a tutorial lifecycle event against a template.
func (c *Catalog) RecordEvent(templateID, event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[templateID]
	if s == nil {
		s = &counters{}
		c.stats[templateID] = s
	}
	switch event {
	case EventStarted:
		s.started++
	case EventCompleted:
		s.completed++
	case EventSkipped:
		s.skipped++
	}
}

// Analytics returns the analytics snapshot for a template.
func (c *Catalog) Analytics(templateID string) TemplateStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := TemplateStats{TemplateID: templateID}
	s := c.stats[templateID]
	if s == nil {
		return out
	}
	out.Started = s.started
	out.Completed = s.completed
	out.Skipped = s.skipped
	if s.started > 0 {
		out.CompletionRate = float64(s.completed) / float64(s.started)
		out.SkipRate = float64(s.skipped) / float64(s.started)
	}
	return out
}

// Optimization hints.
const (
	HintReduceSteps         = "reduce_steps"
	HintWidenTimeouts       = "widen_timeouts"
	HintEnableAccessibility = "enable_accessibility"
)

// minOptimizeSamples is the minimum number of starts before optimization
// hints are offered.
const minOptimizeSamples = 10

// OptimizationHints derives tuning hints for a template from its analytics.
// Below the sample floor no hints are offered. An unknown template is
// rejected without side effect.
func (c *Catalog) OptimizationHints(templateID string) ([]string, error) {
	c.mu.RLock()
	tmpl, ok := c.templates[templateID]
	c.mu.RUnlock()
	if !ok {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("tutorial template %q not found", templateID),
		)
	}

	stats := c.Analytics(templateID)
	if stats.Started < minOptimizeSamples {
		return []string{}, nil
	}

	var hints []string
	if stats.SkipRate >= 0.5 {
		hints = append(hints, HintReduceSteps)
	}
	if stats.CompletionRate < 0.25 {
		hints = append(hints, HintWidenTimeouts)
		if tmpl.Audience != model.AudienceAccessibility && !tmpl.Config.ShowHints {
			hints = append(hints, HintEnableAccessibility)
		}
	}
	return hints, nil
}

// OptimizeTemplate applies named tuning hints to a registered template's
// configuration. Hints are validated up front, so an unknown template or an
// unknown hint fails without side effect. The mutated template is what later
// Generate calls see.
func (c *Catalog) OptimizeTemplate(templateID string, hints []string) (model.TutorialTemplate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmpl, ok := c.templates[templateID]
	if !ok {
		return model.TutorialTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("tutorial template %q not found", templateID),
		)
	}
	for _, h := range hints {
		switch h {
		case HintWidenTimeouts, HintEnableAccessibility, HintReduceSteps:
		default:
			return model.TutorialTemplate{}, model.NewBadRequestError(
				fmt.Sprintf("unknown optimization hint %q", h),
			)
		}
	}

	for _, h := range hints {
		switch h {
		case HintWidenTimeouts:
			tmpl.Config.DefaultTimeout = tmpl.Config.DefaultTimeout * 3 / 2
		case HintEnableAccessibility:
			tmpl.Config.ShowHints = true
			tmpl.Config.HighContrast = true
			tmpl.Config.ReducedMotion = true
		case HintReduceSteps:
			tmpl.Steps = essentialSteps(tmpl.Steps)
		}
	}
	c.templates[templateID] = tmpl

	c.logger.Info("template optimized",
		zap.String("template_id", templateID),
		zap.Strings("hints", hints),
	)
	return tmpl, nil
}

// essentialSteps drops steps that gate nothing: skippable and without a
// required action. A template is never reduced below one step.
func essentialSteps(steps []model.StepDefinition) []model.StepDefinition {
	kept := make([]model.StepDefinition, 0, len(steps))
	for _, s := range steps {
		if s.SkipAllowed && s.RequiredAction == "" {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return steps
	}
	for i := range kept {
		kept[i].Order = i
	}
	return kept
}
