package template

import (
	"time"

	"github.com/pitabwire/tutor/model"
)

// RegisterBuiltins seeds a catalog with the built-in templates and variants.
// It reports false when any registration is rejected, which only happens if
// the catalog was already seeded.
func RegisterBuiltins(c *Catalog) bool {
	ok := true
	for _, t := range builtinTemplates() {
		ok = c.RegisterTemplate(t) && ok
	}
	for _, v := range builtinVariants() {
		ok = c.RegisterVariant(v) && ok
	}
	return ok
}

func builtinTemplates() []model.TutorialTemplate {
	return []model.TutorialTemplate{
		{
			ID:       "standard",
			Name:     "Getting Started",
			Audience: model.AudienceGeneral,
			Steps: []model.StepDefinition{
				{ID: model.StepWelcome, Order: 0, Title: "Welcome",
					Description: "A quick look at what you can do here.",
					SkipAllowed: true},
				{ID: model.StepNavigation, Order: 1, Title: "Find your board",
					Description:    "Open the task board from the sidebar.",
					SkipAllowed:    true,
					AutoAdvance:    true,
					RequiredAction: model.ActionBoardOpened},
				{ID: model.StepCreateTask, Order: 2, Title: "Create your first task",
					Description:    "Add a task so there is something to work on.",
					AutoAdvance:    true,
					RequiredAction: model.ActionTaskCreated},
				{ID: model.StepCompleteTask, Order: 3, Title: "Complete a task",
					Description:    "Mark the task done to see it move.",
					AutoAdvance:    true,
					RequiredAction: model.ActionTaskCompleted},
				{ID: model.StepRewards, Order: 4, Title: "Claim your reward",
					Description:    "Completing tasks earns points.",
					SkipAllowed:    true,
					AutoAdvance:    true,
					RequiredAction: model.ActionRewardClaimed},
				{ID: model.StepSocial, Order: 5, Title: "Share with your team",
					Description: "Invite teammates to join your board.",
					SkipAllowed: true},
			},
			Config: model.TutorialConfig{
				DefaultTimeout: 30 * time.Second,
				MaxRetries:     2,
				PollInterval:   2 * time.Second,
				ShowHints:      true,
			},
			Actions: standardActions(),
		},
		{
			ID:       "accessible",
			Name:     "Getting Started (Accessible)",
			Audience: model.AudienceAccessibility,
			Steps: []model.StepDefinition{
				{ID: model.StepWelcome, Order: 0, Title: "Welcome",
					Description: "A quick look at what you can do here. Take your time.",
					SkipAllowed: true},
				{ID: model.StepNavigation, Order: 1, Title: "Find your board",
					Description:    "Open the task board from the sidebar.",
					SkipAllowed:    true,
					AutoAdvance:    true,
					RequiredAction: model.ActionBoardOpened},
				{ID: model.StepCreateTask, Order: 2, Title: "Create your first task",
					Description:    "Add a task so there is something to work on.",
					SkipAllowed:    true,
					AutoAdvance:    true,
					RequiredAction: model.ActionTaskCreated},
				{ID: model.StepCompleteTask, Order: 3, Title: "Complete a task",
					Description:    "Mark the task done to see it move.",
					SkipAllowed:    true,
					AutoAdvance:    true,
					RequiredAction: model.ActionTaskCompleted},
			},
			Config: model.TutorialConfig{
				DefaultTimeout: 90 * time.Second,
				MaxRetries:     3,
				PollInterval:   2 * time.Second,
				ShowHints:      true,
				HighContrast:   true,
				ReducedMotion:  true,
			},
			Actions: standardActions(),
		},
		{
			ID:       "returning_user",
			Name:     "What's New",
			Audience: model.AudienceReturning,
			Steps: []model.StepDefinition{
				{ID: model.StepWelcome, Order: 0, Title: "Welcome back",
					Description: "A short refresher on the board.",
					SkipAllowed: true},
				{ID: model.StepCreateTask, Order: 1, Title: "Create a task",
					Description:    "Things work the way you remember.",
					SkipAllowed:    true,
					AutoAdvance:    true,
					RequiredAction: model.ActionTaskCreated},
				{ID: model.StepRewards, Order: 2, Title: "Rewards are new",
					Description:    "Completing tasks now earns points.",
					SkipAllowed:    true,
					AutoAdvance:    true,
					RequiredAction: model.ActionRewardClaimed},
			},
			Config: model.TutorialConfig{
				DefaultTimeout: 20 * time.Second,
				MaxRetries:     1,
				PollInterval:   2 * time.Second,
			},
			Actions: standardActions(),
		},
	}
}

func builtinVariants() []model.TutorialVariant {
	return []model.TutorialVariant{
		{
			ID:           "fast_paced",
			Name:         "Fast Paced",
			BaseTemplate: "standard",
			ConfigOverrides: &model.TutorialConfigPatch{
				DefaultTimeout: durPtr(10 * time.Second),
				MaxRetries:     intPtr(1),
				ShowHints:      boolPtr(false),
			},
			StepModifications: []model.StepPatch{
				{StepID: model.StepRewards, SkipAllowed: boolPtr(true), AutoAdvance: boolPtr(true)},
				{StepID: model.StepSocial, SkipAllowed: boolPtr(true)},
			},
		},
		{
			ID:           "accessible",
			Name:         "Accessible Pacing",
			BaseTemplate: "standard",
			ConfigOverrides: &model.TutorialConfigPatch{
				DefaultTimeout: durPtr(90 * time.Second),
				MaxRetries:     intPtr(3),
				ShowHints:      boolPtr(true),
				HighContrast:   boolPtr(true),
				ReducedMotion:  boolPtr(true),
			},
			StepModifications: []model.StepPatch{
				{StepID: model.StepCreateTask, SkipAllowed: boolPtr(true)},
				{StepID: model.StepCompleteTask, SkipAllowed: boolPtr(true)},
			},
		},
	}
}

// standardActions describes how the built-in required actions are observed in
// the product UI.
func standardActions() map[model.ActionKey]model.ActionDetectionConfig {
	return map[model.ActionKey]model.ActionDetectionConfig{
		model.ActionBoardOpened: {
			Selectors:         []string{"nav .board-link", "a[data-target=board]"},
			Events:            []string{"click"},
			FallbackSelectors: []string{".board"},
			FallbackEvents:    []string{"view"},
			PresenceSelectors: []string{"main .board"},
			CustomEventName:   "tutorial:board_opened",
		},
		model.ActionTaskCreated: {
			Selectors:         []string{"form.task-create button[type=submit]", "#create-task"},
			Events:            []string{"submit", "click"},
			PresenceSelectors: []string{".board .task-card"},
			CustomEventName:   "tutorial:task_created",
		},
		model.ActionTaskCompleted: {
			Selectors:         []string{".task-card .complete-toggle"},
			Events:            []string{"click"},
			FallbackSelectors: []string{".task-card.done"},
			FallbackEvents:    []string{"change"},
			PresenceSelectors: []string{".board .task-card.done"},
			CustomEventName:   "tutorial:task_completed",
		},
		model.ActionRewardClaimed: {
			Selectors:         []string{".rewards .claim-button", "#claim-reward"},
			Events:            []string{"click"},
			PresenceSelectors: []string{".rewards .claimed-badge"},
			CustomEventName:   "tutorial:reward_claimed",
		},
	}
}

func durPtr(d time.Duration) *time.Duration { return &d }
func intPtr(i int) *int                     { return &i }
func boolPtr(b bool) *bool                  { return &b }
