package model

import "testing"

func twoStepDefinition() TutorialDefinition {
	return TutorialDefinition{
		TemplateID: "standard",
		Steps: []StepDefinition{
			{ID: StepWelcome, Order: 0},
			{ID: StepCreateTask, Order: 1, RequiredAction: ActionTaskCreated},
		},
		Actions: map[ActionKey]ActionDetectionConfig{
			ActionTaskCreated: {Events: []string{"click"}},
		},
	}
}

func TestTutorialDefinition_stepNavigation(t *testing.T) {
	def := twoStepDefinition()

	if s := def.Step(StepWelcome); s == nil || s.Order != 0 {
		t.Errorf("Step(welcome) = %+v", s)
	}
	if def.Step(StepRewards) != nil {
		t.Error("Step returned a definition for an absent step")
	}

	if def.FirstStep() != StepWelcome {
		t.Errorf("FirstStep = %q", def.FirstStep())
	}
	empty := TutorialDefinition{}
	if empty.FirstStep() != StepCompletion {
		t.Errorf("empty FirstStep = %q", empty.FirstStep())
	}

	if def.Successor(StepWelcome) != StepCreateTask {
		t.Errorf("Successor(welcome) = %q", def.Successor(StepWelcome))
	}
	if def.Successor(StepCreateTask) != StepCompletion {
		t.Errorf("Successor(last) = %q", def.Successor(StepCreateTask))
	}
	if def.Successor(StepRewards) != StepCompletion {
		t.Errorf("Successor(unknown) = %q", def.Successor(StepRewards))
	}

	if def.IsLast(StepWelcome) || !def.IsLast(StepCreateTask) {
		t.Error("IsLast misidentified the final step")
	}
	if empty.IsLast(StepWelcome) {
		t.Error("empty definition has a last step")
	}
}

func TestTutorialDefinition_DetectionFor(t *testing.T) {
	def := twoStepDefinition()

	cfg, ok := def.DetectionFor(ActionTaskCreated)
	if !ok || len(cfg.Events) != 1 {
		t.Errorf("DetectionFor = %+v, %v", cfg, ok)
	}
	if _, ok := def.DetectionFor(ActionRewardClaimed); ok {
		t.Error("DetectionFor found an unconfigured action")
	}
}
