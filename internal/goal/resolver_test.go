package goal

import (
	"context"
	"testing"

	"steve/internal/task"
)

type fixedPlanner struct{}

func (fixedPlanner) GeneratePlan(_ context.Context, _ *task.Task) (*task.PlanResult, error) {
	return &task.PlanResult{Steps: []*task.Step{{
		Label: "build module",
		Meta:  &task.StepMeta{Leaf: "building_step", Args: map[string]any{"moduleId": "m1"}},
	}}}, nil
}

func newResolverFixture(t *testing.T) (*task.Store, *Resolver) {
	t.Helper()
	store := task.NewStore(nil, task.WithPlanner(fixedPlanner{}))
	resolver := NewResolver(store, nil, nil)
	store.SetGoalRouter(resolver)
	return store, resolver
}

func TestResolveOrCreateCreatesBoundTask(t *testing.T) {
	store, resolver := newResolverFixture(t)

	res, err := resolver.ResolveOrCreate(context.Background(), ResolveRequest{
		GoalType:     "building",
		IntentParams: map[string]any{"template": "shelter"},
		Verifier:     "structure_exists",
		GoalID:       "g-1",
	})
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if res.Action != task.ResolveCreated {
		t.Fatalf("action = %q, want created", res.Action)
	}

	created, err := store.Get(res.TaskID)
	if err != nil {
		t.Fatalf("created task missing: %v", err)
	}
	binding := created.GoalBinding()
	if binding == nil || binding.GoalKey == "" || binding.GoalID != "g-1" {
		t.Fatalf("binding = %+v", binding)
	}
	if binding.InstanceID == "" {
		t.Error("instance id missing")
	}
	if created.Metadata.Stage != "" {
		t.Errorf("skeleton stage survived finalize: %q", created.Metadata.Stage)
	}
	if !created.HasExecutablePlan() {
		t.Error("skeleton was not enriched with a plan")
	}
	if created.Metadata.Origin == nil || created.Metadata.Origin.Kind != task.OriginGoalResolver {
		t.Errorf("origin = %+v", created.Metadata.Origin)
	}
}

func TestResolveOrCreateBindsUngatedGoalTypes(t *testing.T) {
	store, resolver := newResolverFixture(t)

	// Mining is not routed through the store's goal-resolver gate; the
	// resolver itself must still deliver a bound, enriched task.
	res, err := resolver.ResolveOrCreate(context.Background(), ResolveRequest{
		GoalType:     "mining",
		IntentParams: map[string]any{"material": "iron_ore", "quantity": 3},
		Verifier:     "inventory_has",
		GoalID:       "g-mine-1",
	})
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if res.Action != task.ResolveCreated {
		t.Fatalf("action = %q, want created", res.Action)
	}

	created, err := store.Get(res.TaskID)
	if err != nil {
		t.Fatalf("created task missing: %v", err)
	}
	binding := created.GoalBinding()
	if binding == nil {
		t.Fatal("ungated goal type lost its binding")
	}
	if binding.GoalType != "mining" || binding.GoalID != "g-mine-1" || binding.GoalKey == "" {
		t.Errorf("binding = %+v", binding)
	}
	if binding.InstanceID == "" {
		t.Error("instance id missing")
	}
	if !created.HasExecutablePlan() {
		t.Error("ungated goal task was not enriched with a plan")
	}

	second, err := resolver.ResolveOrCreate(context.Background(), ResolveRequest{
		GoalType:     "mining",
		IntentParams: map[string]any{"material": "iron_ore", "quantity": 3},
		Verifier:     "inventory_has",
		GoalID:       "g-mine-1",
	})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Action != task.ResolveContinue || second.TaskID != res.TaskID {
		t.Errorf("second resolve = %+v, want continue on %s", second, res.TaskID)
	}
}

func TestResolveOrCreateContinuesLiveTask(t *testing.T) {
	_, resolver := newResolverFixture(t)
	req := ResolveRequest{
		GoalType:     "building",
		IntentParams: map[string]any{"template": "shelter"},
		Verifier:     "structure_exists",
	}

	first, err := resolver.ResolveOrCreate(context.Background(), req)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := resolver.ResolveOrCreate(context.Background(), req)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Action != task.ResolveContinue {
		t.Errorf("action = %q, want continue", second.Action)
	}
	if second.TaskID != first.TaskID {
		t.Errorf("continue pointed at %s, want %s", second.TaskID, first.TaskID)
	}
}

func TestResolveOrCreateKeyOrderDoesNotSplitGoals(t *testing.T) {
	_, resolver := newResolverFixture(t)

	first, err := resolver.ResolveOrCreate(context.Background(), ResolveRequest{
		GoalType:     "building",
		IntentParams: map[string]any{"a": 1, "b": 2},
	})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := resolver.ResolveOrCreate(context.Background(), ResolveRequest{
		GoalType:     "building",
		IntentParams: map[string]any{"b": 2, "a": 1},
	})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Action != task.ResolveContinue || second.TaskID != first.TaskID {
		t.Errorf("reordered params created a second task: %+v", second)
	}
}

func TestResolveOrCreateAlreadySatisfied(t *testing.T) {
	store, resolver := newResolverFixture(t)
	resolver.RegisterVerifier("always", func(_ *task.Task) bool { return true })

	req := ResolveRequest{GoalType: "building", Verifier: "always"}
	first, err := resolver.ResolveOrCreate(context.Background(), req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.UpdateTaskStatus(first.TaskID, task.StatusCompleted, task.StatusChangeOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	second, err := resolver.ResolveOrCreate(context.Background(), req)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if second.Action != task.ResolveAlreadySatisfied {
		t.Errorf("action = %q, want already_satisfied", second.Action)
	}
}

func TestResolveOrCreateRecreatesWhenVerifierFails(t *testing.T) {
	store, resolver := newResolverFixture(t)
	resolver.RegisterVerifier("never", func(_ *task.Task) bool { return false })

	req := ResolveRequest{GoalType: "building", Verifier: "never"}
	first, _ := resolver.ResolveOrCreate(context.Background(), req)
	_ = store.UpdateTaskStatus(first.TaskID, task.StatusCompleted, task.StatusChangeOptions{})

	second, err := resolver.ResolveOrCreate(context.Background(), req)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if second.Action != task.ResolveCreated || second.TaskID == first.TaskID {
		t.Errorf("stale satisfied goal was not recreated: %+v", second)
	}
}

func TestUnserializableParamsDoNotMergeWithAbsent(t *testing.T) {
	_, resolver := newResolverFixture(t)

	plain, err := resolver.ResolveOrCreate(context.Background(), ResolveRequest{GoalType: "building"})
	if err != nil {
		t.Fatalf("plain resolve: %v", err)
	}
	opaque, err := resolver.ResolveOrCreate(context.Background(), ResolveRequest{
		GoalType:     "building",
		IntentParams: func() {},
	})
	if err != nil {
		t.Fatalf("opaque resolve: %v", err)
	}
	if opaque.Action != task.ResolveCreated || opaque.TaskID == plain.TaskID {
		t.Errorf("opaque params merged with absent params: %+v", opaque)
	}
}
