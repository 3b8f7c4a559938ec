package task

import (
	"testing"
	"time"
)

func TestInferOrigin(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		task *Task
		want OriginKind
	}{
		{"default api", &Task{}, OriginAPI},
		{"provenance wins over source", &Task{
			Source:   SourceAutonomous,
			Metadata: Metadata{TaskProvenance: "prereq_injector", ParentTaskID: "task-p"},
		}, OriginExecutor},
		{"autonomous source", &Task{Source: SourceAutonomous}, OriginCognition},
		{"goal with binding", &Task{
			Source:   SourceGoal,
			Metadata: Metadata{GoalBinding: &GoalBinding{GoalKey: "goal-1", GoalType: "building"}},
		}, OriginGoalResolver},
		{"goal without binding", &Task{Source: SourceGoal}, OriginGoalSource},
	}
	for _, tc := range cases {
		got := InferOrigin(tc.task, now)
		if got.Kind != tc.want {
			t.Errorf("%s: kind = %q, want %q", tc.name, got.Kind, tc.want)
		}
	}

	executor := InferOrigin(&Task{
		Metadata: Metadata{TaskProvenance: "prereq_injector", ParentTaskID: "task-p"},
	}, now)
	if executor.ParentTaskID != "task-p" || executor.Name != "prereq_injector" {
		t.Errorf("executor origin fields = %+v", executor)
	}

	resolver := InferOrigin(&Task{
		Source:   SourceGoal,
		Metadata: Metadata{GoalBinding: &GoalBinding{GoalKey: "goal-1"}},
	}, now)
	if resolver.ParentGoalKey != "goal-1" {
		t.Errorf("parentGoalKey = %q", resolver.ParentGoalKey)
	}
}
