package goal

import (
	"testing"
	"time"

	"steve/internal/task"
)

func boundTask(id, goalID string, status task.Status, hold *task.Hold) *task.Task {
	return &task.Task{
		ID:     id,
		Status: status,
		Metadata: task.Metadata{
			GoalBinding: &task.GoalBinding{
				GoalID:   goalID,
				GoalKey:  "goal-key",
				GoalType: "building",
				Hold:     hold,
			},
		},
	}
}

func TestHooksIgnoreUnboundTasks(t *testing.T) {
	h := NewHooks(task.NewStore(nil), nil)
	effects := h.OnTaskStatusChanged(&task.Task{ID: "t1"}, task.StatusPending, task.StatusPaused)
	if len(effects) != 0 {
		t.Errorf("unbound task produced %d effects", len(effects))
	}
}

func TestPauseAppliesSelfHoldAndSuspendsGoal(t *testing.T) {
	h := NewHooks(task.NewStore(nil), nil)
	paused := boundTask("t1", "g1", task.StatusPaused, nil)

	effects := h.OnTaskStatusChanged(paused, task.StatusActive, task.StatusPaused)
	if len(effects) != 2 {
		t.Fatalf("effects = %d, want self-hold and goal suspend", len(effects))
	}
	if effects[0].Kind != task.EffectApplyHold || !effects[0].SelfHold("t1") {
		t.Errorf("first effect = %+v, want self apply_hold", effects[0])
	}
	if effects[0].Hold == nil || effects[0].Hold.Reason != task.HoldManualPause {
		t.Errorf("default hold reason = %+v", effects[0].Hold)
	}
	if effects[1].Kind != task.EffectUpdateGoalStatus || effects[1].GoalStatus != GoalSuspended {
		t.Errorf("second effect = %+v, want goal suspend", effects[1])
	}
}

func TestResumeClearsHoldAndReactivatesGoal(t *testing.T) {
	h := NewHooks(task.NewStore(nil), nil)
	hold := &task.Hold{Reason: task.HoldManualPause, HeldAt: time.Now()}
	resumed := boundTask("t1", "g1", task.StatusPending, hold)

	effects := h.OnTaskStatusChanged(resumed, task.StatusPaused, task.StatusPending)
	if len(effects) != 2 {
		t.Fatalf("effects = %d", len(effects))
	}
	if effects[0].Kind != task.EffectClearHold || effects[0].TaskID != "t1" {
		t.Errorf("first effect = %+v", effects[0])
	}
	if effects[1].GoalStatus != GoalActive {
		t.Errorf("goal status = %q", effects[1].GoalStatus)
	}
}

func TestCompleteAndFailUpdateGoal(t *testing.T) {
	h := NewHooks(task.NewStore(nil), nil)

	completed := boundTask("t1", "g1", task.StatusCompleted, nil)
	effects := h.OnTaskStatusChanged(completed, task.StatusActive, task.StatusCompleted)
	if len(effects) != 1 || effects[0].GoalStatus != GoalCompleted {
		t.Errorf("completion effects = %+v", effects)
	}

	failed := boundTask("t1", "g1", task.StatusFailed, nil)
	failed.Metadata.FailReason = "max-retries-exceeded"
	effects = h.OnTaskStatusChanged(failed, task.StatusActive, task.StatusFailed)
	if len(effects) != 1 || effects[0].GoalStatus != GoalFailed {
		t.Fatalf("failure effects = %+v", effects)
	}
	if effects[0].Reason != "max-retries-exceeded" {
		t.Errorf("failure reason = %q", effects[0].Reason)
	}
}

func TestProgressClearsMaterialsHold(t *testing.T) {
	h := NewHooks(task.NewStore(nil), nil)
	hold := &task.Hold{Reason: task.HoldMaterialsMissing, HeldAt: time.Now()}
	held := boundTask("t1", "g1", task.StatusActive, hold)

	if effects := h.OnTaskProgressUpdated(held, 0); len(effects) != 0 {
		t.Errorf("zero progress cleared hold: %+v", effects)
	}
	effects := h.OnTaskProgressUpdated(held, 0.2)
	if len(effects) != 1 || effects[0].Kind != task.EffectClearHold {
		t.Errorf("progress effects = %+v", effects)
	}

	manual := boundTask("t1", "g1", task.StatusActive, &task.Hold{Reason: task.HoldManualPause})
	if effects := h.OnTaskProgressUpdated(manual, 0.5); len(effects) != 0 {
		t.Errorf("manual hold cleared by progress: %+v", effects)
	}
}
