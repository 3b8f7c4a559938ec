package goal

import (
	"context"
	"sync"
	"testing"

	"steve/internal/task"
)

type recordingApplier struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingApplier) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingApplier) UpdateTaskStatus(id string, status task.Status, _ task.StatusChangeOptions) error {
	r.record("status:" + id + ":" + string(status))
	return nil
}

func (r *recordingApplier) ApplyHold(id string, _ *task.Hold) error {
	r.record("hold:" + id)
	return nil
}

func (r *recordingApplier) ClearHold(id string) error {
	r.record("clear:" + id)
	return nil
}

type recordingGoalSink struct {
	mu      sync.Mutex
	updates []string
}

func (r *recordingGoalSink) UpdateGoalStatus(goalID, status, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, goalID+":"+status)
}

func TestDrainAppliesBatchesInOrder(t *testing.T) {
	applier := &recordingApplier{}
	sink := &recordingGoalSink{}
	drain := NewDrain(applier, sink, nil)
	drain.Start(context.Background())
	defer drain.Stop()

	drain.Schedule("task-1", []task.SyncEffect{
		{Kind: task.EffectUpdateTaskStatus, TaskID: "task-2", Status: task.StatusPaused},
		{Kind: task.EffectApplyHold, TaskID: "task-2", Hold: &task.Hold{Reason: task.HoldManualPause}},
	})
	drain.Schedule("task-1", []task.SyncEffect{
		{Kind: task.EffectClearHold, TaskID: "task-2"},
		{Kind: task.EffectUpdateGoalStatus, GoalID: "g1", GoalStatus: GoalActive},
	})
	drain.Wait()

	want := []string{"status:task-2:paused", "hold:task-2", "clear:task-2"}
	applier.mu.Lock()
	defer applier.mu.Unlock()
	if len(applier.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", applier.ops, want)
	}
	for i, op := range want {
		if applier.ops[i] != op {
			t.Errorf("op[%d] = %q, want %q", i, applier.ops[i], op)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.updates) != 1 || sink.updates[0] != "g1:ACTIVE" {
		t.Errorf("goal updates = %v", sink.updates)
	}
}

func TestDrainDefaultsMissingHold(t *testing.T) {
	applier := &recordingApplier{}
	drain := NewDrain(applier, nil, nil)
	drain.Start(context.Background())
	defer drain.Stop()

	drain.Schedule("task-1", []task.SyncEffect{
		{Kind: task.EffectApplyHold, TaskID: "task-2"},
	})
	drain.Wait()

	applier.mu.Lock()
	defer applier.mu.Unlock()
	if len(applier.ops) != 1 || applier.ops[0] != "hold:task-2" {
		t.Errorf("ops = %v", applier.ops)
	}
}

func TestDrainIgnoresEmptyBatches(t *testing.T) {
	drain := NewDrain(&recordingApplier{}, nil, nil)
	drain.Schedule("task-1", nil)
	drain.Wait() // must not hang on an Add with no matching Done
}
