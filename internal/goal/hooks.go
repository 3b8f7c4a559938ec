package goal

import (
	"time"

	"steve/internal/logging"
	"steve/internal/task"
)

// Goal status values carried by update_goal_status effects.
const (
	GoalActive    = "ACTIVE"
	GoalSuspended = "SUSPENDED"
	GoalCompleted = "COMPLETED"
	GoalFailed    = "FAILED"
)

// Hooks translates task lifecycle transitions into protocol sync effects.
// Effects targeting the originating task are applied in-memory by the store
// before persist; the rest run on the serial drain.
type Hooks struct {
	store  *task.Store
	logger logging.Logger
	now    func() time.Time
}

// NewHooks creates the protocol hook set.
func NewHooks(store *task.Store, logger logging.Logger) *Hooks {
	return &Hooks{store: store, logger: logging.OrNop(logger), now: time.Now}
}

// OnTaskStatusChanged implements task.BindingHooks.
func (h *Hooks) OnTaskStatusChanged(t *task.Task, prev, next task.Status) []task.SyncEffect {
	binding := t.GoalBinding()
	if binding == nil {
		return nil
	}

	var effects []task.SyncEffect

	switch next {
	case task.StatusPaused:
		hold := binding.Hold
		if hold == nil {
			now := h.now()
			hold = &task.Hold{Reason: task.HoldManualPause, HeldAt: now}
		}
		effects = append(effects, task.SyncEffect{
			Kind: task.EffectApplyHold, TaskID: t.ID, Hold: hold,
		})
		// Pause propagates to sibling tasks bound to the same goal, and
		// suspends the goal itself.
		for _, sibling := range h.boundSiblings(t, binding) {
			effects = append(effects, task.SyncEffect{
				Kind: task.EffectUpdateTaskStatus, TaskID: sibling.ID, Status: task.StatusPaused,
			})
		}
		if binding.GoalID != "" {
			effects = append(effects, task.SyncEffect{
				Kind: task.EffectUpdateGoalStatus, GoalID: binding.GoalID,
				GoalStatus: GoalSuspended, Reason: string(hold.Reason),
			})
		}

	case task.StatusPending, task.StatusActive:
		if prev == task.StatusPaused && binding.Hold != nil {
			effects = append(effects, task.SyncEffect{
				Kind: task.EffectClearHold, TaskID: t.ID,
			})
			if binding.GoalID != "" {
				effects = append(effects, task.SyncEffect{
					Kind: task.EffectUpdateGoalStatus, GoalID: binding.GoalID, GoalStatus: GoalActive,
				})
			}
		}

	case task.StatusCompleted:
		if binding.Hold != nil {
			effects = append(effects, task.SyncEffect{Kind: task.EffectClearHold, TaskID: t.ID})
		}
		if binding.GoalID != "" {
			effects = append(effects, task.SyncEffect{
				Kind: task.EffectUpdateGoalStatus, GoalID: binding.GoalID, GoalStatus: GoalCompleted,
			})
		}

	case task.StatusFailed:
		if binding.GoalID != "" {
			effects = append(effects, task.SyncEffect{
				Kind: task.EffectUpdateGoalStatus, GoalID: binding.GoalID,
				GoalStatus: GoalFailed, Reason: t.Metadata.FailReason,
			})
		}
	}

	return effects
}

// OnTaskProgressUpdated implements task.BindingHooks. A materials_missing
// hold clears once progress resumes moving.
func (h *Hooks) OnTaskProgressUpdated(t *task.Task, progress float64) []task.SyncEffect {
	binding := t.GoalBinding()
	if binding == nil || binding.Hold == nil {
		return nil
	}
	if binding.Hold.Reason == task.HoldMaterialsMissing && progress > 0 {
		return []task.SyncEffect{{Kind: task.EffectClearHold, TaskID: t.ID}}
	}
	return nil
}

func (h *Hooks) boundSiblings(origin *task.Task, binding *task.GoalBinding) []*task.Task {
	if binding.GoalID == "" {
		return nil
	}
	var out []*task.Task
	for _, other := range h.store.Active() {
		if other.ID == origin.ID {
			continue
		}
		ob := other.GoalBinding()
		if ob != nil && ob.GoalID == binding.GoalID && other.Status != task.StatusPaused {
			out = append(out, other)
		}
	}
	return out
}
