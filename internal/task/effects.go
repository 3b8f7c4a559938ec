package task

// EffectKind discriminates protocol sync effects produced by goal-binding
// lifecycle hooks.
type EffectKind string

const (
	EffectApplyHold        EffectKind = "apply_hold"
	EffectClearHold        EffectKind = "clear_hold"
	EffectUpdateTaskStatus EffectKind = "update_task_status"
	EffectUpdateGoalStatus EffectKind = "update_goal_status"
)

// SyncEffect is one element of the effect list a lifecycle hook returns.
// Effects targeting the originating task ("self-hold") are applied in-memory
// before that task's status persist; all others are scheduled on the serial
// protocol drain.
type SyncEffect struct {
	Kind       EffectKind
	TaskID     string
	Hold       *Hold
	Status     Status
	GoalID     string
	GoalStatus string
	Reason     string
}

// SelfHold reports whether the effect is a hold mutation on originID itself.
func (e SyncEffect) SelfHold(originID string) bool {
	if e.TaskID != originID {
		return false
	}
	return e.Kind == EffectApplyHold || e.Kind == EffectClearHold
}

// BindingHooks is implemented by the goal-binding protocol. Hooks observe a
// task mutation before persist and return the effects it implies.
type BindingHooks interface {
	OnTaskStatusChanged(t *Task, prev, next Status) []SyncEffect
	OnTaskProgressUpdated(t *Task, progress float64) []SyncEffect
}

// EffectScheduler accepts one batch of cross-entity effects originating from
// a single mutation. Batches are applied in insertion order and never
// interleave.
type EffectScheduler interface {
	Schedule(originTaskID string, effects []SyncEffect)
}

// StatusOrigin identifies who requested a status change.
type StatusOrigin string

const (
	// StatusOriginRuntime marks changes made by the executor and lifecycle
	// machinery; only these run the goal-binding hooks.
	StatusOriginRuntime StatusOrigin = "runtime"
	// StatusOriginManagement marks operator pause/resume/cancel actions.
	StatusOriginManagement StatusOrigin = "management"
	// StatusOriginProtocol marks changes applied by the effects drain itself.
	StatusOriginProtocol StatusOrigin = "protocol"
)

// StatusChangeOptions qualifies an UpdateTaskStatus call.
type StatusChangeOptions struct {
	Origin        StatusOrigin
	BlockedReason string
	FailReason    string
	FailureCode   string
}
