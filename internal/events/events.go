// Package events defines the typed lifecycle event stream and the broadcast
// bus that fans events out to SSE clients and other in-process observers.
package events

import "time"

// Type discriminates lifecycle events.
type Type string

const (
	TypeTaskAdded            Type = "taskAdded"
	TypeTaskUpdated          Type = "taskUpdated"
	TypeTaskCompleted        Type = "completed"
	TypeTaskFailed           Type = "failed"
	TypeHighPriorityAdded    Type = "high_priority_added"
	TypeSolverUnavailable    Type = "solver_unavailable"
	TypeGoalBindingDrift     Type = "goal_binding_drift"
	TypeIdlePeriod           Type = "idle_period"
	TypeShadowMode           Type = "shadow_mode"
	TypeUnknownLeafRejected  Type = "unknown_leaf_rejected"
	TypeExecutorBudget       Type = "executor_budget"
	TypeRigGReplanScheduled  Type = "rig_g_replan_scheduled"
	TypeRigGReplanExhausted  Type = "rig_g_replan_exhausted"
	TypeIntentParamsOpaque   Type = "intent_params_unserializable"
	TypePrereqInjected       Type = "prereq_injected"
	TypeEpisodeReported      Type = "episode_reported"
)

// Event is a single lifecycle record. Data carries event-specific fields and
// must be JSON-serializable.
type Event struct {
	Type      Type           `json:"type"`
	TaskID    string         `json:"taskId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
