package task

import "time"

// InferOrigin derives the immutable origin stamp for a freshly finalized
// task. Rules are evaluated top-down; the first match wins.
func InferOrigin(t *Task, now time.Time) *Origin {
	origin := &Origin{Kind: OriginAPI, CreatedAt: now}

	switch {
	case t.Metadata.TaskProvenance != "":
		// Subtask spawned during execution.
		origin.Kind = OriginExecutor
		origin.Name = t.Metadata.TaskProvenance
		origin.ParentTaskID = t.Metadata.ParentTaskID
	case t.Source == SourceAutonomous:
		origin.Kind = OriginCognition
	case t.Source == SourceGoal:
		if binding := t.Metadata.GoalBinding; binding != nil {
			origin.Kind = OriginGoalResolver
			origin.ParentGoalKey = binding.GoalKey
		} else {
			origin.Kind = OriginGoalSource
		}
	}

	return origin
}
