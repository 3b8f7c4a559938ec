package task

import (
	"fmt"

	"steve/internal/events"
)

// finalizeNewTask is the single choke-point every creation path funnels
// through: executability gate, digest seed, skeleton clear, origin stamp,
// invariant enforcement, persist, lifecycle emit, drift lint.
func (s *Store) finalizeNewTask(t *Task, sterlingKey string) (*Task, error) {
	now := s.now()

	// Executability gate. A more specific blocked reason set earlier in the
	// pipeline wins.
	if !t.HasExecutablePlan() {
		s.setBlockedLocked(t, "no-executable-plan")
	}

	// Seed the digest used by replan comparison.
	solver := t.Metadata.EnsureSolver()
	if solver.StepsDigest == "" {
		solver.StepsDigest = StepsDigest(t.Steps)
	}

	t.Metadata.Stage = ""

	// Origin is stamped exactly once.
	if t.Metadata.Origin == nil {
		t.Metadata.Origin = InferOrigin(t, now)
	}

	if err := s.enforceFinalizeInvariants(t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	if parent := t.Metadata.ParentTaskID; parent != "" {
		s.byParent[parent] = append(s.byParent[parent], t.ID)
	}
	if key := t.Metadata.SubtaskKey; key != "" {
		s.bySubtaskKey[key] = t.ID
	}
	if sterlingKey != "" {
		s.bySterlingKey[sterlingKey] = t.ID
	}
	s.mu.Unlock()

	s.persistSnapshot(t)
	s.persistEvent("task_added", t.ID, t.Clone())

	s.emit(events.Event{Type: events.TypeTaskAdded, TaskID: t.ID, Data: map[string]any{
		"title":  t.Title,
		"type":   t.Type,
		"source": string(t.Source),
		"status": string(t.Status),
	}})
	if t.Priority >= highPriorityThreshold {
		s.emit(events.Event{Type: events.TypeHighPriorityAdded, TaskID: t.ID, Data: map[string]any{
			"priority": t.Priority,
		}})
	}
	if t.Status == StatusPendingPlanning {
		s.emit(events.Event{Type: events.TypeSolverUnavailable, TaskID: t.ID, Data: map[string]any{
			"reason": t.Metadata.BlockedReason,
		}})
	}

	s.lintGoalBindingDrift(t)

	return t.Clone(), nil
}

// enforceFinalizeInvariants asserts creation invariants, backfilling where
// the spec allows and failing in strict mode otherwise.
func (s *Store) enforceFinalizeInvariants(t *Task) error {
	if t.Metadata.Origin == nil {
		if s.strict {
			return fmt.Errorf("finalize %s: origin missing", t.ID)
		}
		s.logger.Error("finalize %s: origin missing, stamping unknown", t.ID)
		now := s.now()
		t.Metadata.Origin = &Origin{Kind: OriginUnknown, CreatedAt: now}
	}

	if t.Metadata.BlockedReason != "" && t.Metadata.BlockedAt == nil {
		if s.strict {
			return fmt.Errorf("finalize %s: blockedReason %q without blockedAt", t.ID, t.Metadata.BlockedReason)
		}
		s.logger.Warn("finalize %s: backfilling blockedAt for %q", t.ID, t.Metadata.BlockedReason)
		now := s.now()
		t.Metadata.BlockedAt = &now
	}

	if binding := t.Metadata.GoalBinding; binding != nil && binding.GoalKey == "" {
		// Empty goal keys are coerced to absent rather than stored.
		if s.strict {
			return fmt.Errorf("finalize %s: empty goalKey on binding", t.ID)
		}
		s.logger.Warn("finalize %s: coercing empty goalKey to absent", t.ID)
	}

	return nil
}

// lintGoalBindingDrift flags goal-sourced tasks that arrived without a goal
// binding, classifying why the resolver did not own the create.
func (s *Store) lintGoalBindingDrift(t *Task) {
	if t.Source != SourceGoal || t.Metadata.GoalBinding != nil {
		return
	}

	reason := "resolver_fallthrough"
	switch {
	case s.goalRouter == nil:
		reason = "goal_resolver_disabled"
	case !gatedGoalTypes[t.Type]:
		reason = "type_not_gated:" + t.Type
	}

	s.logger.Warn("goal binding drift on %s: %s", t.ID, reason)
	s.emit(events.Event{Type: events.TypeGoalBindingDrift, TaskID: t.ID, Data: map[string]any{
		"reason": reason,
	}})
}
