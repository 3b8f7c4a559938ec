package task

import (
	"fmt"
	"time"

	"steve/internal/events"
)

// UpdateTaskStatus transitions a task. For runtime-origin changes the
// goal-binding hooks run before persist: self-hold effects are applied to the
// in-memory task first, the status change is then persisted and broadcast,
// and only afterwards are the remaining cross-entity effects scheduled on the
// serial drain. Observers therefore never see a status without its matching
// hold state.
func (s *Store) UpdateTaskStatus(id string, status Status, opts StatusChangeOptions) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if opts.Origin == "" {
		opts.Origin = StatusOriginRuntime
	}

	// Hooks may scan the store, so they run before the write lock is taken.
	s.mu.RLock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("task not found: %s", id)
	}
	prev := t.Status
	view := t.Clone()
	s.mu.RUnlock()

	var effects []SyncEffect
	if opts.Origin == StatusOriginRuntime && s.hooks != nil && prev != status {
		effects = s.hooks.OnTaskStatusChanged(view, prev, status)
	}

	s.mu.Lock()
	t, ok = s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	prev = t.Status

	// Self-hold effects land before the persist of this same mutation.
	remaining := effects[:0]
	for _, effect := range effects {
		if effect.SelfHold(id) {
			s.applyHoldEffectLocked(t, effect)
		} else {
			remaining = append(remaining, effect)
		}
	}

	now := s.now()
	t.Status = status
	t.Metadata.UpdatedAt = now
	if status == StatusActive && t.Metadata.StartedAt == nil {
		t.Metadata.StartedAt = &now
	}
	if status.IsTerminal() && t.Metadata.CompletedAt == nil {
		t.Metadata.CompletedAt = &now
	}
	if opts.BlockedReason != "" {
		t.Metadata.BlockedReason = opts.BlockedReason
		t.Metadata.BlockedAt = &now
	}
	if opts.FailReason != "" {
		t.Metadata.FailReason = opts.FailReason
	}
	if opts.FailureCode != "" {
		t.Metadata.FailureCode = opts.FailureCode
	}
	snapshot := t.Clone()
	s.mu.Unlock()

	s.recordChange(statusChange{TaskID: id, From: prev, To: status, Origin: opts.Origin, At: now})
	s.persistSnapshot(snapshot)
	s.persistEvent("task_status_changed", id, map[string]any{
		"from": string(prev), "to": string(status), "origin": string(opts.Origin),
	})

	switch status {
	case StatusCompleted:
		s.emit(events.Event{Type: events.TypeTaskCompleted, TaskID: id})
	case StatusFailed:
		s.emit(events.Event{Type: events.TypeTaskFailed, TaskID: id, Data: map[string]any{
			"failReason":  snapshot.Metadata.FailReason,
			"failureCode": snapshot.Metadata.FailureCode,
		}})
	default:
		s.emit(events.Event{Type: events.TypeTaskUpdated, TaskID: id, Data: map[string]any{
			"status": string(status),
		}})
	}

	if status.IsTerminal() {
		s.tryUnblockParent(snapshot)
		s.releaseSterlingBinding(snapshot)
	}

	if len(remaining) > 0 && s.drain != nil {
		s.drain.Schedule(id, remaining)
	}
	return nil
}

// UpdateTaskProgress records progress. The only status transitions this path
// accepts are completed and failed; active is tolerated as a no-op
// passthrough, anything else must go through UpdateTaskStatus.
func (s *Store) UpdateTaskProgress(id string, progress float64, status *Status) error {
	if status != nil {
		switch *status {
		case StatusCompleted, StatusFailed:
			// handled below, after the progress write
		case StatusActive:
			status = nil
		default:
			return fmt.Errorf("progress update may not set status %q; use UpdateTaskStatus", *status)
		}
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	t.Progress = clamp01(progress)
	t.Metadata.UpdatedAt = s.now()
	view := t.Clone()
	s.mu.Unlock()

	var effects []SyncEffect
	if s.hooks != nil {
		effects = s.hooks.OnTaskProgressUpdated(view, view.Progress)
	}

	s.mu.Lock()
	t, ok = s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	remaining := effects[:0]
	for _, effect := range effects {
		if effect.SelfHold(id) {
			s.applyHoldEffectLocked(t, effect)
		} else {
			remaining = append(remaining, effect)
		}
	}
	snapshot := t.Clone()
	s.mu.Unlock()

	s.persistSnapshot(snapshot)
	s.emit(events.Event{Type: events.TypeTaskUpdated, TaskID: id, Data: map[string]any{
		"progress": snapshot.Progress,
	}})
	if len(remaining) > 0 && s.drain != nil {
		s.drain.Schedule(id, remaining)
	}

	if status != nil {
		return s.UpdateTaskStatus(id, *status, StatusChangeOptions{Origin: StatusOriginRuntime})
	}
	return nil
}

// UpdateTaskMetadata applies an open-map metadata patch. goalBinding and
// origin are controlled by dedicated APIs and are silently stripped.
func (s *Store) UpdateTaskMetadata(id string, patch map[string]any) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}

	now := s.now()
	for key, value := range patch {
		switch key {
		case "goalBinding", "origin":
			// Dedicated APIs own these.
		case "blockedReason":
			reason, _ := value.(string)
			if reason == "" {
				t.Metadata.BlockedReason = ""
				t.Metadata.BlockedAt = nil
			} else {
				t.Metadata.BlockedReason = reason
				t.Metadata.BlockedAt = &now
			}
		case "nextEligibleAt":
			switch v := value.(type) {
			case nil:
				t.Metadata.NextEligibleAt = nil
			case time.Time:
				at := v
				t.Metadata.NextEligibleAt = &at
			case string:
				if at, err := time.Parse(time.RFC3339, v); err == nil {
					t.Metadata.NextEligibleAt = &at
				}
			}
		case "failReason":
			t.Metadata.FailReason, _ = value.(string)
		case "failureCode":
			t.Metadata.FailureCode, _ = value.(string)
		case "tags":
			if tags, ok := value.([]string); ok {
				t.Metadata.Tags = tags
			}
		case "solver":
			if obj, ok := value.(map[string]any); ok {
				t.Metadata.Solver = mergeSolverMeta(t.Metadata.Solver, obj)
			}
		case "sterling":
			if obj, ok := value.(map[string]any); ok {
				t.Metadata.Sterling = obj
			}
		default:
			s.warnDroppedMetadataKey(key)
		}
	}
	t.Metadata.UpdatedAt = now
	snapshot := t.Clone()
	s.mu.Unlock()

	s.persistSnapshot(snapshot)
	return nil
}

// Mutate applies fn to the live task under the store lock, then persists and
// broadcasts the result. fn must not call back into the store.
func (s *Store) Mutate(id string, fn func(*Task)) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	fn(t)
	t.Metadata.UpdatedAt = s.now()
	snapshot := t.Clone()
	s.mu.Unlock()

	s.persistSnapshot(snapshot)
	return nil
}

// SetBlocked stamps a blocked reason (with blockedAt) on a task.
func (s *Store) SetBlocked(id, reason string) error {
	return s.Mutate(id, func(t *Task) {
		now := s.now()
		t.Metadata.BlockedReason = reason
		t.Metadata.BlockedAt = &now
	})
}

// ClearBlocked removes the blocked marker, retaining observation counters.
func (s *Store) ClearBlocked(id string) error {
	return s.Mutate(id, func(t *Task) {
		t.Metadata.BlockedReason = ""
		t.Metadata.BlockedAt = nil
	})
}

// SetGoalBinding installs or replaces a task's goal binding. Empty goal keys
// are coerced to absent.
func (s *Store) SetGoalBinding(id string, binding *GoalBinding) error {
	if binding != nil && binding.GoalKey == "" {
		binding = &GoalBinding{
			GoalID:     binding.GoalID,
			GoalType:   binding.GoalType,
			InstanceID: binding.InstanceID,
			Verifier:   binding.Verifier,
			Hold:       binding.Hold,
		}
	}
	return s.Mutate(id, func(t *Task) {
		t.Metadata.GoalBinding = binding
	})
}

// ApplyHold sets the protocol hold on a goal-bound task.
func (s *Store) ApplyHold(id string, hold *Hold) error {
	if hold == nil {
		return fmt.Errorf("nil hold for task %s", id)
	}
	err := s.Mutate(id, func(t *Task) {
		if t.Metadata.GoalBinding == nil {
			s.logger.Warn("hold on unbound task %s: creating task-scoped binding", id)
			t.Metadata.GoalBinding = &GoalBinding{GoalType: t.Type}
		}
		t.Metadata.GoalBinding.Hold = hold
	})
	if err == nil {
		s.emit(events.Event{Type: events.TypeTaskUpdated, TaskID: id, Data: map[string]any{
			"hold": string(hold.Reason),
		}})
	}
	return err
}

// ClearHold removes the protocol hold from a task.
func (s *Store) ClearHold(id string) error {
	return s.Mutate(id, func(t *Task) {
		if t.Metadata.GoalBinding != nil {
			t.Metadata.GoalBinding.Hold = nil
		}
	})
}

// applyHoldEffectLocked mutates hold state in-memory while the store lock is
// held (self-hold application path).
func (s *Store) applyHoldEffectLocked(t *Task, effect SyncEffect) {
	switch effect.Kind {
	case EffectApplyHold:
		if t.Metadata.GoalBinding == nil {
			t.Metadata.GoalBinding = &GoalBinding{GoalType: t.Type}
		}
		t.Metadata.GoalBinding.Hold = effect.Hold
	case EffectClearHold:
		if t.Metadata.GoalBinding != nil {
			t.Metadata.GoalBinding.Hold = nil
		}
	}
}

// tryUnblockParent clears a parent's waiting_on_prereq block once every
// sibling subtask has reached a terminal state.
func (s *Store) tryUnblockParent(child *Task) {
	parentID := child.Metadata.ParentTaskID
	if parentID == "" {
		return
	}

	s.mu.Lock()
	parent, ok := s.tasks[parentID]
	if !ok || parent.Metadata.BlockedReason != "waiting_on_prereq" {
		s.mu.Unlock()
		return
	}
	for _, siblingID := range s.byParent[parentID] {
		if sibling, ok := s.tasks[siblingID]; ok && sibling.NonTerminal() {
			s.mu.Unlock()
			return
		}
	}
	parent.Metadata.BlockedReason = ""
	parent.Metadata.BlockedAt = nil
	parent.Metadata.UpdatedAt = s.now()
	snapshot := parent.Clone()
	s.mu.Unlock()

	s.logger.Info("all prereq subtasks of %s terminal; unblocking", parentID)
	s.persistSnapshot(snapshot)
	s.emit(events.Event{Type: events.TypeTaskUpdated, TaskID: parentID, Data: map[string]any{
		"unblocked": true,
	}})
}

// releaseSterlingBinding frees the sterling dedupe key held by a task that
// just went terminal, so a later identical IR may create a fresh task.
func (s *Store) releaseSterlingBinding(t *Task) {
	sterling := t.Metadata.Sterling
	if sterling == nil {
		return
	}
	digest, _ := sterling["committedIrDigest"].(string)
	if digest == "" {
		return
	}
	namespace, _ := sterling["dedupeNamespace"].(string)
	if namespace == "" {
		namespace = "sterling"
	}
	key := namespace + ":" + digest

	s.mu.Lock()
	if id, ok := s.bySterlingKey[key]; ok && id == t.ID {
		delete(s.bySterlingKey, key)
	}
	s.mu.Unlock()
}
