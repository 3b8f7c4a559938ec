package goal

import (
	"fmt"
	"time"

	"steve/internal/logging"
	"steve/internal/task"
)

// Manager exposes the operator-facing management actions. Each translates to
// a task-scoped hold with reason manual_pause: the hold is preconditioned
// onto the task before the status handler persists, and rolled back to the
// prior snapshot when the transition is rejected.
type Manager struct {
	store  *task.Store
	logger logging.Logger
	now    func() time.Time
}

// NewManager creates a management action handler.
func NewManager(store *task.Store, logger logging.Logger) *Manager {
	return &Manager{store: store, logger: logging.OrNop(logger), now: time.Now}
}

// Pause holds and pauses a task.
func (m *Manager) Pause(id string) error {
	prior, err := m.holdSnapshot(id)
	if err != nil {
		return err
	}

	hold := &task.Hold{Reason: task.HoldManualPause, HeldAt: m.now()}
	if err := m.store.ApplyHold(id, hold); err != nil {
		return err
	}
	if err := m.store.UpdateTaskStatus(id, task.StatusPaused, task.StatusChangeOptions{
		Origin: task.StatusOriginManagement,
	}); err != nil {
		m.rollbackHold(id, prior)
		return fmt.Errorf("pause %s: %w", id, err)
	}
	return nil
}

// Resume clears a manual-pause hold and returns the task to pending.
func (m *Manager) Resume(id string) error {
	prior, err := m.holdSnapshot(id)
	if err != nil {
		return err
	}

	if err := m.store.ClearHold(id); err != nil {
		return err
	}
	if err := m.store.UpdateTaskStatus(id, task.StatusPending, task.StatusChangeOptions{
		Origin: task.StatusOriginManagement,
	}); err != nil {
		m.rollbackHold(id, prior)
		return fmt.Errorf("resume %s: %w", id, err)
	}
	return nil
}

// Cancel fails a task on operator request.
func (m *Manager) Cancel(id string) error {
	return m.store.UpdateTaskStatus(id, task.StatusFailed, task.StatusChangeOptions{
		Origin:     task.StatusOriginManagement,
		FailReason: "cancelled_by_operator",
	})
}

func (m *Manager) holdSnapshot(id string) (*task.Hold, error) {
	t, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if binding := t.GoalBinding(); binding != nil && binding.Hold != nil {
		hold := *binding.Hold
		return &hold, nil
	}
	return nil, nil
}

func (m *Manager) rollbackHold(id string, prior *task.Hold) {
	var err error
	if prior == nil {
		err = m.store.ClearHold(id)
	} else {
		err = m.store.ApplyHold(id, prior)
	}
	if err != nil {
		m.logger.Error("hold rollback for %s failed: %v", id, err)
	}
}
