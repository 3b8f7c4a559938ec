package executor

import (
	"context"
	"time"

	"steve/internal/events"
	"steve/internal/task"
)

// rigGReplanBackoffs are the delays before replan attempts 1..3. After the
// last attempt the task fails.
var rigGReplanBackoffs = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// passRigGGate runs the feasibility gate for tasks carrying rigG metadata.
// The gate is consulted once per plan; shadow mode evaluates the same advice
// but never records the check. Returns false when the task must not dispatch
// this cycle.
func (p *Planner) passRigGGate(ctx context.Context, t *task.Task) bool {
	solver := t.Metadata.Solver
	if p.solver == nil || solver == nil || len(solver.RigG) == 0 || solver.RigGChecked {
		return true
	}

	if replan := solver.RigGReplan; replan != nil {
		if replan.NextAt != nil && p.now().Before(*replan.NextAt) {
			return false
		}
		p.performRigGReplan(ctx, t)
		return false
	}

	advice := p.solver.AdviseExecution(ctx, solver.RigG)
	if advice.ShouldProceed {
		if p.Live() {
			if err := p.store.Mutate(t.ID, func(live *task.Task) {
				live.Metadata.EnsureSolver().RigGChecked = true
			}); err != nil {
				p.logger.Warn("record rig G check %s: %v", t.ID, err)
			}
		}
		return true
	}

	p.logger.Warn("rig G rejected %s: %s", t.ID, advice.Reason)
	p.scheduleRigGReplan(t, solver, advice.Reason)
	return false
}

// scheduleRigGReplan books the next replan attempt, or fails the task once
// the attempts are spent.
func (p *Planner) scheduleRigGReplan(t *task.Task, solver *task.SolverMeta, reason string) {
	attempt := 1
	if solver.RigGReplan != nil {
		attempt = solver.RigGReplan.Attempt + 1
	}
	if attempt > len(rigGReplanBackoffs) {
		p.failRigGExhausted(t.ID, reason)
		return
	}

	next := p.now().Add(rigGReplanBackoffs[attempt-1])
	digest := solver.StepsDigest
	if err := p.store.Mutate(t.ID, func(live *task.Task) {
		s := live.Metadata.EnsureSolver()
		s.RigGReplan = &task.RigGReplan{Attempt: attempt, NextAt: &next, LastDigest: digest}
		live.Metadata.NextEligibleAt = &next
	}); err != nil {
		p.logger.Warn("schedule rig G replan %s: %v", t.ID, err)
		return
	}
	// A rejected plan parks the task as unplannable until a replan installs a
	// new digest. Repeat attempts leave the status untouched.
	if latest, err := p.store.Get(t.ID); err == nil && latest.Status != task.StatusUnplannable {
		if err := p.store.UpdateTaskStatus(t.ID, task.StatusUnplannable, task.StatusChangeOptions{
			Origin: task.StatusOriginRuntime,
		}); err != nil {
			p.logger.Warn("park unplannable %s: %v", t.ID, err)
		}
	}
	p.logger.Info("rig G replan %d/%d for %s at %s", attempt, len(rigGReplanBackoffs), t.ID, next.Format(time.RFC3339))
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.TypeRigGReplanScheduled, TaskID: t.ID, Data: map[string]any{
			"attempt": attempt,
			"reason":  reason,
		}})
	}
}

// performRigGReplan asks the solver for a fresh plan after a gate rejection.
// A digest-identical plan counts as a failed attempt.
func (p *Planner) performRigGReplan(ctx context.Context, t *task.Task) {
	solver := t.Metadata.Solver
	replan := solver.RigGReplan

	result, err := p.solver.GeneratePlan(ctx, t)
	if err != nil || result == nil || result.Blocked() || len(result.Steps) == 0 {
		p.logger.Warn("rig G replan for %s yielded no plan", t.ID)
		p.scheduleRigGReplan(t, solver, "replan_unavailable")
		return
	}

	newDigest := task.StepsDigest(result.Steps)
	if newDigest == replan.LastDigest {
		p.logger.Info("rig G replan for %s unchanged (digest %s)", t.ID, newDigest)
		p.scheduleRigGReplan(t, solver, "plan_unchanged")
		return
	}

	if err := p.store.Mutate(t.ID, func(live *task.Task) {
		live.Steps = result.Steps
		live.Progress = 0
		live.Metadata.NextEligibleAt = nil
		s := live.Metadata.EnsureSolver()
		s.StepsDigest = newDigest
		s.RigGReplan = nil
		s.RigGChecked = false
		if result.Route != "" {
			s.Route = result.Route
		}
	}); err != nil {
		p.logger.Warn("install rig G replan %s: %v", t.ID, err)
		return
	}
	if latest, err := p.store.Get(t.ID); err == nil && latest.Status == task.StatusUnplannable {
		if err := p.store.UpdateTaskStatus(t.ID, task.StatusPending, task.StatusChangeOptions{
			Origin: task.StatusOriginRuntime,
		}); err != nil {
			p.logger.Warn("unpark %s: %v", t.ID, err)
		}
	}
	p.logger.Info("rig G replan installed for %s (digest %s)", t.ID, newDigest)
}

// runDueRigGReplans drives replans for tasks parked as unplannable. They are
// excluded from the normal pick path, so the maintenance pass is the only way
// a due replan gets retried.
func (p *Planner) runDueRigGReplans(ctx context.Context, snapshot []*task.Task) {
	if p.solver == nil {
		return
	}
	now := p.now()
	for _, t := range snapshot {
		if t.Status != task.StatusUnplannable {
			continue
		}
		solver := t.Metadata.Solver
		if solver == nil || solver.RigGReplan == nil {
			continue
		}
		if at := solver.RigGReplan.NextAt; at != nil && at.After(now) {
			continue
		}
		p.performRigGReplan(ctx, t)
	}
}

func (p *Planner) failRigGExhausted(taskID, reason string) {
	p.logger.Warn("rig G replans exhausted for %s: %s", taskID, reason)
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.TypeRigGReplanExhausted, TaskID: taskID, Data: map[string]any{
			"reason": reason,
		}})
	}
	if err := p.store.UpdateTaskStatus(taskID, task.StatusFailed, task.StatusChangeOptions{
		Origin:        task.StatusOriginRuntime,
		FailReason:    "rig_g_replan_exhausted: " + reason,
		BlockedReason: "rig_g_replan_exhausted: " + reason,
	}); err != nil {
		p.logger.Warn("fail %s: %v", taskID, err)
	}
}
