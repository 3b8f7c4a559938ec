package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"steve/internal/bot"
	"steve/internal/events"
	"steve/internal/task"
)

const (
	retryBaseBackoff = time.Second
	maxRepairRounds  = 2

	verifyFailBackoffUnit = 5 * time.Second
	verifyFailBackoffCap  = 30 * time.Second

	tableScanRadius = 20

	budgetWarnInterval = 30 * time.Second

	// reflectionRetryInterval spaces out re-evaluation of reflections the
	// macro planner could not convert yet.
	reflectionRetryInterval = time.Minute
)

// deterministicFailureCodes never improve with retries: the same dispatch
// will fail the same way, so the task fails immediately without burning its
// retry budget. Covers mapping and contract failures from the bot interface
// in both its legacy lowercase and current uppercase spellings.
var deterministicFailureCodes = map[string]bool{
	"invalid_recipe":      true,
	"unknown_item":        true,
	"unsupported_action":  true,
	"invalid_args":        true,
	"target_out_of_world": true,
	"contract_violation":  true,
	"mapping_failure":     true,
	"unknown_leaf":        true,
}

func isDeterministicFailure(code string) bool {
	return deterministicFailureCodes[strings.ToLower(code)]
}

// executeTask advances one task by at most one step.
func (p *Planner) executeTask(ctx context.Context, t *task.Task) {
	if t.Type == "cognitive_reflection" {
		p.handleReflection(ctx, t)
		return
	}

	if t.Status == task.StatusPending {
		if err := p.store.UpdateTaskStatus(t.ID, task.StatusActive, task.StatusChangeOptions{
			Origin: task.StatusOriginRuntime,
		}); err != nil {
			p.logger.Warn("activate %s: %v", t.ID, err)
			return
		}
	}

	// Requirement-based progress may complete the task without dispatching.
	if done, err := p.updateRequirementProgress(ctx, t); err != nil {
		p.logger.Warn("progress check %s: %v", t.ID, err)
	} else if done {
		return
	}

	// MCP-only deployments dispatch exclusively through the task-type
	// fallback table, ignoring solver step contracts.
	var step *task.Step
	if !p.mcpOnly {
		step = t.NextExecutableStep()
	}
	var exec *leafExecution
	var err error
	switch {
	case step != nil:
		exec, err = stepToLeafExecution(t, step)
	case p.mcpOnly || !t.HasExecutablePlan():
		exec, err = fallbackExecution(t)
	default:
		// Every contract step is done but the requirement gate above did not
		// fire; the remaining steps are advisory. Close the task out.
		p.completeTask(t.ID)
		return
	}
	if err != nil {
		p.rejectStep(t, step, err)
		return
	}

	if exec.Leaf == "craft_recipe" {
		if !p.ensureCraftPrereqs(ctx, t, step, exec) {
			return
		}
	}

	if !p.passRigGGate(ctx, t) {
		return
	}

	if exec.Leaf == "building_step" && !p.budget.Disabled {
		if !p.consumeBuildBudget(t, step) {
			return
		}
	}

	if p.Live() && !p.limiter.CanTake() {
		p.emitIdle("all_in_backoff")
		return
	}

	p.dispatchStep(ctx, t, step, exec)
}

// handleReflection processes a cognitive_reflection task. With Rig E enabled
// an actionable reflection is expanded into a structured follow-up subtask;
// a reflection the planner cannot expand yet stays active and is revisited.
// Without Rig E there is no conversion path and the reflection completes on
// selection.
func (p *Planner) handleReflection(ctx context.Context, t *task.Task) {
	if !p.rigE || p.solver == nil {
		p.completeTask(t.ID)
		return
	}

	goal := t.Title
	if v, ok := t.Parameters["goal"].(string); ok && v != "" {
		goal = v
	}
	steps, err := p.solver.GenerateDynamicSteps(ctx, goal, t.Parameters)
	if err != nil || len(steps) == 0 {
		if err != nil {
			p.logger.Debug("reflection %s not expandable: %v", t.ID, err)
		}
		if t.Status == task.StatusPending {
			if err := p.store.UpdateTaskStatus(t.ID, task.StatusActive, task.StatusChangeOptions{
				Origin: task.StatusOriginRuntime,
			}); err != nil {
				p.logger.Warn("activate reflection %s: %v", t.ID, err)
				return
			}
		}
		next := p.now().Add(reflectionRetryInterval)
		if err := p.store.Mutate(t.ID, func(live *task.Task) {
			live.Metadata.NextEligibleAt = &next
		}); err != nil {
			p.logger.Warn("defer reflection %s: %v", t.ID, err)
		}
		return
	}

	followupType, _ := t.Parameters["taskType"].(string)
	if followupType == "" {
		followupType = "reflection_followup"
	}
	sub, err := p.store.AddTask(ctx, &task.AddRequest{
		Title:        goal,
		Type:         followupType,
		Source:       task.SourceCognition,
		Priority:     t.Priority,
		Urgency:      t.Urgency,
		Parameters:   t.Parameters,
		ParentTaskID: t.ID,
		Steps:        steps,
	})
	if err != nil {
		p.logger.Warn("reflection follow-up for %s: %v", t.ID, err)
		return
	}
	p.logger.Info("reflection %s expanded into %s (%d steps)", t.ID, sub.ID, len(steps))
	p.completeTask(t.ID)
}

// rejectStep fails a task whose step contract is invalid or unknown.
func (p *Planner) rejectStep(t *task.Task, step *task.Step, cause error) {
	var unknown *unknownLeafError
	if errors.As(cause, &unknown) {
		p.logger.Warn("task %s: %v", t.ID, cause)
		if step != nil {
			_ = p.store.Mutate(t.ID, func(live *task.Task) {
				for _, s := range live.Steps {
					if s.ID == step.ID && s.Meta != nil {
						s.Meta.Executable = false
					}
				}
			})
		}
		if p.emitter != nil {
			p.emitter.Emit(events.Event{Type: events.TypeUnknownLeafRejected, TaskID: t.ID, Data: map[string]any{
				"leaf": unknown.leaf,
			}})
		}
	}
	if err := p.store.UpdateTaskStatus(t.ID, task.StatusFailed, task.StatusChangeOptions{
		Origin:        task.StatusOriginRuntime,
		FailReason:    cause.Error(),
		BlockedReason: cause.Error(),
	}); err != nil {
		p.logger.Warn("fail %s: %v", t.ID, err)
	}
}

// dispatchStep runs one leaf against the bot interface and handles the
// result: shadow observation, verification, retry policy.
func (p *Planner) dispatchStep(ctx context.Context, t *task.Task, step *task.Step, exec *leafExecution) {
	stepID := ""
	if step != nil {
		stepID = step.ID
	}

	if err := p.breaker.Execute(func() error {
		return p.captureBaseline(ctx, t.ID, stepID)
	}); err != nil {
		p.logger.Warn("baseline for %s: %v", t.ID, err)
		p.applyRetryPolicy(ctx, t, "baseline-unavailable: "+err.Error(), "")
		return
	}

	if step != nil {
		started := p.now()
		if err := p.store.Mutate(t.ID, func(live *task.Task) {
			for _, s := range live.Steps {
				if s.ID == step.ID && s.StartedAt == nil {
					s.StartedAt = &started
				}
			}
		}); err != nil {
			p.logger.Warn("mark step start %s: %v", t.ID, err)
		}
	}

	params := make(map[string]any, len(exec.Args)+1)
	for k, v := range exec.Args {
		params[k] = v
	}
	// Navigation sub-actions spawned by this dispatch stay scoped to the task
	// so an abort cancels them together.
	params["__nav"] = map[string]any{"scope": t.ID}
	if !p.Live() {
		params["dryRun"] = true
	}

	var result *bot.ActionResult
	err := p.breaker.Execute(func() error {
		var callErr error
		result, callErr = p.bot.ExecuteAction(ctx, bot.ActionRequest{
			Type:       exec.Leaf,
			Parameters: params,
			Timeout:    exec.Timeout,
		})
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Warn("dispatch %s aborted: %v", t.ID, ctx.Err())
			return
		}
		p.logger.Warn("dispatch %s (%s): %v", t.ID, exec.Leaf, err)
		p.applyRetryPolicy(ctx, t, "bot-unavailable: "+err.Error(), "")
		return
	}

	p.inventory.Invalidate()

	if !p.Live() {
		p.recordShadowObservation(t, exec, result)
		return
	}
	p.limiter.Take()

	if p.metrics != nil {
		p.metrics.StepDispatches.WithLabelValues(string(result.Outcome)).Inc()
	}

	if !result.OK {
		if isDeterministicFailure(result.FailureCode) {
			p.logger.Warn("deterministic failure on %s: %s", t.ID, result.FailureCode)
			if err := p.store.UpdateTaskStatus(t.ID, task.StatusFailed, task.StatusChangeOptions{
				Origin:        task.StatusOriginRuntime,
				FailReason:    "deterministic-failure:" + result.FailureCode,
				BlockedReason: "deterministic-failure:" + result.FailureCode,
				FailureCode:   result.FailureCode,
			}); err != nil {
				p.logger.Warn("fail %s: %v", t.ID, err)
			}
			return
		}
		reason := result.Error
		if reason == "" {
			reason = "action failed"
		}
		p.applyRetryPolicy(ctx, t, reason, result.FailureCode)
		return
	}

	p.verifyAndAdvance(ctx, t, step, exec)
}

// recordShadowObservation books a would-have-dispatched observation and parks
// the task so shadow mode does not spin on the same step.
func (p *Planner) recordShadowObservation(t *task.Task, exec *leafExecution, result *bot.ActionResult) {
	if err := p.store.Mutate(t.ID, func(live *task.Task) {
		live.Metadata.ShadowObservationCount++
	}); err != nil {
		p.logger.Warn("shadow observation %s: %v", t.ID, err)
	}
	if err := p.store.SetBlocked(t.ID, "shadow_mode"); err != nil {
		p.logger.Warn("shadow block %s: %v", t.ID, err)
	}
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.TypeShadowMode, TaskID: t.ID, Data: map[string]any{
			"leaf":          exec.Leaf,
			"shadowBlocked": result != nil && result.ShadowBlocked,
		}})
	}
	if p.metrics != nil {
		p.metrics.StepDispatches.WithLabelValues("shadow").Inc()
	}
}

// verifyAndAdvance verifies the dispatched step's world effect, then either
// marks it done or books a verification failure.
func (p *Planner) verifyAndAdvance(ctx context.Context, t *task.Task, step *task.Step, exec *leafExecution) {
	status := task.VerificationSkipped
	if step != nil {
		if t.Metadata.VerifyFailCount >= verifyFailSkipThreshold {
			p.logger.Warn("task %s: %d verification failures, force-completing step %s",
				t.ID, t.Metadata.VerifyFailCount, step.ID)
		} else {
			status = p.verifyStep(ctx, t, step, exec)
		}
	}
	if p.metrics != nil {
		p.metrics.Verifications.WithLabelValues(string(status)).Inc()
	}

	if status == task.VerificationFailed {
		failCount := t.Metadata.VerifyFailCount + 1
		backoff := time.Duration(failCount) * verifyFailBackoffUnit
		if backoff > verifyFailBackoffCap {
			backoff = verifyFailBackoffCap
		}
		next := p.now().Add(backoff)
		p.logger.Warn("verification failed for %s step %s (count %d)", t.ID, step.ID, failCount)
		if err := p.store.Mutate(t.ID, func(live *task.Task) {
			live.Metadata.VerifyFailCount = failCount
			live.Metadata.NextEligibleAt = &next
		}); err != nil {
			p.logger.Warn("book verify failure %s: %v", t.ID, err)
		}
		return
	}

	p.completeStep(ctx, t, step)
}

// completeStep marks the step done and completes the task when nothing
// executable remains and the requirement gate passes.
func (p *Planner) completeStep(ctx context.Context, t *task.Task, step *task.Step) {
	now := p.now()
	var allDone bool
	err := p.store.Mutate(t.ID, func(live *task.Task) {
		live.Metadata.VerifyFailCount = 0
		live.Metadata.NextEligibleAt = nil
		done := 0
		for _, s := range live.Steps {
			if step != nil && s.ID == step.ID {
				s.Done = true
				s.CompletedAt = &now
				if s.StartedAt != nil {
					s.ActualDuration = now.Sub(*s.StartedAt)
				}
			}
			if s.Done {
				done++
			}
		}
		if len(live.Steps) > 0 {
			live.Progress = float64(done) / float64(len(live.Steps))
		}
		allDone = live.NextExecutableStep() == nil
	})
	if err != nil {
		p.logger.Warn("complete step on %s: %v", t.ID, err)
		return
	}
	if step == nil {
		// Fallback dispatch: completion is decided by the requirement gate on
		// a later cycle, or immediately when it already holds.
		if done, err := p.refetchAndCheckRequirement(ctx, t.ID); err == nil && done {
			return
		}
		return
	}
	if allDone {
		if satisfied, err := p.requirementSatisfied(ctx, t.ID); err != nil {
			p.logger.Warn("requirement gate %s: %v", t.ID, err)
		} else if satisfied {
			p.completeTask(t.ID)
		}
		// Unsatisfied requirement with a finished plan resolves on a later
		// cycle via the retry or prereq path.
	}
}

func (p *Planner) completeTask(id string) {
	if err := p.store.UpdateTaskProgress(id, 1.0, statusPtr(task.StatusCompleted)); err != nil {
		p.logger.Warn("complete %s: %v", id, err)
	}
}

func statusPtr(s task.Status) *task.Status { return &s }

// applyRetryPolicy books a retryable failure: prerequisite injection for
// craft failures, exponential backoff, then the solver repair gate, then
// terminal failure.
func (p *Planner) applyRetryPolicy(ctx context.Context, t *task.Task, reason, failureCode string) {
	latest, err := p.store.Get(t.ID)
	if err != nil {
		return
	}

	// A craft that failed for missing ingredients parks behind injected
	// prerequisites instead of burning a retry.
	if p.injectOnCraftFailure(ctx, latest) {
		return
	}

	retries := latest.Metadata.RetryCount + 1

	if retries >= latest.Metadata.MaxRetries {
		if p.attemptRepair(ctx, latest) {
			return
		}
		p.logger.Warn("task %s exhausted retries: %s", t.ID, reason)
		if err := p.store.UpdateTaskStatus(t.ID, task.StatusFailed, task.StatusChangeOptions{
			Origin:        task.StatusOriginRuntime,
			FailReason:    "max-retries-exceeded",
			BlockedReason: "max-retries-exceeded",
			FailureCode:   failureCode,
		}); err != nil {
			p.logger.Warn("fail %s: %v", t.ID, err)
		}
		return
	}

	backoff := retryBaseBackoff
	for i := 0; i < retries && backoff < p.backoff; i++ {
		backoff *= 2
	}
	if backoff > p.backoff {
		backoff = p.backoff
	}
	next := p.now().Add(backoff)
	p.logger.Info("task %s retry %d/%d in %s: %s", t.ID, retries, latest.Metadata.MaxRetries, backoff, reason)
	if err := p.store.Mutate(t.ID, func(live *task.Task) {
		live.Metadata.RetryCount = retries
		live.Metadata.NextEligibleAt = &next
		live.Metadata.FailReason = reason
		if failureCode != "" {
			live.Metadata.FailureCode = failureCode
		}
	}); err != nil {
		p.logger.Warn("book retry %s: %v", t.ID, err)
	}
}

// attemptRepair asks the solver for a fresh plan before declaring terminal
// failure. A plan with an identical digest is not a repair.
func (p *Planner) attemptRepair(ctx context.Context, t *task.Task) bool {
	solver := t.Metadata.Solver
	if p.solver == nil || solver == nil || solver.ReplanAttempts >= maxRepairRounds {
		return false
	}

	result, err := p.solver.GeneratePlan(ctx, t)
	if err != nil || result == nil || result.Blocked() || len(result.Steps) == 0 {
		return false
	}
	newDigest := task.StepsDigest(result.Steps)
	if newDigest == solver.StepsDigest {
		p.logger.Info("repair for %s produced an identical plan; not retrying", t.ID)
		return false
	}

	p.logger.Info("repaired plan for %s (digest %s -> %s)", t.ID, solver.StepsDigest, newDigest)
	if err := p.store.Mutate(t.ID, func(live *task.Task) {
		live.Steps = result.Steps
		live.Progress = 0
		live.Metadata.RetryCount = 0
		live.Metadata.VerifyFailCount = 0
		live.Metadata.NextEligibleAt = nil
		s := live.Metadata.EnsureSolver()
		s.StepsDigest = newDigest
		s.ReplanAttempts++
		if result.Route != "" {
			s.Route = result.Route
		}
	}); err != nil {
		p.logger.Warn("install repaired plan %s: %v", t.ID, err)
		return false
	}
	return true
}

// updateRequirementProgress computes inventory-based progress for tasks with
// a tracked requirement. Returns true when the task completed.
func (p *Planner) updateRequirementProgress(ctx context.Context, t *task.Task) (bool, error) {
	req := t.Metadata.Requirement
	if req == nil || req.Quantity <= 0 {
		return false, nil
	}
	have, err := p.requirementCount(ctx, req)
	if err != nil {
		return false, err
	}
	progress := float64(have) / float64(req.Quantity)
	if progress >= 1 {
		p.completeTask(t.ID)
		return true, nil
	}
	if progress > t.Progress {
		if err := p.store.UpdateTaskProgress(t.ID, progress, nil); err != nil {
			return false, err
		}
	}
	return false, nil
}

// requirementCount counts inventory toward a requirement. Craft requirements
// demand the output item itself; gather and mine requirements accept world
// drop equivalences.
func (p *Planner) requirementCount(ctx context.Context, req *task.Requirement) (int, error) {
	items, err := p.inventory.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	counts := bot.CountByName(items)
	if req.Kind == task.RequireCraft {
		return counts[req.OutputPattern], nil
	}
	mine := req.Kind == task.RequireMine
	total := 0
	for name, count := range counts {
		if materialMatches(req.OutputPattern, name, mine) {
			total += count
		}
	}
	return total, nil
}

func (p *Planner) requirementSatisfied(ctx context.Context, taskID string) (bool, error) {
	latest, err := p.store.Get(taskID)
	if err != nil {
		return false, err
	}
	req := latest.Metadata.Requirement
	if req == nil || req.Quantity <= 0 {
		return true, nil
	}
	have, err := p.requirementCount(ctx, req)
	if err != nil {
		return false, err
	}
	return have >= req.Quantity, nil
}

func (p *Planner) refetchAndCheckRequirement(ctx context.Context, taskID string) (bool, error) {
	satisfied, err := p.requirementSatisfied(ctx, taskID)
	if err != nil || !satisfied {
		return false, err
	}
	p.completeTask(taskID)
	return true, nil
}

func needsCraftingTable(step *task.Step) bool {
	return step != nil && step.Meta != nil && step.Meta.Workstation == "crafting_table"
}

type tableState int

const (
	tableReady tableState = iota
	tableMissing
	tableFailed
)

// ensureCraftPrereqs resolves what a craft dispatch needs up front: the
// workstation when the step demands one, and the recipe inputs always.
// Returns false when the task must not dispatch this cycle.
func (p *Planner) ensureCraftPrereqs(ctx context.Context, t *task.Task, step *task.Step, exec *leafExecution) bool {
	tableAvailable := true
	if needsCraftingTable(step) {
		switch p.resolveCraftingTable(ctx, t) {
		case tableFailed:
			return false
		case tableMissing:
			tableAvailable = false
		}
	}

	if p.injector == nil {
		return true
	}
	have := map[string]int{}
	if items, err := p.inventory.Snapshot(ctx); err == nil {
		have = bot.CountByName(items)
	}
	created, err := p.injector.InjectForCraft(ctx, t, stringArg(exec.Args, "recipe"), have, tableAvailable)
	if err != nil {
		p.logger.Warn("prereq injection for %s: %v", t.ID, err)
		return false
	}
	if len(created) > 0 {
		if p.metrics != nil {
			p.metrics.PrereqInjected.Add(float64(len(created)))
		}
		return false
	}
	return true
}

// resolveCraftingTable locates a usable crafting table: a nearby one is used
// as-is, one in the inventory is placed.
func (p *Planner) resolveCraftingTable(ctx context.Context, t *task.Task) tableState {
	blocks, err := p.bot.NearbyBlocks(ctx)
	if err == nil {
		state, stateErr := p.bot.State(ctx)
		for _, block := range blocks {
			if block.Name != "crafting_table" {
				continue
			}
			if stateErr == nil && state.Position.DistanceTo(block.Position) > tableScanRadius {
				continue
			}
			return tableReady
		}
	}

	items, err := p.inventory.Snapshot(ctx)
	if err == nil && bot.CountByName(items)["crafting_table"] > 0 {
		p.logger.Info("placing crafting table from inventory for %s", t.ID)
		if !p.Live() {
			return tableReady
		}
		result, err := p.bot.ExecuteAction(ctx, bot.ActionRequest{
			Type:       "place_workstation",
			Parameters: map[string]any{"workstation": "crafting_table", "__nav": map[string]any{"scope": t.ID}},
		})
		p.inventory.Invalidate()
		if err != nil || !result.OK {
			p.logger.Warn("place crafting table for %s failed", t.ID)
			return tableFailed
		}
		return tableReady
	}
	return tableMissing
}

// injectOnCraftFailure asks the injector for prerequisites after a failed
// craft dispatch. Returns true when subtasks were created and the parent is
// parked on waiting_on_prereq.
func (p *Planner) injectOnCraftFailure(ctx context.Context, t *task.Task) bool {
	if p.injector == nil {
		return false
	}
	output := craftOutput(t)
	if output == "" {
		return false
	}
	items, err := p.inventory.Snapshot(ctx)
	if err != nil {
		return false
	}
	created, err := p.injector.InjectForCraft(ctx, t, output, bot.CountByName(items), true)
	if err != nil || len(created) == 0 {
		return false
	}
	if p.metrics != nil {
		p.metrics.PrereqInjected.Add(float64(len(created)))
	}
	return true
}

// craftOutput resolves the item a task is currently trying to craft, or ""
// when the task is not on a craft.
func craftOutput(t *task.Task) string {
	if step := t.NextExecutableStep(); step != nil {
		if step.Meta.Leaf != "craft_recipe" {
			return ""
		}
		if v, ok := step.Meta.Args["recipe"].(string); ok && v != "" {
			return v
		}
		if len(step.Meta.Produces) > 0 {
			return step.Meta.Produces[0]
		}
		return ""
	}
	if t.Type != "crafting" {
		return ""
	}
	if req := t.Metadata.Requirement; req != nil && req.Kind == task.RequireCraft && req.OutputPattern != "" {
		return req.OutputPattern
	}
	if v, ok := t.Parameters["item"].(string); ok {
		return v
	}
	return ""
}

// consumeBuildBudget books one building-step attempt against the per-step
// budget. Returns false when the step must not dispatch this cycle.
func (p *Planner) consumeBuildBudget(t *task.Task, step *task.Step) bool {
	if step == nil {
		return true
	}
	now := p.now()
	solver := t.Metadata.Solver
	var entry *task.StepBudget
	if solver != nil && solver.ExecutionBudget != nil {
		entry = solver.ExecutionBudget[step.ID]
	}

	if entry != nil {
		if entry.LastAttempt != nil && now.Sub(*entry.LastAttempt) < p.budget.MinInterval {
			return false
		}
		exhaustedReason := ""
		if entry.Attempts >= p.budget.MaxAttempts {
			exhaustedReason = "budget-exhausted:max-attempts"
		} else if entry.FirstAttempt != nil && now.Sub(*entry.FirstAttempt) > p.budget.MaxElapsed {
			exhaustedReason = "budget-exhausted:max-elapsed"
		}
		if exhaustedReason != "" {
			p.warnBudget(t.ID, step.ID, exhaustedReason)
			if err := p.store.UpdateTaskStatus(t.ID, task.StatusFailed, task.StatusChangeOptions{
				Origin:     task.StatusOriginRuntime,
				FailReason: exhaustedReason,
			}); err != nil {
				p.logger.Warn("fail %s: %v", t.ID, err)
			}
			return false
		}
	}

	if err := p.store.Mutate(t.ID, func(live *task.Task) {
		s := live.Metadata.EnsureSolver()
		if s.ExecutionBudget == nil {
			s.ExecutionBudget = make(map[string]*task.StepBudget)
		}
		b := s.ExecutionBudget[step.ID]
		if b == nil {
			b = &task.StepBudget{}
			s.ExecutionBudget[step.ID] = b
		}
		b.Attempts++
		if b.FirstAttempt == nil {
			b.FirstAttempt = &now
		}
		b.LastAttempt = &now
	}); err != nil {
		p.logger.Warn("book build budget %s: %v", t.ID, err)
	}
	return true
}

// warnBudget emits a throttled executor_budget event.
func (p *Planner) warnBudget(taskID, stepID, reason string) {
	key := taskID + "|" + stepID
	p.budgetMu.Lock()
	last, seen := p.lastBudgetWarn[key]
	now := p.now()
	if seen && now.Sub(last) < budgetWarnInterval {
		p.budgetMu.Unlock()
		return
	}
	p.lastBudgetWarn[key] = now
	p.budgetMu.Unlock()

	p.logger.Warn("build budget exhausted on %s step %s: %s", taskID, stepID, reason)
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.TypeExecutorBudget, TaskID: taskID, Data: map[string]any{
			"stepId": stepID,
			"reason": strings.TrimPrefix(reason, "budget-exhausted:"),
		}})
	}
}
