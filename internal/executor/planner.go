// Package executor is the autonomous execution loop: it selects eligible
// tasks, dispatches their executable steps against the bot interface, and
// verifies world effects. Shadow mode runs the same decision path without
// mutating the world.
package executor

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"steve/internal/async"
	"steve/internal/bot"
	"steve/internal/config"
	"steve/internal/events"
	"steve/internal/guard"
	"steve/internal/logging"
	"steve/internal/observability"
	"steve/internal/prereq"
	"steve/internal/sterling"
	"steve/internal/task"
)

const (
	// blockedTTL auto-fails tasks stuck behind a blocked reason for too long.
	blockedTTL = 2 * time.Minute

	// idleEmitInterval throttles repeated idle_period events per reason.
	idleEmitInterval = 5 * time.Minute

	tickJitterFraction = 0.2
)

// blockedTTLExempt lists blocked reasons that may outlive the TTL: prereq
// waits resolve through subtask completion and advisory actions never run.
var blockedTTLExempt = map[string]bool{
	"waiting_on_prereq": true,
	"advisory_action":   true,
}

// Planner runs the executor loop. All collaborators are injected; nothing in
// this package touches globals.
type Planner struct {
	store     *task.Store
	bot       *bot.Client
	inventory *bot.InventoryProvider
	solver    *sterling.Adapter
	injector  *prereq.Injector
	breaker   *guard.Breaker
	limiter   *guard.StepLimiter
	emitter   task.Emitter
	metrics   *observability.Metrics
	threats   ThreatSource
	stopCtl   *StopController
	logger    logging.Logger

	mode    config.ExecutorMode
	poll    time.Duration
	backoff time.Duration
	mcpOnly bool
	rigE    bool
	budget  config.BuildBudget

	running atomic.Bool
	inCycle atomic.Bool
	quit    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time

	idleMu   sync.Mutex
	lastIdle map[string]time.Time

	budgetMu       sync.Mutex
	lastBudgetWarn map[string]time.Time

	baselines *baselineStore
}

// Deps carries the planner's collaborators.
type Deps struct {
	Store     *task.Store
	Bot       *bot.Client
	Inventory *bot.InventoryProvider
	Solver    *sterling.Adapter
	Injector  *prereq.Injector
	Breaker   *guard.Breaker
	Limiter   *guard.StepLimiter
	Emitter   task.Emitter
	Metrics   *observability.Metrics
	Threats   ThreatSource
	Stop      *StopController
	Logger    logging.Logger
}

// NewPlanner builds an executor from config and collaborators.
func NewPlanner(cfg config.Config, deps Deps) *Planner {
	stopCtl := deps.Stop
	if stopCtl == nil {
		stopCtl = NewStopController()
	}
	return &Planner{
		store:          deps.Store,
		bot:            deps.Bot,
		inventory:      deps.Inventory,
		solver:         deps.Solver,
		injector:       deps.Injector,
		breaker:        deps.Breaker,
		limiter:        deps.Limiter,
		emitter:        deps.Emitter,
		metrics:        deps.Metrics,
		threats:        deps.Threats,
		stopCtl:        stopCtl,
		logger:         logging.OrNop(deps.Logger),
		mode:           cfg.ExecutorMode,
		poll:           cfg.PollInterval,
		backoff:        cfg.MaxBackoff,
		mcpOnly:        cfg.MCPOnly,
		rigE:           cfg.RigEEnabled,
		budget:         cfg.BuildBudget,
		quit:           make(chan struct{}),
		now:            time.Now,
		lastIdle:       make(map[string]time.Time),
		lastBudgetWarn: make(map[string]time.Time),
		baselines:      newBaselineStore(),
	}
}

// Stop exposes the emergency stop controller.
func (p *Planner) Stop() *StopController { return p.stopCtl }

// Live reports whether the executor dispatches real actions.
func (p *Planner) Live() bool { return p.mode == config.ModeLive }

// Start launches the tick loop. Safe to call once.
func (p *Planner) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("executor starting (mode=%s, poll=%s)", p.mode, p.poll)
	p.wg.Add(1)
	async.Go(p.logger, "executor-loop", func() {
		defer p.wg.Done()
		p.loop()
	})
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (p *Planner) Shutdown() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.quit)
	p.wg.Wait()
	p.logger.Info("executor stopped")
}

func (p *Planner) loop() {
	for {
		select {
		case <-p.quit:
			return
		case <-time.After(p.jitteredPoll()):
			p.RunCycle(context.Background())
		}
	}
}

// jitteredPoll spreads ticks so co-located instances do not phase-lock.
func (p *Planner) jitteredPoll() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(float64(p.poll) * tickJitterFraction)))
	return p.poll - jitter
}

// RunCycle runs one executor cycle. Reentrant calls are dropped: a slow cycle
// must never be overlapped by the next tick.
func (p *Planner) RunCycle(ctx context.Context) {
	if !p.inCycle.CompareAndSwap(false, true) {
		p.logger.Debug("cycle still running; skipping tick")
		return
	}
	defer p.inCycle.Store(false)

	started := p.now()
	defer func() {
		if p.metrics != nil {
			p.metrics.CycleDuration.Observe(p.now().Sub(started).Seconds())
		}
	}()

	if p.stopCtl.Engaged() {
		p.emitIdle("emergency_stop")
		return
	}
	if !p.breaker.Allow() {
		p.emitIdle("circuit_breaker_open")
		return
	}

	ctx, release := p.stopCtl.Bind(ctx)
	defer release()

	p.bridgeThreatHolds(ctx)

	snapshot := p.store.Snapshot()
	p.publishTaskGauges(snapshot)
	p.unblockShadowHoldovers(snapshot)
	p.expireBlockedTasks(snapshot)
	p.runDueRigGReplans(ctx, snapshot)

	// Re-read after maintenance mutations.
	candidates := p.eligible(p.store.Snapshot())
	if len(candidates) == 0 {
		p.emitIdle(p.classifyIdle(p.store.Snapshot()))
		return
	}

	selected := pickTask(candidates)
	p.executeTask(ctx, selected)
}

// unblockShadowHoldovers clears shadow_mode blocks once the executor runs
// live, keeping the observation counters intact.
func (p *Planner) unblockShadowHoldovers(snapshot []*task.Task) {
	if !p.Live() {
		return
	}
	for _, t := range snapshot {
		if t.NonTerminal() && t.Metadata.BlockedReason == "shadow_mode" {
			p.logger.Info("live mode: unblocking %s (%d shadow observations)", t.ID, t.Metadata.ShadowObservationCount)
			if err := p.store.ClearBlocked(t.ID); err != nil {
				p.logger.Warn("unblock %s: %v", t.ID, err)
			}
		}
	}
}

// expireBlockedTasks fails tasks that sat behind a non-exempt blocked reason
// beyond the TTL.
func (p *Planner) expireBlockedTasks(snapshot []*task.Task) {
	now := p.now()
	for _, t := range snapshot {
		if !t.NonTerminal() || t.Metadata.BlockedReason == "" || t.Metadata.BlockedAt == nil {
			continue
		}
		if blockedTTLExempt[t.Metadata.BlockedReason] {
			continue
		}
		if t.Status == task.StatusPendingPlanning {
			// Parked on the solver; replanning owns this state.
			continue
		}
		if now.Sub(*t.Metadata.BlockedAt) < blockedTTL {
			continue
		}
		reason := "blocked-timeout: " + t.Metadata.BlockedReason
		p.logger.Warn("task %s blocked beyond TTL (%s); failing", t.ID, t.Metadata.BlockedReason)
		if err := p.store.UpdateTaskStatus(t.ID, task.StatusFailed, task.StatusChangeOptions{
			Origin:     task.StatusOriginRuntime,
			FailReason: reason,
		}); err != nil {
			p.logger.Warn("fail blocked task %s: %v", t.ID, err)
		}
	}
}

// eligible filters tasks the executor may pick up this cycle.
func (p *Planner) eligible(snapshot []*task.Task) []*task.Task {
	now := p.now()
	out := make([]*task.Task, 0, len(snapshot))
	for _, t := range snapshot {
		if t.Status != task.StatusPending && t.Status != task.StatusActive {
			continue
		}
		if t.Metadata.BlockedReason != "" {
			continue
		}
		if binding := t.GoalBinding(); binding != nil && binding.Hold != nil {
			continue
		}
		if at := t.Metadata.NextEligibleAt; at != nil && at.After(now) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// pickTask selects the highest-priority candidate, oldest creation first on
// ties.
func pickTask(candidates []*task.Task) *task.Task {
	best := candidates[0]
	for _, t := range candidates[1:] {
		if t.Priority > best.Priority {
			best = t
			continue
		}
		if t.Priority == best.Priority && t.Metadata.CreatedAt.Before(best.Metadata.CreatedAt) {
			best = t
		}
	}
	return best
}

// classifyIdle explains why no task was executable this cycle.
func (p *Planner) classifyIdle(snapshot []*task.Task) string {
	if p.breaker.Open() {
		return "circuit_breaker_open"
	}
	live := 0
	backoff, prereqWait, held := 0, 0, 0
	now := p.now()
	for _, t := range snapshot {
		if !t.NonTerminal() {
			continue
		}
		live++
		switch {
		case t.Metadata.BlockedReason == "waiting_on_prereq":
			prereqWait++
		case t.Status == task.StatusPaused:
			held++
		case t.Metadata.NextEligibleAt != nil && t.Metadata.NextEligibleAt.After(now):
			backoff++
		}
	}
	switch {
	case live == 0:
		return "no_tasks"
	case backoff == live:
		return "all_in_backoff"
	case prereqWait > 0:
		return "blocked_on_prereq"
	case held > 0:
		return "manual_pause"
	default:
		return "no_tasks"
	}
}

func (p *Planner) emitIdle(reason string) {
	if p.metrics != nil {
		p.metrics.IdleTicks.WithLabelValues(reason).Inc()
	}

	p.idleMu.Lock()
	last, seen := p.lastIdle[reason]
	now := p.now()
	if seen && now.Sub(last) < idleEmitInterval {
		p.idleMu.Unlock()
		return
	}
	p.lastIdle[reason] = now
	p.idleMu.Unlock()

	p.logger.Debug("executor idle: %s", reason)
	if p.emitter != nil {
		p.emitter.Emit(events.Event{Type: events.TypeIdlePeriod, Data: map[string]any{
			"reason": reason,
		}})
	}
}

func (p *Planner) publishTaskGauges(snapshot []*task.Task) {
	if p.metrics == nil {
		return
	}
	counts := make(map[task.Status]int)
	for _, t := range snapshot {
		counts[t.Status]++
	}
	for _, status := range []task.Status{
		task.StatusPending, task.StatusActive, task.StatusPendingPlanning,
		task.StatusPaused, task.StatusUnplannable, task.StatusCompleted, task.StatusFailed,
	} {
		p.metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// bridgeThreatHolds maps the threat assessment onto goal-protocol holds:
// danger pauses active tasks under an unsafe hold, and an all-clear releases
// exactly the tasks that hold paused.
func (p *Planner) bridgeThreatHolds(ctx context.Context) {
	if p.threats == nil {
		return
	}
	unsafe, detail := p.threats.Unsafe(ctx)

	for _, t := range p.store.Snapshot() {
		switch {
		case unsafe && t.Status == task.StatusActive:
			p.logger.Warn("threat (%s): holding %s", detail, t.ID)
			hold := &task.Hold{Reason: task.HoldUnsafe, HeldAt: p.now()}
			if err := p.store.ApplyHold(t.ID, hold); err != nil {
				p.logger.Warn("threat hold %s: %v", t.ID, err)
				continue
			}
			if err := p.store.UpdateTaskStatus(t.ID, task.StatusPaused, task.StatusChangeOptions{
				Origin: task.StatusOriginProtocol,
			}); err != nil {
				p.logger.Warn("threat pause %s: %v", t.ID, err)
			}
		case !unsafe && t.Status == task.StatusPaused:
			binding := t.GoalBinding()
			if binding == nil || binding.Hold == nil || binding.Hold.Reason != task.HoldUnsafe {
				continue
			}
			if err := p.store.ClearHold(t.ID); err != nil {
				p.logger.Warn("threat release %s: %v", t.ID, err)
				continue
			}
			if err := p.store.UpdateTaskStatus(t.ID, task.StatusPending, task.StatusChangeOptions{
				Origin: task.StatusOriginProtocol,
			}); err != nil {
				p.logger.Warn("threat resume %s: %v", t.ID, err)
			}
		}
	}
}

// ThreatSource reports whether the environment is currently unsafe for task
// execution.
type ThreatSource interface {
	Unsafe(ctx context.Context) (unsafe bool, detail string)
}
