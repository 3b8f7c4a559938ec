package goal

import (
	"context"
	"sync"
	"time"

	"steve/internal/async"
	"steve/internal/logging"
	"steve/internal/task"
)

// GoalStatusSink receives update_goal_status effects.
type GoalStatusSink interface {
	UpdateGoalStatus(goalID, status, reason string)
}

// Applier is the slice of the task store the drain mutates through.
type Applier interface {
	UpdateTaskStatus(id string, status task.Status, opts task.StatusChangeOptions) error
	ApplyHold(id string, hold *task.Hold) error
	ClearHold(id string) error
}

type effectBatch struct {
	origin  string
	effects []task.SyncEffect
}

const drainQueueDepth = 256

// Drain is the single serial queue through which all cross-entity protocol
// effects flow. One goroutine consumes batches in FIFO order; effects inside
// a batch apply in insertion order; batches never interleave. The drain is
// deliberately global rather than partitioned: effects may touch any task or
// goal, and partitioning risks cross-entity ordering bugs.
type Drain struct {
	applier Applier
	goals   GoalStatusSink
	logger  logging.Logger

	queue chan effectBatch

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	idle      sync.WaitGroup
}

// NewDrain creates an unstarted drain.
func NewDrain(applier Applier, goals GoalStatusSink, logger logging.Logger) *Drain {
	return &Drain{
		applier: applier,
		goals:   goals,
		logger:  logging.OrNop(logger),
		queue:   make(chan effectBatch, drainQueueDepth),
		done:    make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (d *Drain) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		async.Go(d.logger, "protocol-effects-drain", func() {
			d.run(ctx)
		})
	})
}

// Stop terminates the drain after the current batch.
func (d *Drain) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Schedule implements task.EffectScheduler. Batches from a single originating
// mutation stay together. Blocks briefly when the queue is saturated; drain
// application itself never re-enters the hooks (protocol-origin status
// changes skip them), so there is no feedback loop to deadlock on.
func (d *Drain) Schedule(originTaskID string, effects []task.SyncEffect) {
	if len(effects) == 0 {
		return
	}
	batch := effectBatch{origin: originTaskID, effects: effects}
	d.idle.Add(1)
	select {
	case d.queue <- batch:
	case <-d.done:
		d.idle.Done()
		d.logger.Warn("drain stopped; dropping %d effects from %s", len(effects), originTaskID)
	}
}

// Wait blocks until every scheduled batch has been applied. Test helper.
func (d *Drain) Wait() {
	d.idle.Wait()
}

func (d *Drain) run(ctx context.Context) {
	for {
		select {
		case batch := <-d.queue:
			d.applyBatch(batch)
			d.idle.Done()
		case <-d.done:
			// Flush whatever was queued before stop.
			for {
				select {
				case batch := <-d.queue:
					d.applyBatch(batch)
					d.idle.Done()
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// applyBatch applies one batch in insertion order. Errors are contained and
// logged; a failing effect never breaks the drain or the rest of its batch.
func (d *Drain) applyBatch(batch effectBatch) {
	for _, effect := range batch.effects {
		if err := d.applyEffect(effect); err != nil {
			d.logger.Error("protocol effect %s on %s (origin %s) failed: %v",
				effect.Kind, effect.TaskID, batch.origin, err)
		}
	}
}

func (d *Drain) applyEffect(effect task.SyncEffect) error {
	switch effect.Kind {
	case task.EffectApplyHold:
		hold := effect.Hold
		if hold == nil {
			hold = &task.Hold{Reason: task.HoldPreempted, HeldAt: time.Now()}
		}
		return d.applier.ApplyHold(effect.TaskID, hold)
	case task.EffectClearHold:
		return d.applier.ClearHold(effect.TaskID)
	case task.EffectUpdateTaskStatus:
		return d.applier.UpdateTaskStatus(effect.TaskID, effect.Status, task.StatusChangeOptions{
			Origin: task.StatusOriginProtocol,
		})
	case task.EffectUpdateGoalStatus:
		if d.goals != nil {
			d.goals.UpdateGoalStatus(effect.GoalID, effect.GoalStatus, effect.Reason)
		}
		return nil
	default:
		d.logger.Warn("unknown protocol effect kind %q ignored", effect.Kind)
		return nil
	}
}
