package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"steve/internal/events"
	"steve/internal/logging"
)

// PlanResult is the outcome of plan generation for a task.
type PlanResult struct {
	Steps         []*Step
	NoStepsReason string
	Route         string
}

// Blocked reports whether the result is a solver-unavailable sentinel: a
// single step flagged blocked.
func (r *PlanResult) Blocked() bool {
	return r != nil && len(r.Steps) == 1 && r.Steps[0].Meta != nil && r.Steps[0].Meta.Blocked
}

// PlanSource generates structured steps for a task.
type PlanSource interface {
	GeneratePlan(ctx context.Context, t *Task) (*PlanResult, error)
}

// ResolveAction is the outcome class of a goal-resolver routing attempt.
type ResolveAction string

const (
	ResolveContinue         ResolveAction = "continue"
	ResolveAlreadySatisfied ResolveAction = "already_satisfied"
	ResolveCreated          ResolveAction = "created"
)

// RouteResult is what the goal resolver hands back to the creation pipeline.
type RouteResult struct {
	Action ResolveAction
	Task   *Task
}

// GoalRouter deduplicates goal-sourced task creation for gated types.
type GoalRouter interface {
	RouteGoalTask(ctx context.Context, req *AddRequest) (*RouteResult, error)
}

// Persister receives fire-and-forget persistence calls. Implementations must
// never block the caller.
type Persister interface {
	RecordEvent(eventType string, taskID string, data any)
	RecordSnapshot(t *Task)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(evt events.Event)
}

// AddRequest is the typed payload accepted by AddTask.
type AddRequest struct {
	Title       string
	Type        string
	Description string
	Source      Source
	Category    string
	Priority    any // float in [0,1] or "low"|"medium"|"high"
	Urgency     any
	Parameters  map[string]any
	Metadata    map[string]any // projected through the creation allowlist
	Steps       []*Step        // optional pre-structured plan
	// Typed fields owned by internal callers; not part of the open metadata
	// surface.
	ParentTaskID string
	Requirement  *Requirement
	Tags         []string
	MaxRetries   int
}

// statusChange is one entry of the bounded transition history ring.
type statusChange struct {
	TaskID string
	From   Status
	To     Status
	Origin StatusOrigin
	At     time.Time
}

const historyRingSize = 256

// gatedGoalTypes lists task types that route through the goal resolver when
// the task source is "goal".
var gatedGoalTypes = map[string]bool{
	"building": true,
}

// Store is the in-memory task store and the only mutator of task state.
type Store struct {
	mu            sync.RWMutex
	tasks         map[string]*Task
	byParent      map[string][]string
	bySubtaskKey  map[string]string
	bySterlingKey map[string]string

	historyMu sync.Mutex
	history   []statusChange
	historyAt int

	planner    PlanSource
	goalRouter GoalRouter
	hooks      BindingHooks
	drain      EffectScheduler
	emitter    Emitter
	persister  Persister

	strict bool
	logger logging.Logger
	now    func() time.Time

	warnMu         sync.Mutex
	warnedMetaKeys map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithPlanner installs the plan source consulted at creation.
func WithPlanner(p PlanSource) Option { return func(s *Store) { s.planner = p } }

// WithGoalRouter installs the goal-resolver gate.
func WithGoalRouter(r GoalRouter) Option { return func(s *Store) { s.goalRouter = r } }

// WithBindingHooks installs the goal-binding lifecycle hooks.
func WithBindingHooks(h BindingHooks) Option { return func(s *Store) { s.hooks = h } }

// WithEffectScheduler installs the protocol effects drain.
func WithEffectScheduler(d EffectScheduler) Option { return func(s *Store) { s.drain = d } }

// WithEmitter installs the lifecycle event emitter.
func WithEmitter(e Emitter) Option { return func(s *Store) { s.emitter = e } }

// WithPersister installs the append-only event store sink.
func WithPersister(p Persister) Option { return func(s *Store) { s.persister = p } }

// WithStrictFinalize makes invariant violations at finalize fatal.
func WithStrictFinalize(strict bool) Option { return func(s *Store) { s.strict = strict } }

// WithClock substitutes the time source. Test helper.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore creates an empty task store.
func NewStore(logger logging.Logger, opts ...Option) *Store {
	s := &Store{
		tasks:          make(map[string]*Task),
		byParent:       make(map[string][]string),
		bySubtaskKey:   make(map[string]string),
		bySterlingKey:  make(map[string]string),
		history:        make([]statusChange, 0, historyRingSize),
		logger:         logging.OrNop(logger),
		now:            time.Now,
		warnedMetaKeys: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetGoalRouter wires the resolver after construction (the resolver needs a
// store reference of its own).
func (s *Store) SetGoalRouter(r GoalRouter) { s.goalRouter = r }

// SetBindingHooks wires the protocol hooks after construction.
func (s *Store) SetBindingHooks(h BindingHooks) { s.hooks = h }

// SetEffectScheduler wires the protocol drain after construction.
func (s *Store) SetEffectScheduler(d EffectScheduler) { s.drain = d }

// GoalResolverEnabled reports whether goal-sourced creates of typ route
// through the resolver.
func (s *Store) GoalResolverEnabled(typ string) bool {
	return s.goalRouter != nil && gatedGoalTypes[typ]
}

// Get returns a copy of the task, or an error when unknown.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return t.Clone(), nil
}

// Filter narrows task listings.
type Filter struct {
	Status   Status
	Source   Source
	Category string
	Limit    int
}

// Tasks returns copies of tasks matching the filter, newest first.
func (s *Store) Tasks(filter Filter) []*Task {
	s.mu.RLock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Source != "" && t.Source != filter.Source {
			continue
		}
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.After(out[j].Metadata.CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Snapshot returns copies of every task.
func (s *Store) Snapshot() []*Task {
	return s.Tasks(Filter{})
}

// Active returns copies of tasks in non-terminal, schedulable states.
func (s *Store) Active() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.NonTerminal() {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ChildIDs returns the ids of tasks whose parent is parentID.
func (s *Store) ChildIDs(parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byParent[parentID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// BySubtaskKey returns the task holding the given subtask dedupe key, or nil.
func (s *Store) BySubtaskKey(key string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySubtaskKey[key]
	if !ok {
		return nil
	}
	if t, ok := s.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

// History returns a copy of the recent status transition ring, oldest first.
func (s *Store) History() []statusChange {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]statusChange, len(s.history))
	if len(s.history) == historyRingSize {
		n := copy(out, s.history[s.historyAt:])
		copy(out[n:], s.history[:s.historyAt])
	} else {
		copy(out, s.history)
	}
	return out
}

func (s *Store) recordChange(c statusChange) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	if len(s.history) < historyRingSize {
		s.history = append(s.history, c)
		return
	}
	s.history[s.historyAt] = c
	s.historyAt = (s.historyAt + 1) % historyRingSize
}

// Cleanup removes terminal tasks older than maxAge and their index entries.
// Returns the number of tasks removed.
func (s *Store) Cleanup(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		if !t.Status.IsTerminal() || t.Metadata.UpdatedAt.After(cutoff) {
			continue
		}
		delete(s.tasks, id)
		if key := t.Metadata.SubtaskKey; key != "" && s.bySubtaskKey[key] == id {
			delete(s.bySubtaskKey, key)
		}
		if parent := t.Metadata.ParentTaskID; parent != "" {
			s.byParent[parent] = removeString(s.byParent[parent], id)
		}
		removed++
	}
	return removed
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

func newTaskID() string {
	return "task-" + uuid.New().String()
}

func newStepID() string {
	return "step-" + uuid.New().String()
}

func (s *Store) emit(evt events.Event) {
	if s.emitter != nil {
		s.emitter.Emit(evt)
	}
}

func (s *Store) persistEvent(eventType string, taskID string, data any) {
	if s.persister != nil {
		s.persister.RecordEvent(eventType, taskID, data)
	}
}

func (s *Store) persistSnapshot(t *Task) {
	if s.persister != nil {
		s.persister.RecordSnapshot(t.Clone())
	}
}
