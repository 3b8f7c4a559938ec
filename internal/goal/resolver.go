package goal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steve/internal/events"
	"steve/internal/logging"
	"steve/internal/task"
)

// Verifier decides whether a completed task still satisfies its goal.
type Verifier func(t *task.Task) bool

// Resolution is the outcome of ResolveOrCreate.
type Resolution struct {
	Action task.ResolveAction `json:"action"`
	TaskID string             `json:"taskId,omitempty"`
}

// ResolveRequest asks the resolver to bind a goal instance to a task.
type ResolveRequest struct {
	GoalType     string
	IntentParams any
	BotPosition  *Position
	Verifier     string
	GoalID       string
}

// Resolver enforces at-most-one non-terminal task per (goalType, goalKey).
type Resolver struct {
	store     *task.Store
	verifiers map[string]Verifier
	emitter   task.Emitter
	logger    logging.Logger
	now       func() time.Time
}

// NewResolver creates a resolver over the given store.
func NewResolver(store *task.Store, emitter task.Emitter, logger logging.Logger) *Resolver {
	return &Resolver{
		store:     store,
		verifiers: make(map[string]Verifier),
		emitter:   emitter,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// RegisterVerifier installs a named goal-satisfaction predicate.
func (r *Resolver) RegisterVerifier(name string, fn Verifier) {
	r.verifiers[name] = fn
}

// ResolveOrCreate is the public protocol operation. A created skeleton keeps
// its goal binding and is finalized through the store's creation pipeline so
// it is planned like any other task.
func (r *Resolver) ResolveOrCreate(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	params := map[string]any{
		"goalType": req.GoalType,
		"verifier": req.Verifier,
	}
	if req.IntentParams != nil {
		params["intentParams"] = req.IntentParams
	}
	if req.GoalID != "" {
		params["goalId"] = req.GoalID
	}
	if req.BotPosition != nil {
		params["botPosition"] = map[string]any{
			"x": req.BotPosition.X, "y": req.BotPosition.Y, "z": req.BotPosition.Z,
		}
	}
	addReq := &task.AddRequest{
		Title:      fmt.Sprintf("Goal: %s", req.GoalType),
		Type:       req.GoalType,
		Source:     task.SourceGoal,
		Parameters: params,
	}

	route, err := r.route(ctx, req, addReq)
	if err != nil {
		return nil, err
	}
	if route.Action != task.ResolveCreated {
		res := &Resolution{Action: route.Action}
		if route.Task != nil {
			res.TaskID = route.Task.ID
		}
		return res, nil
	}

	created, err := r.store.AddRoutedTask(ctx, route.Task, addReq)
	if err != nil {
		return nil, err
	}
	return &Resolution{Action: task.ResolveCreated, TaskID: created.ID}, nil
}

// RouteGoalTask implements task.GoalRouter for gated goal-sourced creates.
func (r *Resolver) RouteGoalTask(ctx context.Context, addReq *task.AddRequest) (*task.RouteResult, error) {
	req := ResolveRequest{}
	if addReq.Parameters != nil {
		req.GoalType, _ = addReq.Parameters["goalType"].(string)
		req.IntentParams = addReq.Parameters["intentParams"]
		req.Verifier, _ = addReq.Parameters["verifier"].(string)
		req.GoalID, _ = addReq.Parameters["goalId"].(string)
		if pos, ok := addReq.Parameters["botPosition"].(map[string]any); ok {
			req.BotPosition = positionFromMap(pos)
		}
	}
	if req.GoalType == "" {
		return nil, fmt.Errorf("goal-sourced task %q carries no goalType", addReq.Title)
	}
	return r.route(ctx, req, addReq)
}

func (r *Resolver) route(_ context.Context, req ResolveRequest, addReq *task.AddRequest) (*task.RouteResult, error) {
	canonical, ok := CanonicalizeIntentParams(req.IntentParams)
	if !ok && req.IntentParams != nil {
		// Raw params present but unserializable: a sentinel keeps this goal
		// from merging with "no intent params" goals.
		canonical = UnserializableForm(req.IntentParams)
		r.logger.Warn("intent params for %s unserializable; using sentinel", req.GoalType)
		if r.emitter != nil {
			r.emitter.Emit(events.Event{Type: events.TypeIntentParamsOpaque, Data: map[string]any{
				"goalType": req.GoalType,
			}})
		}
	}

	goalKey := GoalKey(req.GoalType, canonical, req.Verifier, req.BotPosition)

	var satisfied *task.Task
	for _, t := range r.store.Snapshot() {
		binding := t.GoalBinding()
		if binding == nil || binding.GoalType != req.GoalType || binding.GoalKey != goalKey {
			continue
		}
		if t.NonTerminal() {
			return &task.RouteResult{Action: task.ResolveContinue, Task: t}, nil
		}
		if t.Status == task.StatusCompleted && satisfied == nil {
			satisfied = t
		}
	}

	if satisfied != nil && r.goalStillSatisfied(req.Verifier, satisfied) {
		return &task.RouteResult{Action: task.ResolveAlreadySatisfied, Task: satisfied}, nil
	}

	return &task.RouteResult{
		Action: task.ResolveCreated,
		Task:   r.newSkeleton(req, goalKey, addReq),
	}, nil
}

func (r *Resolver) goalStillSatisfied(verifierName string, t *task.Task) bool {
	verifier, ok := r.verifiers[verifierName]
	if !ok {
		return false
	}
	return verifier(t)
}

// newSkeleton builds the unfinalized skeleton task for a fresh goal binding.
// Steps stay empty; the creation pipeline enriches and finalizes it.
func (r *Resolver) newSkeleton(req ResolveRequest, goalKey string, addReq *task.AddRequest) *task.Task {
	now := r.now()
	skeleton := &task.Task{
		ID:       "task-" + uuid.New().String(),
		Type:     req.GoalType,
		Source:   task.SourceGoal,
		Status:   task.StatusPending,
		Priority: 0.5,
		Urgency:  0.5,
		Metadata: task.Metadata{
			CreatedAt: now,
			UpdatedAt: now,
			Stage:     "skeleton",
			GoalKey:   goalKey,
			GoalBinding: &task.GoalBinding{
				GoalID:     req.GoalID,
				GoalKey:    goalKey,
				GoalType:   req.GoalType,
				InstanceID: uuid.New().String(),
				Verifier:   req.Verifier,
			},
		},
	}
	if addReq != nil {
		skeleton.Title = addReq.Title
		skeleton.Type = addReq.Type
		skeleton.Description = addReq.Description
		skeleton.Category = addReq.Category
		skeleton.Parameters = addReq.Parameters
		skeleton.Metadata.MaxRetries = 3
	} else {
		skeleton.Title = fmt.Sprintf("Goal: %s", req.GoalType)
		skeleton.Metadata.MaxRetries = 3
	}
	return skeleton
}

func positionFromMap(m map[string]any) *Position {
	pos := &Position{}
	if x, ok := m["x"].(float64); ok {
		pos.X = x
	}
	if y, ok := m["y"].(float64); ok {
		pos.Y = y
	}
	if z, ok := m["z"].(float64); ok {
		pos.Z = z
	}
	return pos
}
