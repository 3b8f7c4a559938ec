package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	defaultMaxRetries     = 3
	similarityThreshold   = 0.7
	highPriorityThreshold = 0.8
)

// AddTask runs the creation pipeline: goal-resolver gate, sterling dedupe,
// similarity dedupe, plan generation, metadata projection, normalization,
// finalize. Dedupe hits return the existing task.
func (s *Store) AddTask(ctx context.Context, req *AddRequest) (*Task, error) {
	if req == nil {
		return nil, fmt.Errorf("nil add request")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("task title required")
	}
	if req.Source == "" {
		req.Source = SourceManual
	}

	// 1. Goal-resolver gate.
	if req.Source == SourceGoal && s.GoalResolverEnabled(req.Type) {
		route, err := s.goalRouter.RouteGoalTask(ctx, req)
		if err != nil {
			s.logger.Warn("goal resolver fallthrough for %q: %v", req.Title, err)
		} else if route != nil {
			switch route.Action {
			case ResolveContinue, ResolveAlreadySatisfied:
				return route.Task, nil
			case ResolveCreated:
				return s.enrichSkeleton(ctx, route.Task, req)
			}
		}
	}

	// 2. Sterling dedupe reservation.
	dedupeKey := sterlingDedupeKey(req)
	if dedupeKey != "" {
		if existing := s.liveTaskForSterlingKey(dedupeKey); existing != nil {
			return existing, nil
		}
		if !s.reserveSterlingKey(dedupeKey) {
			// Reservation raced; re-read the winner.
			if existing := s.liveTaskForSterlingKey(dedupeKey); existing != nil {
				return existing, nil
			}
		}
		defer func() {
			// Reservation is re-pointed at the created task inside finalize;
			// a failed pipeline must not leak the key.
			s.releaseSterlingKeyIfUnbound(dedupeKey)
		}()
	}

	// 3. Structural similarity dedupe.
	if existing := s.findSimilarPending(req); existing != nil {
		return existing, nil
	}

	t := s.newTaskFromRequest(req)

	// 4. Plan generation.
	if err := s.generatePlan(ctx, t, req); err != nil {
		return nil, err
	}

	// 5-7. Projection happened in newTaskFromRequest; normalize and finalize.
	return s.finalizeNewTask(t, dedupeKey)
}

// AddRoutedTask finalizes a skeleton the goal resolver already routed. It runs
// the same enrichment as the goal-resolver gate, so resolver-created tasks
// carry their goal binding regardless of which side initiated the create.
func (s *Store) AddRoutedTask(ctx context.Context, skeleton *Task, req *AddRequest) (*Task, error) {
	return s.enrichSkeleton(ctx, skeleton, req)
}

// enrichSkeleton merges plan steps and solver metadata into a resolver
// skeleton, then finalizes through the shared choke-point.
func (s *Store) enrichSkeleton(ctx context.Context, skeleton *Task, req *AddRequest) (*Task, error) {
	if skeleton == nil {
		return nil, fmt.Errorf("goal resolver returned nil skeleton")
	}
	if err := s.generatePlan(ctx, skeleton, req); err != nil {
		return nil, err
	}
	s.applyAllowlistedMetadata(&skeleton.Metadata, req.Metadata)
	skeleton.Priority = NormalizeScalar(req.Priority, 0.5)
	skeleton.Urgency = NormalizeScalar(req.Urgency, 0.5)
	return s.finalizeNewTask(skeleton, "")
}

// newTaskFromRequest builds the unfinalized task record, including metadata
// projection (step 5) and priority normalization (step 6).
func (s *Store) newTaskFromRequest(req *AddRequest) *Task {
	now := s.now()
	t := &Task{
		ID:          newTaskID(),
		Title:       req.Title,
		Type:        req.Type,
		Description: req.Description,
		Source:      req.Source,
		Category:    req.Category,
		Priority:    NormalizeScalar(req.Priority, 0.5),
		Urgency:     NormalizeScalar(req.Urgency, 0.5),
		Status:      StatusPending,
		Parameters:  req.Parameters,
		Metadata: Metadata{
			CreatedAt:  now,
			UpdatedAt:  now,
			MaxRetries: defaultMaxRetries,
		},
	}
	if req.MaxRetries > 0 {
		t.Metadata.MaxRetries = req.MaxRetries
	}
	t.Metadata.ParentTaskID = req.ParentTaskID
	t.Metadata.Requirement = req.Requirement
	t.Metadata.Tags = req.Tags
	s.applyAllowlistedMetadata(&t.Metadata, req.Metadata)
	return t
}

// metadataAllowlist lists the open-map keys copied into new task metadata.
// The solver namespace is merged as a whole object alongside it.
var metadataAllowlist = map[string]bool{
	"goalKey":        true,
	"subtaskKey":     true,
	"taskProvenance": true,
	"sterling":       true,
	"solver":         true,
}

func (s *Store) applyAllowlistedMetadata(md *Metadata, incoming map[string]any) {
	for key, value := range incoming {
		if !metadataAllowlist[key] {
			s.warnDroppedMetadataKey(key)
			continue
		}
		switch key {
		case "goalKey":
			if str, ok := value.(string); ok && str != "" {
				md.GoalKey = str
			}
		case "subtaskKey":
			if str, ok := value.(string); ok && str != "" {
				md.SubtaskKey = str
			}
		case "taskProvenance":
			if str, ok := value.(string); ok && str != "" {
				md.TaskProvenance = str
			}
		case "sterling":
			if obj, ok := value.(map[string]any); ok {
				md.Sterling = obj
			}
		case "solver":
			if obj, ok := value.(map[string]any); ok {
				md.Solver = mergeSolverMeta(md.Solver, obj)
			}
		}
	}
}

// mergeSolverMeta decodes an open solver object over the existing namespace.
func mergeSolverMeta(existing *SolverMeta, obj map[string]any) *SolverMeta {
	merged := existing
	if merged == nil {
		merged = &SolverMeta{}
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return merged
	}
	_ = json.Unmarshal(raw, merged)
	return merged
}

func (s *Store) warnDroppedMetadataKey(key string) {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if _, seen := s.warnedMetaKeys[key]; seen {
		return
	}
	s.warnedMetaKeys[key] = struct{}{}
	s.logger.Warn("dropping metadata key %q: not in creation allowlist", key)
}

// NormalizeScalar coerces a priority/urgency value into [0, 1].
// Strings low/medium/high map to 0.3/0.5/0.8.
func NormalizeScalar(value any, fallback float64) float64 {
	switch v := value.(type) {
	case nil:
		return fallback
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "low":
			return 0.3
		case "medium":
			return 0.5
		case "high":
			return 0.8
		default:
			return fallback
		}
	case float64:
		return clamp01(v)
	case float32:
		return clamp01(float64(v))
	case int:
		return clamp01(float64(v))
	case int64:
		return clamp01(float64(v))
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return fallback
		}
		return clamp01(f)
	default:
		return fallback
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// generatePlan fills t.Steps (step 4 of the pipeline). Pre-structured steps
// bypass the planner; advisory actions never plan.
func (s *Store) generatePlan(ctx context.Context, t *Task, req *AddRequest) error {
	if len(req.Steps) > 0 {
		t.Steps = normalizeSteps(req.Steps)
		return nil
	}
	if t.Type == "advisory_action" {
		s.setBlockedLocked(t, "advisory_action")
		return nil
	}
	if s.planner == nil {
		return nil
	}

	result, err := s.planner.GeneratePlan(ctx, t)
	if err != nil {
		return fmt.Errorf("generate plan for %s: %w", t.ID, err)
	}
	if result == nil {
		return nil
	}

	if result.Blocked() {
		reason := result.Steps[0].Meta.BlockedReason
		if reason == "" {
			reason = "solver_unavailable"
		}
		t.Status = StatusPendingPlanning
		t.Steps = nil
		s.setBlockedLocked(t, reason)
		return nil
	}

	t.Steps = normalizeSteps(result.Steps)
	if result.Route != "" {
		t.Metadata.EnsureSolver().Route = result.Route
	}
	return nil
}

func normalizeSteps(steps []*Step) []*Step {
	for i, step := range steps {
		if step.ID == "" {
			step.ID = newStepID()
		}
		step.Order = i
	}
	return steps
}

// setBlockedLocked stamps a blocked reason with its timestamp on an
// unpersisted task.
func (s *Store) setBlockedLocked(t *Task, reason string) {
	if t.Metadata.BlockedReason != "" {
		return
	}
	now := s.now()
	t.Metadata.BlockedReason = reason
	t.Metadata.BlockedAt = &now
}

// sterlingDedupeKey derives the reservation key for sterling_ir tasks, or ""
// when the request is not subject to sterling dedupe.
func sterlingDedupeKey(req *AddRequest) string {
	if req.Type != "sterling_ir" {
		return ""
	}
	sterling, ok := req.Metadata["sterling"].(map[string]any)
	if !ok {
		return ""
	}
	digest, _ := sterling["committedIrDigest"].(string)
	if digest == "" {
		return ""
	}
	namespace, _ := sterling["dedupeNamespace"].(string)
	if namespace == "" {
		namespace = "sterling"
	}
	return namespace + ":" + digest
}

func (s *Store) liveTaskForSterlingKey(key string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySterlingKey[key]
	if !ok || id == "" {
		return nil
	}
	if t, ok := s.tasks[id]; ok && t.NonTerminal() {
		return t.Clone()
	}
	return nil
}

// reserveSterlingKey claims the key with an empty binding. Returns false when
// the key is already claimed.
func (s *Store) reserveSterlingKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, claimed := s.bySterlingKey[key]; claimed {
		return false
	}
	s.bySterlingKey[key] = ""
	return true
}

// releaseSterlingKeyIfUnbound drops a reservation that was never pointed at a
// finalized task.
func (s *Store) releaseSterlingKeyIfUnbound(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySterlingKey[key]; ok && id == "" {
		delete(s.bySterlingKey, key)
	}
}

// findSimilarPending scans for a structurally similar pending task: same type
// and source, title word overlap at or above the threshold.
func (s *Store) findSimilarPending(req *AddRequest) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.Status != StatusPending || t.Type != req.Type || t.Source != req.Source {
			continue
		}
		if TitleSimilarity(t.Title, req.Title) >= similarityThreshold {
			return t.Clone()
		}
	}
	return nil
}
