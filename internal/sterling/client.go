// Package sterling adapts the external Sterling solver service into the
// planning core: plan generation with blocked sentinels, per-domain solvers,
// recipe introspection, the Rig G feasibility gate and episode reporting.
package sterling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"steve/internal/logging"
	"steve/internal/task"
)

const (
	// BuildingSolverID identifies this deployment's building solver for
	// episode join-key coherence checks.
	BuildingSolverID = "sterling-building-v2"

	solveTimeout = 20 * time.Second
)

// Domain names routed to per-domain solvers.
const (
	DomainBuilding        = "building"
	DomainCrafting        = "crafting"
	DomainToolProgression = "tool_progression"
	DomainNavigation      = "navigation"
)

// BotContextSource supplies current world state for solve requests.
type BotContextSource interface {
	FetchBotContext(ctx context.Context) map[string]any
}

// MacroPlanner is the Rig E hierarchical planner hook.
type MacroPlanner interface {
	ExpandMacro(ctx context.Context, goal string, params map[string]any) ([]*task.Step, error)
}

// FeedbackStore receives solve feedback for Rig E learning.
type FeedbackStore interface {
	RecordFeedback(taskID string, payload map[string]any)
}

// Adapter is the Sterling solver client. It implements task.PlanSource.
type Adapter struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger

	botContext BotContextSource

	mu            sync.Mutex
	macroPlanner  MacroPlanner
	feedbackStore FeedbackStore

	joinKeysCompat  bool
	compatWarnOnce  sync.Once
	episodeReporter *EpisodeReporter
}

// Option configures the adapter.
type Option func(*Adapter)

// WithBotContext installs the world-state source used by solve requests.
func WithBotContext(src BotContextSource) Option {
	return func(a *Adapter) { a.botContext = src }
}

// WithJoinKeysCompat enables the deprecated solveJoinKeys fallback surface.
func WithJoinKeysCompat(enabled bool) Option {
	return func(a *Adapter) { a.joinKeysCompat = enabled }
}

// NewAdapter creates a solver adapter against baseURL.
func NewAdapter(baseURL string, logger logging.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: baseURL,
		http:    &http.Client{Timeout: solveTimeout + 5*time.Second},
		logger:  logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.episodeReporter = newEpisodeReporter(a)
	return a
}

// SetMacroPlanner installs the Rig E macro planner.
func (a *Adapter) SetMacroPlanner(p MacroPlanner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.macroPlanner = p
}

// SetFeedbackStore installs the Rig E feedback sink.
func (a *Adapter) SetFeedbackStore(s FeedbackStore) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feedbackStore = s
}

// Episodes exposes the episode reporter.
func (a *Adapter) Episodes() *EpisodeReporter {
	return a.episodeReporter
}

// Health probes the solver service.
func (a *Adapter) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("sterling health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sterling health: status %d", resp.StatusCode)
	}
	return nil
}

type planStep struct {
	ID    string         `json:"id,omitempty"`
	Label string         `json:"label"`
	Meta  *task.StepMeta `json:"meta,omitempty"`
}

type planResponse struct {
	Steps         []planStep `json:"steps"`
	NoStepsReason string     `json:"noStepsReason,omitempty"`
	Route         string     `json:"route,omitempty"`
}

// GeneratePlan implements task.PlanSource. Solver unavailability is not an
// error: it yields a blocked sentinel so the task parks in pending_planning
// instead of failing creation.
func (a *Adapter) GeneratePlan(ctx context.Context, t *task.Task) (*task.PlanResult, error) {
	a.normalizeLegacyJoinKeys(t)

	payload := map[string]any{
		"taskId":      t.ID,
		"title":       t.Title,
		"type":        t.Type,
		"description": t.Description,
		"parameters":  t.Parameters,
		"domain":      domainForTaskType(t.Type),
	}
	if a.botContext != nil {
		payload["worldState"] = a.botContext.FetchBotContext(ctx)
	}

	var resp planResponse
	if err := a.postJSON(ctx, "/solve", payload, &resp); err != nil {
		a.logger.Warn("solver unavailable for %s: %v", t.ID, err)
		return blockedSentinel("solver_unavailable: " + err.Error()), nil
	}
	if len(resp.Steps) == 0 {
		reason := resp.NoStepsReason
		if reason == "" {
			reason = "no-steps-from-solver"
		}
		return blockedSentinel(reason), nil
	}

	steps := make([]*task.Step, len(resp.Steps))
	for i, s := range resp.Steps {
		steps[i] = &task.Step{ID: s.ID, Label: s.Label, Order: i, Meta: s.Meta}
	}
	return &task.PlanResult{Steps: steps, Route: resp.Route}, nil
}

// GenerateDynamicSteps asks the solver for steps toward an ad-hoc goal,
// consulting the Rig E macro planner first when one is installed.
func (a *Adapter) GenerateDynamicSteps(ctx context.Context, goal string, params map[string]any) ([]*task.Step, error) {
	a.mu.Lock()
	macro := a.macroPlanner
	a.mu.Unlock()
	if macro != nil {
		steps, err := macro.ExpandMacro(ctx, goal, params)
		if err == nil && len(steps) > 0 {
			return steps, nil
		}
		if err != nil {
			a.logger.Debug("macro planner declined %q: %v", goal, err)
		}
	}

	var resp planResponse
	if err := a.postJSON(ctx, "/solve", map[string]any{
		"title":      goal,
		"parameters": params,
	}, &resp); err != nil {
		return nil, err
	}
	steps := make([]*task.Step, len(resp.Steps))
	for i, s := range resp.Steps {
		steps[i] = &task.Step{ID: s.ID, Label: s.Label, Order: i, Meta: s.Meta}
	}
	return steps, nil
}

// blockedSentinel is the single-step plan marking solver unavailability.
func blockedSentinel(reason string) *task.PlanResult {
	return &task.PlanResult{
		NoStepsReason: reason,
		Steps: []*task.Step{{
			Label: "blocked: " + reason,
			Meta:  &task.StepMeta{Blocked: true, BlockedReason: reason},
		}},
	}
}

func domainForTaskType(taskType string) string {
	switch taskType {
	case "building", "sterling_ir":
		return DomainBuilding
	case "crafting":
		return DomainCrafting
	case "mining", "gathering":
		return DomainToolProgression
	case "navigation", "exploration":
		return DomainNavigation
	default:
		return ""
	}
}

// normalizeLegacyJoinKeys maps the deprecated solveJoinKeys slot into
// buildingSolveJoinKeys when the compat gate is on. Scheduled for removal
// with the join-keys migration.
func (a *Adapter) normalizeLegacyJoinKeys(t *task.Task) {
	if !a.joinKeysCompat || t.Metadata.Sterling == nil {
		return
	}
	legacy, ok := t.Metadata.Sterling["solveJoinKeys"].(map[string]any)
	if !ok {
		return
	}
	solver := t.Metadata.EnsureSolver()
	if solver.BuildingSolveJoinKeys != nil {
		return
	}
	a.compatWarnOnce.Do(func() {
		a.logger.Warn("deprecated solveJoinKeys in use; migrate to buildingSolveJoinKeys")
	})
	keys := &task.JoinKeys{}
	keys.PlanID, _ = legacy["planId"].(string)
	keys.SolverID, _ = legacy["solverId"].(string)
	keys.BundleHash, _ = legacy["bundleHash"].(string)
	keys.TraceBundleHash, _ = legacy["traceBundleHash"].(string)
	solver.BuildingSolveJoinKeys = keys
}

func (a *Adapter) postJSON(ctx context.Context, path string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, solveTimeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal solve payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("sterling POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sterling POST %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
