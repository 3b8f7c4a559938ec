package sterling

import (
	"context"
	"fmt"

	"steve/internal/task"
)

// DomainSolver is a per-domain solve surface.
type DomainSolver interface {
	Domain() string
	Solve(ctx context.Context, request map[string]any) (map[string]any, error)
}

type httpSolver struct {
	adapter *Adapter
	domain  string
	path    string
}

func (s *httpSolver) Domain() string { return s.domain }

func (s *httpSolver) Solve(ctx context.Context, request map[string]any) (map[string]any, error) {
	var out map[string]any
	if err := s.adapter.postJSON(ctx, s.path, request, &out); err != nil {
		return nil, fmt.Errorf("%s solve: %w", s.domain, err)
	}
	return out, nil
}

// Solver returns the solve surface for a domain, or an error for unknown
// domains.
func (a *Adapter) Solver(domain string) (DomainSolver, error) {
	switch domain {
	case DomainBuilding:
		return &httpSolver{adapter: a, domain: domain, path: "/building/solve"}, nil
	case DomainCrafting:
		return &httpSolver{adapter: a, domain: domain, path: "/crafting/solve"}, nil
	case DomainToolProgression:
		return &httpSolver{adapter: a, domain: domain, path: "/tool-progression/solve"}, nil
	case DomainNavigation:
		return &httpSolver{adapter: a, domain: domain, path: "/navigation/solve"}, nil
	default:
		return nil, fmt.Errorf("unknown solver domain %q", domain)
	}
}

// RecipeInput is one required ingredient of a recipe.
type RecipeInput struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

// Recipe is the introspection result for a craftable output.
type Recipe struct {
	Output        string        `json:"output"`
	RequiresTable bool          `json:"requiresTable"`
	Inputs        []RecipeInput `json:"inputs"`
}

// IntrospectRecipe asks the crafting solver for a recipe's requirements.
// Recipe logic lives in the solver; the core never reimplements it.
func (a *Adapter) IntrospectRecipe(ctx context.Context, item string) (*Recipe, error) {
	var recipe Recipe
	if err := a.postJSON(ctx, "/crafting/recipe", map[string]any{"item": item}, &recipe); err != nil {
		return nil, err
	}
	if recipe.Output == "" {
		recipe.Output = item
	}
	return &recipe, nil
}

// MacroExpander is the HTTP-backed Rig E macro planner. It asks the solver's
// hierarchical expansion surface before GenerateDynamicSteps falls back to a
// flat solve.
type MacroExpander struct {
	adapter *Adapter
}

// NewMacroExpander creates a macro planner over the adapter's solver service.
func NewMacroExpander(a *Adapter) *MacroExpander {
	return &MacroExpander{adapter: a}
}

// ExpandMacro implements MacroPlanner.
func (m *MacroExpander) ExpandMacro(ctx context.Context, goal string, params map[string]any) ([]*task.Step, error) {
	var resp planResponse
	if err := m.adapter.postJSON(ctx, "/rig-e/expand", map[string]any{
		"goal":       goal,
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

// RigGAdvice is the feasibility gate's verdict for a step dispatch.
type RigGAdvice struct {
	ShouldProceed bool   `json:"shouldProceed"`
	Reason        string `json:"reason,omitempty"`
}

// AdviseExecution evaluates the Rig G feasibility gate for the given rigG
// metadata. Both the shadow and live dispatch paths call this same function;
// shadow evaluation emits but never mutates. Gate unavailability fails open.
func (a *Adapter) AdviseExecution(ctx context.Context, rigGMeta map[string]any) *RigGAdvice {
	if len(rigGMeta) == 0 {
		return &RigGAdvice{ShouldProceed: true}
	}
	var advice RigGAdvice
	if err := a.postJSON(ctx, "/rig-g/advise", rigGMeta, &advice); err != nil {
		a.logger.Warn("rig G gate unavailable, proceeding: %v", err)
		return &RigGAdvice{ShouldProceed: true, Reason: "gate_unavailable"}
	}
	return &advice
}
