package sterling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"steve/internal/task"
)

func TestGeneratePlanReturnsSteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/solve" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["domain"] != DomainCrafting {
			t.Errorf("domain = %v", payload["domain"])
		}
		_ = json.NewEncoder(w).Encode(planResponse{
			Steps: []planStep{
				{Label: "gather wood", Meta: &task.StepMeta{Leaf: "acquire_material", Executable: true}},
				{Label: "craft sticks", Meta: &task.StepMeta{Leaf: "craft_recipe", Executable: true}},
			},
			Route: "crafting-v1",
		})
	}))
	defer srv.Close()

	adapter := NewAdapter(srv.URL, nil)
	plan, err := adapter.GeneratePlan(context.Background(), &task.Task{ID: "t1", Title: "Craft sticks", Type: "crafting"})
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(plan.Steps) != 2 || plan.Route != "crafting-v1" {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Steps[1].Order != 1 {
		t.Errorf("step order = %d", plan.Steps[1].Order)
	}
}

func TestGeneratePlanBlockedSentinelOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := NewAdapter(srv.URL, nil)
	plan, err := adapter.GeneratePlan(context.Background(), &task.Task{ID: "t1", Type: "crafting"})
	if err != nil {
		t.Fatalf("solver failure surfaced as error: %v", err)
	}
	if plan.NoStepsReason == "" {
		t.Fatal("no blocked reason")
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Meta == nil || !plan.Steps[0].Meta.Blocked {
		t.Errorf("sentinel plan = %+v", plan.Steps)
	}
}

func TestGeneratePlanBlockedSentinelOnEmptySteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(planResponse{NoStepsReason: "unknown_template"})
	}))
	defer srv.Close()

	adapter := NewAdapter(srv.URL, nil)
	plan, err := adapter.GeneratePlan(context.Background(), &task.Task{ID: "t1", Type: "building"})
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if plan.NoStepsReason != "unknown_template" {
		t.Errorf("reason = %q", plan.NoStepsReason)
	}
}

func TestDomainForTaskType(t *testing.T) {
	cases := map[string]string{
		"building":    DomainBuilding,
		"sterling_ir": DomainBuilding,
		"crafting":    DomainCrafting,
		"mining":      DomainToolProgression,
		"gathering":   DomainToolProgression,
		"navigation":  DomainNavigation,
		"exploration": DomainNavigation,
		"other":       "",
	}
	for taskType, want := range cases {
		if got := domainForTaskType(taskType); got != want {
			t.Errorf("domainForTaskType(%q) = %q, want %q", taskType, got, want)
		}
	}
}

func TestNormalizeLegacyJoinKeysCompat(t *testing.T) {
	legacy := map[string]any{
		"planId":     "plan-1",
		"solverId":   BuildingSolverID,
		"bundleHash": "abc",
	}

	// Compat off: the legacy slot is left alone.
	off := NewAdapter("http://localhost:0", nil)
	tk := &task.Task{ID: "t1", Metadata: task.Metadata{Sterling: map[string]any{"solveJoinKeys": legacy}}}
	off.normalizeLegacyJoinKeys(tk)
	if tk.Metadata.Solver != nil {
		t.Error("compat-off adapter migrated join keys")
	}

	on := NewAdapter("http://localhost:0", nil, WithJoinKeysCompat(true))
	on.normalizeLegacyJoinKeys(tk)
	solver := tk.Metadata.Solver
	if solver == nil || solver.BuildingSolveJoinKeys == nil {
		t.Fatal("legacy join keys not migrated")
	}
	if solver.BuildingSolveJoinKeys.PlanID != "plan-1" || solver.BuildingSolveJoinKeys.BundleHash != "abc" {
		t.Errorf("migrated keys = %+v", solver.BuildingSolveJoinKeys)
	}

	// An existing canonical slot is never overwritten.
	tk.Metadata.Sterling["solveJoinKeys"] = map[string]any{"planId": "plan-2"}
	on.normalizeLegacyJoinKeys(tk)
	if solver.BuildingSolveJoinKeys.PlanID != "plan-1" {
		t.Error("canonical join keys clobbered by legacy slot")
	}
}
