package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"steve/internal/bot"
	"steve/internal/config"
	"steve/internal/guard"
	"steve/internal/prereq"
	"steve/internal/sterling"
	"steve/internal/task"
)

// botFixture serves the bot-interface endpoints the dispatch path touches.
// afterAction, when set, replaces the inventory once an action has been
// dispatched, so tests can model world changes between baseline and retry.
type botFixture struct {
	mu          sync.Mutex
	state       bot.State
	inventory   []bot.InventoryItem
	blocks      []bot.Block
	result      bot.ActionResult
	actions     []string
	afterAction []bot.InventoryItem
}

func (f *botFixture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/state":
			_ = json.NewEncoder(w).Encode(f.state)
		case "/inventory":
			_ = json.NewEncoder(w).Encode(f.inventory)
		case "/nearby-blocks":
			_ = json.NewEncoder(w).Encode(f.blocks)
		case "/action":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			actionType, _ := req["type"].(string)
			f.actions = append(f.actions, actionType)
			if f.afterAction != nil {
				f.inventory = f.afterAction
				f.afterAction = nil
			}
			_ = json.NewEncoder(w).Encode(f.result)
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *botFixture) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *botFixture) setInventory(items []bot.InventoryItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory = items
}

func newLivePlanner(t *testing.T, fx *botFixture, env map[string]string) (*Planner, *task.Store) {
	t.Helper()
	srv := httptest.NewServer(fx.handler())
	t.Cleanup(srv.Close)
	if env == nil {
		env = map[string]string{}
	}
	if _, ok := env["EXECUTOR_MODE"]; !ok {
		env["EXECUTOR_MODE"] = "live"
	}
	client := bot.NewClient(srv.URL, nil)
	store := task.NewStore(nil, task.WithPlanner(stubPlanner{}))
	p := NewPlanner(config.Load(config.MapEnvLookup(env)), Deps{
		Store:     store,
		Bot:       client,
		Inventory: bot.NewInventoryProvider(client, nil),
		Breaker:   guard.NewBreaker(time.Second, nil),
		Limiter:   guard.NewStepLimiter(60),
	})
	return p, store
}

func addStepTask(t *testing.T, store *task.Store, title, taskType string, meta *task.StepMeta) *task.Task {
	t.Helper()
	created, err := store.AddTask(context.Background(), &task.AddRequest{
		Title: title,
		Type:  taskType,
		Steps: []*task.Step{{Label: title, Meta: meta}},
	})
	if err != nil {
		t.Fatalf("add %q: %v", title, err)
	}
	return created
}

type stubRecipes struct {
	recipes map[string]*sterling.Recipe
}

func (s stubRecipes) IntrospectRecipe(_ context.Context, item string) (*sterling.Recipe, error) {
	if recipe, ok := s.recipes[item]; ok {
		return recipe, nil
	}
	return nil, fmt.Errorf("no recipe for %s", item)
}

func TestDeterministicFailureFailsWithoutBurningRetries(t *testing.T) {
	fx := &botFixture{result: bot.ActionResult{OK: false, Outcome: bot.OutcomeError, FailureCode: "CONTRACT_VIOLATION"}}
	p, store := newLivePlanner(t, fx, nil)

	created := addStepTask(t, store, "collect drops", "gathering", &task.StepMeta{Leaf: "collect_item"})
	if err := store.Mutate(created.ID, func(live *task.Task) {
		live.Metadata.RetryCount = 1
	}); err != nil {
		t.Fatalf("seed retries: %v", err)
	}

	p.executeTask(context.Background(), created)

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Metadata.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1 (unchanged)", got.Metadata.RetryCount)
	}
	if got.Metadata.BlockedReason != "deterministic-failure:CONTRACT_VIOLATION" {
		t.Errorf("blockedReason = %q", got.Metadata.BlockedReason)
	}
	if got.Metadata.NextEligibleAt != nil {
		t.Error("deterministic failure booked a backoff")
	}
	if got.Metadata.FailureCode != "CONTRACT_VIOLATION" {
		t.Errorf("failureCode = %q", got.Metadata.FailureCode)
	}
}

func TestRetryableFailureBooksBackoff(t *testing.T) {
	fx := &botFixture{result: bot.ActionResult{OK: false, Outcome: bot.OutcomeError, Error: "no path", FailureCode: "PATH_BLOCKED"}}
	p, store := newLivePlanner(t, fx, nil)

	created := addStepTask(t, store, "collect drops", "gathering", &task.StepMeta{Leaf: "collect_item"})
	p.executeTask(context.Background(), created)

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	if got.Metadata.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", got.Metadata.RetryCount)
	}
	if got.Metadata.NextEligibleAt == nil {
		t.Error("retryable failure did not book a backoff")
	}
	if got.Metadata.FailReason != "no path" {
		t.Errorf("failReason = %q", got.Metadata.FailReason)
	}
}

func TestRetryExhaustionRecordsBlockedReason(t *testing.T) {
	fx := &botFixture{result: bot.ActionResult{OK: false, Outcome: bot.OutcomeError, Error: "no path"}}
	p, store := newLivePlanner(t, fx, nil)

	created := addStepTask(t, store, "collect drops", "gathering", &task.StepMeta{Leaf: "collect_item"})
	if err := store.Mutate(created.ID, func(live *task.Task) {
		live.Metadata.RetryCount = 2
	}); err != nil {
		t.Fatalf("seed retries: %v", err)
	}

	p.executeTask(context.Background(), created)

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Metadata.FailReason != "max-retries-exceeded" {
		t.Errorf("failReason = %q", got.Metadata.FailReason)
	}
	if got.Metadata.BlockedReason != "max-retries-exceeded" {
		t.Errorf("blockedReason = %q", got.Metadata.BlockedReason)
	}
}

func TestRejectStepRecordsBlockedReason(t *testing.T) {
	p, store := newTestPlanner(t)

	unknown := addStepTask(t, store, "fly", "exploration", &task.StepMeta{Leaf: "fly_to_moon"})
	p.executeTask(context.Background(), unknown)
	got, _ := store.Get(unknown.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Metadata.BlockedReason != "unknown-leaf:fly_to_moon" {
		t.Errorf("blockedReason = %q", got.Metadata.BlockedReason)
	}

	invalid := addStepTask(t, store, "craft nothing", "crafting", &task.StepMeta{Leaf: "craft_recipe"})
	p.executeTask(context.Background(), invalid)
	got, _ = store.Get(invalid.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.HasPrefix(got.Metadata.BlockedReason, "invalid-args:") {
		t.Errorf("blockedReason = %q", got.Metadata.BlockedReason)
	}
}

func TestCraftMissingInputsInjectsBeforeDispatch(t *testing.T) {
	fx := &botFixture{result: bot.ActionResult{OK: true}}
	p, store := newLivePlanner(t, fx, nil)
	p.injector = prereq.NewInjector(store, stubRecipes{recipes: map[string]*sterling.Recipe{
		"stick": {Output: "stick", Inputs: []sterling.RecipeInput{{Item: "oak_plank", Count: 2}}},
	}}, nil, nil)

	// No workstation requirement on the step: the inputs pre-check runs on
	// its own.
	created := addStepTask(t, store, "craft sticks", "crafting", &task.StepMeta{
		Leaf: "craft_recipe",
		Args: map[string]any{"recipe": "stick"},
	})
	p.executeTask(context.Background(), created)

	got, _ := store.Get(created.ID)
	if got.Metadata.BlockedReason != "waiting_on_prereq" {
		t.Fatalf("blockedReason = %q, want waiting_on_prereq", got.Metadata.BlockedReason)
	}
	if got.Metadata.PrereqInjectionCount != 1 {
		t.Errorf("injection count = %d", got.Metadata.PrereqInjectionCount)
	}
	if dispatched := fx.dispatched(); len(dispatched) != 0 {
		t.Errorf("craft dispatched despite missing inputs: %v", dispatched)
	}

	var sub *task.Task
	for _, candidate := range store.Snapshot() {
		if candidate.Metadata.ParentTaskID == created.ID {
			sub = candidate
		}
	}
	if sub == nil {
		t.Fatal("no prerequisite subtask created")
	}
	if sub.Metadata.Requirement == nil || sub.Metadata.Requirement.OutputPattern != "oak_log" {
		t.Errorf("subtask requirement = %+v", sub.Metadata.Requirement)
	}
}

func TestCraftFailureInjectsOnRetryPath(t *testing.T) {
	fx := &botFixture{
		inventory:   []bot.InventoryItem{{Name: "oak_plank", Count: 2, Slot: 0}},
		afterAction: []bot.InventoryItem{},
		result:      bot.ActionResult{OK: false, Outcome: bot.OutcomeError, Error: "craft failed", FailureCode: "CRAFT_FAILED"},
	}
	p, store := newLivePlanner(t, fx, nil)
	p.injector = prereq.NewInjector(store, stubRecipes{recipes: map[string]*sterling.Recipe{
		"stick": {Output: "stick", Inputs: []sterling.RecipeInput{{Item: "oak_plank", Count: 2}}},
	}}, nil, nil)

	created := addStepTask(t, store, "craft sticks", "crafting", &task.StepMeta{
		Leaf: "craft_recipe",
		Args: map[string]any{"recipe": "stick"},
	})
	p.executeTask(context.Background(), created)

	if dispatched := fx.dispatched(); len(dispatched) != 1 || dispatched[0] != "craft_recipe" {
		t.Fatalf("dispatched = %v, want one craft_recipe", dispatched)
	}

	got, _ := store.Get(created.ID)
	if got.Metadata.BlockedReason != "waiting_on_prereq" {
		t.Fatalf("blockedReason = %q, want waiting_on_prereq", got.Metadata.BlockedReason)
	}
	if got.Metadata.RetryCount != 0 {
		t.Errorf("retryCount = %d, want 0 (injection instead of retry)", got.Metadata.RetryCount)
	}
	if got.Status == task.StatusFailed {
		t.Error("craft failure with injectable inputs went terminal")
	}

	found := false
	for _, candidate := range store.Snapshot() {
		if candidate.Metadata.ParentTaskID == created.ID {
			found = true
		}
	}
	if !found {
		t.Error("no prerequisite subtask created from the retry path")
	}
}

func TestReflectionCompletesWithoutRigE(t *testing.T) {
	p, store := newTestPlanner(t)

	created, err := store.AddTask(context.Background(), &task.AddRequest{
		Title: "Reflect on mining efficiency",
		Type:  "cognitive_reflection",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	p.executeTask(context.Background(), created)
	got, _ := store.Get(created.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func newRigEPlanner(t *testing.T, solveResponse string) (*Planner, *task.Store) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/solve" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(solveResponse))
	}))
	t.Cleanup(srv.Close)
	store := task.NewStore(nil, task.WithPlanner(stubPlanner{}))
	p := NewPlanner(config.Load(config.MapEnvLookup(map[string]string{"ENABLE_RIG_E": "1"})), Deps{
		Store:   store,
		Solver:  sterling.NewAdapter(srv.URL, nil),
		Breaker: guard.NewBreaker(time.Second, nil),
		Limiter: guard.NewStepLimiter(60),
	})
	return p, store
}

func TestReflectionExpandsIntoFollowUpWithRigE(t *testing.T) {
	p, store := newRigEPlanner(t, `{"steps":[{"label":"gather wood","meta":{"leaf":"collect_item"}}]}`)

	created, err := store.AddTask(context.Background(), &task.AddRequest{
		Title:      "Reflect",
		Type:       "cognitive_reflection",
		Parameters: map[string]any{"goal": "collect wood for shelter"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	p.executeTask(context.Background(), created)

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("reflection status = %q, want completed", got.Status)
	}

	var sub *task.Task
	for _, candidate := range store.Snapshot() {
		if candidate.Metadata.ParentTaskID == created.ID {
			sub = candidate
		}
	}
	if sub == nil {
		t.Fatal("no follow-up task created")
	}
	if sub.Title != "collect wood for shelter" || sub.Source != task.SourceCognition {
		t.Errorf("follow-up = %q from %q", sub.Title, sub.Source)
	}
	if !sub.HasExecutablePlan() {
		t.Error("follow-up carries no executable steps")
	}
}

func TestReflectionStaysActiveWhenNotExpandable(t *testing.T) {
	p, store := newRigEPlanner(t, `{"steps":[]}`)

	created, err := store.AddTask(context.Background(), &task.AddRequest{
		Title: "Reflect",
		Type:  "cognitive_reflection",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	p.executeTask(context.Background(), created)

	got, _ := store.Get(created.ID)
	if got.Status != task.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.Metadata.NextEligibleAt == nil {
		t.Error("unexpandable reflection was not deferred")
	}
}

func TestMCPOnlyDispatchesThroughFallbackTable(t *testing.T) {
	fx := &botFixture{result: bot.ActionResult{OK: true}}
	p, store := newLivePlanner(t, fx, map[string]string{"MCP_ONLY": "1"})

	created, err := store.AddTask(context.Background(), &task.AddRequest{
		Title: "Mine iron",
		Type:  "mining",
		Steps: []*task.Step{{Label: "collect drops", Meta: &task.StepMeta{Leaf: "collect_item"}}},
		Requirement: &task.Requirement{
			Kind: task.RequireMine, OutputPattern: "iron_ore", Quantity: 3,
		},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	p.executeTask(context.Background(), created)

	dispatched := fx.dispatched()
	if len(dispatched) != 1 || dispatched[0] != "acquire_material" {
		t.Errorf("dispatched = %v, want the task-type fallback acquire_material", dispatched)
	}
}

func TestCraftOutputResolution(t *testing.T) {
	step := &task.Task{Steps: []*task.Step{{Meta: &task.StepMeta{
		Leaf: "craft_recipe", Args: map[string]any{"recipe": "stick"},
	}}}}
	if got := craftOutput(step); got != "stick" {
		t.Errorf("step output = %q", got)
	}

	nonCraft := &task.Task{Steps: []*task.Step{{Meta: &task.StepMeta{Leaf: "collect_item"}}}}
	if got := craftOutput(nonCraft); got != "" {
		t.Errorf("non-craft step output = %q", got)
	}

	fallback := &task.Task{Type: "crafting", Metadata: task.Metadata{Requirement: &task.Requirement{
		Kind: task.RequireCraft, OutputPattern: "stick",
	}}}
	if got := craftOutput(fallback); got != "stick" {
		t.Errorf("requirement output = %q", got)
	}

	if got := craftOutput(&task.Task{Type: "mining"}); got != "" {
		t.Errorf("mining output = %q", got)
	}
}

func TestIsDeterministicFailureCaseInsensitive(t *testing.T) {
	for _, code := range []string{"CONTRACT_VIOLATION", "mapping_failure", "Unknown_Leaf", "invalid_recipe"} {
		if !isDeterministicFailure(code) {
			t.Errorf("%q not classified deterministic", code)
		}
	}
	for _, code := range []string{"", "PATH_BLOCKED", "timeout"} {
		if isDeterministicFailure(code) {
			t.Errorf("%q classified deterministic", code)
		}
	}
}
