package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"steve/internal/bot"
	"steve/internal/cognition"
	"steve/internal/config"
	"steve/internal/events"
	"steve/internal/executor"
	"steve/internal/goal"
	"steve/internal/sterling"
	"steve/internal/task"
)

type stubPlanner struct{}

func (stubPlanner) GeneratePlan(_ context.Context, t *task.Task) (*task.PlanResult, error) {
	return &task.PlanResult{Steps: []*task.Step{{
		Label: "do " + t.Title,
		Meta:  &task.StepMeta{Leaf: "collect_item"},
	}}}, nil
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *task.Store, *executor.Planner) {
	t.Helper()
	store := task.NewStore(nil, task.WithPlanner(stubPlanner{}))
	planner := executor.NewPlanner(config.Load(config.MapEnvLookup(nil)), executor.Deps{Store: store})
	s := New(Config{
		Addr:           ":0",
		EmergencyToken: token,
		Store:          store,
		Manager:        goal.NewManager(store, nil),
		Planner:        planner,
		Bus:            events.NewBus(nil),
	})
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)
	return srv, store, planner
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, store, _ := newTestServer(t, "")

	body := `{"title":"Mine iron ore","type":"mining","priority":"high"}`
	resp, err := http.Post(srv.URL+"/task", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created task.Task
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Priority != 0.8 {
		t.Errorf("priority = %v", created.Priority)
	}

	got, err := http.Get(srv.URL + "/task/" + created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", got.StatusCode)
	}

	list, err := http.Get(srv.URL + "/tasks?status=pending")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer list.Body.Close()
	var listing struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listing); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listing.Count != 1 {
		t.Errorf("count = %d", listing.Count)
	}

	pause, err := http.Post(srv.URL+"/task/"+created.ID+"/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	defer pause.Body.Close()
	if pause.StatusCode != http.StatusOK {
		t.Errorf("pause status = %d", pause.StatusCode)
	}
	paused, _ := store.Get(created.ID)
	if paused.Status != task.StatusPaused {
		t.Errorf("status after pause = %q", paused.Status)
	}
}

func TestAddTaskRejectsBadBody(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp, err := http.Post(srv.URL+"/task", "application/json", strings.NewReader(`{"type":"mining"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("untitled task status = %d", resp.StatusCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/task/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGoalEndpointDisabledWithoutResolver(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp, err := http.Post(srv.URL+"/goal", "application/json", strings.NewReader(`{"goalType":"building"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestEmergencyStopAuth(t *testing.T) {
	srv, _, planner := newTestServer(t, "hunter2")

	// Missing token.
	resp, err := http.Post(srv.URL+"/executor/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no-token status = %d", resp.StatusCode)
	}
	if planner.Stop().Engaged() {
		t.Fatal("stop engaged without auth")
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/executor/stop?reason=test_halt", nil)
	req.Header.Set("x-emergency-token", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authorized stop status = %d", resp.StatusCode)
	}
	if !planner.Stop().Engaged() || planner.Stop().Reason() != "test_halt" {
		t.Error("stop not engaged")
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/executor/resume", nil)
	req.Header.Set("x-emergency-token", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if planner.Stop().Engaged() {
		t.Error("resume did not release the stop")
	}
}

func TestAddTaskAcksOriginatingThought(t *testing.T) {
	var mu sync.Mutex
	var acks []map[string]any
	cogSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/thoughts/ack" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Acks []map[string]any `json:"acks"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		acks = append(acks, body.Acks...)
		mu.Unlock()
	}))
	t.Cleanup(cogSrv.Close)

	outbox := cognition.NewOutbox(cogSrv.URL, nil)
	outbox.Start()

	store := task.NewStore(nil, task.WithPlanner(stubPlanner{}))
	planner := executor.NewPlanner(config.Load(config.MapEnvLookup(nil)), executor.Deps{Store: store})
	s := New(Config{
		Addr:      ":0",
		Store:     store,
		Manager:   goal.NewManager(store, nil),
		Planner:   planner,
		Bus:       events.NewBus(nil),
		Cognition: outbox,
	})
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	body := `{"title":"Investigate cave sounds","type":"exploration","parameters":{"thoughtId":"th-9"}}`
	resp, err := http.Post(srv.URL+"/task", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created task.Task
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Stop forces the terminal flush, so the ack has been delivered by the
	// time it returns.
	outbox.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(acks) != 1 {
		t.Fatalf("acks delivered = %d, want 1", len(acks))
	}
	if acks[0]["thoughtId"] != "th-9" || acks[0]["taskId"] != created.ID {
		t.Errorf("ack = %+v", acks[0])
	}
}

func TestNavigationSolveCarriesWorldScan(t *testing.T) {
	botSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/world-scan" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"grid": base64.StdEncoding.EncodeToString([]byte{1, 0, 1}),
			"dimX": 3, "dimY": 1, "dimZ": 1,
		})
	}))
	t.Cleanup(botSrv.Close)

	var mu sync.Mutex
	var solveReq map[string]any
	sterlingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/navigation/solve" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&solveReq)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"path": []any{}})
	}))
	t.Cleanup(sterlingSrv.Close)

	store := task.NewStore(nil, task.WithPlanner(stubPlanner{}))
	planner := executor.NewPlanner(config.Load(config.MapEnvLookup(nil)), executor.Deps{Store: store})
	s := New(Config{
		Addr:    ":0",
		Store:   store,
		Manager: goal.NewManager(store, nil),
		Planner: planner,
		Bus:     events.NewBus(nil),
		Solver:  sterling.NewAdapter(sterlingSrv.URL, nil),
		Bot:     bot.NewClient(botSrv.URL, nil),
	})
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	body := `{"start":{"x":0,"y":64,"z":0},"goal":{"x":2,"y":64,"z":2}}`
	resp, err := http.Post(srv.URL+"/solve-navigation", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("solve status = %d", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	grid, ok := solveReq["worldGrid"].(map[string]any)
	if !ok {
		t.Fatal("navigation solve request carried no worldGrid")
	}
	if cells, _ := grid["cells"].(string); cells == "" {
		t.Error("worldGrid cells missing")
	}
	if grid["minX"] != float64(-5) || grid["minY"] != float64(59) || grid["minZ"] != float64(-5) {
		t.Errorf("worldGrid bounds = %v/%v/%v", grid["minX"], grid["minY"], grid["minZ"])
	}
	if grid["dimX"] != float64(3) || grid["dimY"] != float64(1) || grid["dimZ"] != float64(1) {
		t.Errorf("worldGrid dims = %v/%v/%v", grid["dimX"], grid["dimY"], grid["dimZ"])
	}
}

func TestEmergencyStopForbiddenWithoutConfiguredToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/executor/stop", nil)
	req.Header.Set("x-emergency-token", "anything")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
