// Package server exposes the planning HTTP surface: task CRUD, goal
// resolution, solver passthroughs, the emergency stop and the SSE event
// stream.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"steve/internal/bot"
	"steve/internal/cognition"
	"steve/internal/events"
	"steve/internal/executor"
	"steve/internal/goal"
	"steve/internal/logging"
	"steve/internal/sterling"
	"steve/internal/task"
)

// worldScanMargin pads the navigation scan volume around the start and goal
// so the solver sees the terrain it may path through.
const worldScanMargin = 5

// Server is the planning HTTP API.
type Server struct {
	store     *task.Store
	resolver  *goal.Resolver
	manager   *goal.Manager
	solver    *sterling.Adapter
	planner   *executor.Planner
	bot       *bot.Client
	cognition *cognition.Outbox
	bus       *events.Bus
	gatherer  prometheus.Gatherer
	logger    logging.Logger

	emergencyToken string

	httpServer *http.Server
}

// Config wires the server's collaborators.
type Config struct {
	Addr           string
	EmergencyToken string
	Store          *task.Store
	Resolver       *goal.Resolver
	Manager        *goal.Manager
	Solver         *sterling.Adapter
	Planner        *executor.Planner
	Bot            *bot.Client
	Cognition      *cognition.Outbox
	Bus            *events.Bus
	Gatherer       prometheus.Gatherer
	Logger         logging.Logger
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		store:          cfg.Store,
		resolver:       cfg.Resolver,
		manager:        cfg.Manager,
		solver:         cfg.Solver,
		planner:        cfg.Planner,
		bot:            cfg.Bot,
		cognition:      cfg.Cognition,
		bus:            cfg.Bus,
		gatherer:       cfg.Gatherer,
		logger:         logging.OrNop(cfg.Logger),
		emergencyToken: cfg.EmergencyToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /task", s.handleAddTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	mux.HandleFunc("POST /task/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /task/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /task/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /goal", s.handleGoal)
	mux.HandleFunc("GET /sterling/health", s.handleSterlingHealth)
	mux.HandleFunc("POST /sterling/crafting/solve", s.handleCraftingSolve)
	mux.HandleFunc("POST /solve-navigation", s.handleNavigationSolve)
	mux.HandleFunc("POST /executor/stop", s.handleEmergencyStop)
	mux.HandleFunc("POST /executor/resume", s.handleEmergencyResume)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("planning API listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type addTaskBody struct {
	Title       string         `json:"title"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Source      string         `json:"source"`
	Category    string         `json:"category"`
	Priority    any            `json:"priority"`
	Urgency     any            `json:"urgency"`
	Parameters  map[string]any `json:"parameters"`
	Metadata    map[string]any `json:"metadata"`
	MaxRetries  int            `json:"maxRetries"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var body addTaskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	created, err := s.store.AddTask(r.Context(), &task.AddRequest{
		Title:       body.Title,
		Type:        body.Type,
		Description: body.Description,
		Source:      task.Source(body.Source),
		Category:    body.Category,
		Priority:    body.Priority,
		Urgency:     body.Urgency,
		Parameters:  body.Parameters,
		Metadata:    body.Metadata,
		MaxRetries:  body.MaxRetries,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Thought-sourced tasks carry the originating thought id; acknowledging it
	// closes the cognition loop so the thought is not re-proposed.
	if s.cognition != nil {
		if thoughtID, ok := body.Parameters["thoughtId"].(string); ok && thoughtID != "" {
			s.cognition.AckThought(thoughtID, created.ID)
		}
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	tasks := s.store.Tasks(task.Filter{
		Status:   task.Status(q.Get("status")),
		Source:   task.Source(q.Get("source")),
		Category: q.Get("category"),
		Limit:    limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.managementAction(w, r, s.manager.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.managementAction(w, r, s.manager.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.managementAction(w, r, s.manager.Cancel)
}

func (s *Server) managementAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := r.PathValue("id")
	if err := action(id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": id, "ok": true})
}

type goalBody struct {
	GoalType     string         `json:"goalType"`
	IntentParams any            `json:"intentParams"`
	Verifier     string         `json:"verifier"`
	GoalID       string         `json:"goalId"`
	BotPosition  *goal.Position `json:"botPosition"`
}

func (s *Server) handleGoal(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("goal resolver disabled"))
		return
	}
	var body goalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.GoalType == "" {
		writeError(w, http.StatusBadRequest, errors.New("goalType required"))
		return
	}
	resolution, err := s.resolver.ResolveOrCreate(r.Context(), goal.ResolveRequest{
		GoalType:     body.GoalType,
		IntentParams: body.IntentParams,
		Verifier:     body.Verifier,
		GoalID:       body.GoalID,
		BotPosition:  body.BotPosition,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *Server) handleSterlingHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.solver.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCraftingSolve(w http.ResponseWriter, r *http.Request) {
	var request map[string]any
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	s.domainSolve(w, r, sterling.DomainCrafting, request)
}

func (s *Server) handleNavigationSolve(w http.ResponseWriter, r *http.Request) {
	var request map[string]any
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	s.attachWorldScan(r.Context(), request)
	s.domainSolve(w, r, sterling.DomainNavigation, request)
}

func (s *Server) domainSolve(w http.ResponseWriter, r *http.Request, domain string, request map[string]any) {
	solver, err := s.solver.Solver(domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := solver.Solve(r.Context(), request)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// attachWorldScan enriches a navigation solve request with the occupancy grid
// spanning start and goal. Requests without usable coordinates, and scans that
// fail, pass through unenriched; the solver then falls back to its own model.
func (s *Server) attachWorldScan(ctx context.Context, request map[string]any) {
	if s.bot == nil || request["worldGrid"] != nil {
		return
	}
	start, ok := coordsFromMap(request["start"])
	if !ok {
		return
	}
	goalPos, ok := coordsFromMap(request["goal"])
	if !ok {
		return
	}

	x1 := min(start[0], goalPos[0]) - worldScanMargin
	y1 := min(start[1], goalPos[1]) - worldScanMargin
	z1 := min(start[2], goalPos[2]) - worldScanMargin
	x2 := max(start[0], goalPos[0]) + worldScanMargin
	y2 := max(start[1], goalPos[1]) + worldScanMargin
	z2 := max(start[2], goalPos[2]) + worldScanMargin

	grid, err := s.bot.WorldScan(ctx, x1, y1, z1, x2, y2, z2)
	if err != nil {
		s.logger.Warn("world scan for navigation solve: %v", err)
		return
	}
	request["worldGrid"] = map[string]any{
		"minX":  grid.MinX,
		"minY":  grid.MinY,
		"minZ":  grid.MinZ,
		"dimX":  grid.DimX,
		"dimY":  grid.DimY,
		"dimZ":  grid.DimZ,
		"cells": base64.StdEncoding.EncodeToString(grid.Cells),
	}
}

// coordsFromMap reads a {x,y,z} object into block coordinates.
func coordsFromMap(v any) ([3]int, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return [3]int{}, false
	}
	var out [3]int
	for i, key := range []string{"x", "y", "z"} {
		f, ok := m[key].(float64)
		if !ok {
			return [3]int{}, false
		}
		out[i] = int(f)
	}
	return out, true
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeEmergency(w, r) {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator_stop"
	}
	s.logger.Warn("emergency stop engaged: %s", reason)
	s.planner.Stop().Engage(reason)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "reason": reason})
}

func (s *Server) handleEmergencyResume(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeEmergency(w, r) {
		return
	}
	s.logger.Info("emergency stop released")
	s.planner.Stop().Reset()
	writeJSON(w, http.StatusOK, map[string]any{"stopped": false})
}

func (s *Server) authorizeEmergency(w http.ResponseWriter, r *http.Request) bool {
	if s.emergencyToken == "" {
		writeError(w, http.StatusForbidden, errors.New("emergency control disabled: no token configured"))
		return false
	}
	if r.Header.Get("x-emergency-token") != s.emergencyToken {
		writeError(w, http.StatusUnauthorized, errors.New("bad emergency token"))
		return false
	}
	return true
}

// handleEvents streams lifecycle events as SSE: retained history first, then
// live events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	for _, evt := range s.bus.History() {
		writeSSE(w, evt)
	}
	flusher.Flush()

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, evt events.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
