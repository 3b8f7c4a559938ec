// Package task defines the planning task domain model and the in-memory
// store that is the single source of truth for task state. Every mutation of
// a task flows through the store so that lifecycle hooks, persistence and
// SSE observers see one consistent ordering.
package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending         Status = "pending"
	StatusActive          Status = "active"
	StatusPendingPlanning Status = "pending_planning"
	StatusPaused          Status = "paused"
	StatusUnplannable     Status = "unplannable"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPendingPlanning, StatusPaused,
		StatusUnplannable, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Source identifies which subsystem created a task.
type Source string

const (
	SourcePlanner    Source = "planner"
	SourceGoal       Source = "goal"
	SourceIntrusive  Source = "intrusive"
	SourceAutonomous Source = "autonomous"
	SourceManual     Source = "manual"
	SourceCognition  Source = "cognition"
)

// OriginKind classifies how a task entered the system. Stamped once at
// finalize time and never mutated afterwards.
type OriginKind string

const (
	OriginAPI          OriginKind = "api"
	OriginCognition    OriginKind = "cognition"
	OriginExecutor     OriginKind = "executor"
	OriginGoalResolver OriginKind = "goal_resolver"
	OriginGoalSource   OriginKind = "goal_source"
	OriginUnknown      OriginKind = "unknown"
)

// Origin records the immutable provenance of a task.
type Origin struct {
	Kind          OriginKind `json:"kind"`
	Name          string     `json:"name,omitempty"`
	ParentTaskID  string     `json:"parentTaskId,omitempty"`
	ParentGoalKey string     `json:"parentGoalKey,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// HoldReason is the typed reason a goal-bound task is held.
type HoldReason string

const (
	HoldManualPause      HoldReason = "manual_pause"
	HoldPreempted        HoldReason = "preempted"
	HoldMaterialsMissing HoldReason = "materials_missing"
	HoldUnsafe           HoldReason = "unsafe"
)

// Hold is a protocol-level pause marker on a goal-bound task.
type Hold struct {
	Reason       HoldReason `json:"reason"`
	HeldAt       time.Time  `json:"heldAt"`
	ResumeHints  []string   `json:"resumeHints,omitempty"`
	NextReviewAt *time.Time `json:"nextReviewAt,omitempty"`
}

// GoalBinding ties a task to the goal protocol control plane.
type GoalBinding struct {
	GoalID     string `json:"goalId,omitempty"`
	GoalKey    string `json:"goalKey,omitempty"`
	GoalType   string `json:"goalType"`
	InstanceID string `json:"instanceId,omitempty"`
	Verifier   string `json:"verifier,omitempty"`
	Hold       *Hold  `json:"hold,omitempty"`
}

// RequirementKind tags the tracked requirement of a task.
type RequirementKind string

const (
	RequireCollect RequirementKind = "collect"
	RequireMine    RequirementKind = "mine"
	RequireCraft   RequirementKind = "craft"
	RequireBuild   RequirementKind = "build"
	RequireExplore RequirementKind = "explore"
)

// Requirement drives inventory-based progress computation and the
// final-completion gate.
type Requirement struct {
	Kind          RequirementKind `json:"kind"`
	OutputPattern string          `json:"outputPattern"`
	Quantity      int             `json:"quantity"`
	Context       string          `json:"context,omitempty"`
}

// StepMeta carries the machine-readable execution contract of a step.
type StepMeta struct {
	Leaf          string         `json:"leaf,omitempty"`
	Args          map[string]any `json:"args,omitempty"`
	Produces      []string       `json:"produces,omitempty"`
	Consumes      []string       `json:"consumes,omitempty"`
	Executable    bool           `json:"executable,omitempty"`
	Blocked       bool           `json:"blocked,omitempty"`
	BlockedReason string         `json:"blockedReason,omitempty"`
	Authority     string         `json:"authority,omitempty"`
	Domain        string         `json:"domain,omitempty"`
	ModuleID      string         `json:"moduleId,omitempty"`
	Workstation   string         `json:"workstation,omitempty"`
	Source        string         `json:"source,omitempty"`
}

// Step is one ordered element of a task plan.
type Step struct {
	ID             string         `json:"id"`
	Label          string         `json:"label"`
	Order          int            `json:"order"`
	Done           bool           `json:"done"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	ActualDuration time.Duration  `json:"actualDuration,omitempty"`
	Meta           *StepMeta      `json:"meta,omitempty"`
}

// IsExecutable reports whether the step carries a machine-executable
// contract (a leaf or an explicit executable flag).
func (s *Step) IsExecutable() bool {
	return s != nil && s.Meta != nil && (s.Meta.Leaf != "" || s.Meta.Executable)
}

// JoinKeys tie a task plan to a specific solver invocation.
type JoinKeys struct {
	PlanID          string `json:"planId,omitempty"`
	SolverID        string `json:"solverId,omitempty"`
	BundleHash      string `json:"bundleHash,omitempty"`
	TraceBundleHash string `json:"traceBundleHash,omitempty"`
}

// RigGReplan tracks feasibility-gate replan scheduling state.
type RigGReplan struct {
	Attempt    int        `json:"attempt"`
	NextAt     *time.Time `json:"nextAt,omitempty"`
	LastDigest string     `json:"lastDigest,omitempty"`
}

// SolverMeta is the reserved solver namespace of task metadata.
type SolverMeta struct {
	StepsDigest            string         `json:"stepsDigest,omitempty"`
	Route                  string         `json:"route,omitempty"`
	CommittedIRDigest      string         `json:"committedIrDigest,omitempty"`
	DedupeNamespace        string         `json:"dedupeNamespace,omitempty"`
	BuildingTemplateID     string         `json:"buildingTemplateId,omitempty"`
	BuildingPlanID         string         `json:"buildingPlanId,omitempty"`
	BuildingSolveJoinKeys  *JoinKeys      `json:"buildingSolveJoinKeys,omitempty"`
	BuildingSolveSubstrate map[string]any `json:"buildingSolveResultSubstrate,omitempty"`
	RigG                   map[string]any `json:"rigG,omitempty"`
	RigGChecked            bool           `json:"rigGChecked,omitempty"`
	RigGReplan             *RigGReplan    `json:"rigGReplan,omitempty"`
	ReplanAttempts         int            `json:"replanAttempts,omitempty"`
	SuggestedParallelism   int            `json:"suggestedParallelism,omitempty"`
	EpisodeHashSlots       map[string]string `json:"episodeHashSlots,omitempty"`
	LastBindingFailure     string         `json:"lastBindingFailure,omitempty"`
	ExecutionBudget        map[string]*StepBudget `json:"executionBudget,omitempty"`
}

// StepBudget accumulates per-step execution budget usage for building leaves.
type StepBudget struct {
	Attempts      int        `json:"attempts"`
	FirstAttempt  *time.Time `json:"firstAttempt,omitempty"`
	LastAttempt   *time.Time `json:"lastAttempt,omitempty"`
}

// Metadata is the typed projection of task metadata. Incoming open-map
// metadata is copied through an explicit allowlist at creation; everything
// else here is owned by the store and the executor.
type Metadata struct {
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
	StartedAt              *time.Time     `json:"startedAt,omitempty"`
	CompletedAt            *time.Time     `json:"completedAt,omitempty"`
	RetryCount             int            `json:"retryCount"`
	MaxRetries             int            `json:"maxRetries"`
	ChildTaskIDs           []string       `json:"childTaskIds,omitempty"`
	Tags                   []string       `json:"tags,omitempty"`
	Requirement            *Requirement   `json:"requirement,omitempty"`
	Origin                 *Origin        `json:"origin,omitempty"`
	GoalBinding            *GoalBinding   `json:"goalBinding,omitempty"`
	Sterling               map[string]any `json:"sterling,omitempty"`
	Solver                 *SolverMeta    `json:"solver,omitempty"`
	BlockedReason          string         `json:"blockedReason,omitempty"`
	BlockedAt              *time.Time     `json:"blockedAt,omitempty"`
	NextEligibleAt         *time.Time     `json:"nextEligibleAt,omitempty"`
	ShadowObservationCount int            `json:"shadowObservationCount,omitempty"`
	VerifyFailCount        int            `json:"verifyFailCount,omitempty"`
	PrereqInjectionCount   int            `json:"prereqInjectionCount,omitempty"`
	ParentTaskID           string         `json:"parentTaskId,omitempty"`
	SubtaskKey             string         `json:"subtaskKey,omitempty"`
	GoalKey                string         `json:"goalKey,omitempty"`
	TaskProvenance         string         `json:"taskProvenance,omitempty"`
	FailReason             string         `json:"failReason,omitempty"`
	FailureCode            string         `json:"failureCode,omitempty"`
	Stage                  string         `json:"_stage,omitempty"`
}

// EnsureSolver returns the solver namespace, allocating it when absent.
func (m *Metadata) EnsureSolver() *SolverMeta {
	if m.Solver == nil {
		m.Solver = &SolverMeta{}
	}
	return m.Solver
}

// Task is the planning task record.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Source      Source         `json:"source"`
	Category    string         `json:"category,omitempty"`
	Priority    float64        `json:"priority"`
	Urgency     float64        `json:"urgency"`
	Progress    float64        `json:"progress"`
	Status      Status         `json:"status"`
	Steps       []*Step        `json:"steps"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Metadata    Metadata       `json:"metadata"`
}

// NonTerminal reports whether the task is still live.
func (t *Task) NonTerminal() bool {
	return t != nil && !t.Status.IsTerminal()
}

// NextExecutableStep returns the first not-done step that carries an
// executable contract, or nil.
func (t *Task) NextExecutableStep() *Step {
	for _, step := range t.Steps {
		if !step.Done && step.IsExecutable() {
			return step
		}
	}
	return nil
}

// HasExecutablePlan reports whether any step carries an executable contract.
func (t *Task) HasExecutablePlan() bool {
	for _, step := range t.Steps {
		if step.IsExecutable() {
			return true
		}
	}
	return false
}

// GoalBinding returns the task's binding, or nil.
func (t *Task) GoalBinding() *GoalBinding {
	if t == nil {
		return nil
	}
	return t.Metadata.GoalBinding
}

// VerificationStatus classifies the outcome of a step verification.
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationSkipped  VerificationStatus = "skipped"
	VerificationFailed   VerificationStatus = "failed"
)

// ActionVerification is the ephemeral per-step verification record.
type ActionVerification struct {
	TaskID         string             `json:"taskId"`
	StepID         string             `json:"stepId"`
	ActionType     string             `json:"actionType"`
	ExpectedResult string             `json:"expectedResult,omitempty"`
	ActualResult   string             `json:"actualResult,omitempty"`
	Verified       bool               `json:"verified"`
	Status         VerificationStatus `json:"status"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Clone returns a deep-enough copy of the task for read-only observers.
// Steps and maps are copied; observers must not mutate nested values.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	dup := *t
	dup.Steps = make([]*Step, len(t.Steps))
	for i, step := range t.Steps {
		s := *step
		if step.Meta != nil {
			meta := *step.Meta
			s.Meta = &meta
		}
		dup.Steps[i] = &s
	}
	if t.Parameters != nil {
		dup.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			dup.Parameters[k] = v
		}
	}
	if t.Metadata.GoalBinding != nil {
		binding := *t.Metadata.GoalBinding
		if binding.Hold != nil {
			hold := *binding.Hold
			binding.Hold = &hold
		}
		dup.Metadata.GoalBinding = &binding
	}
	if t.Metadata.Solver != nil {
		solver := *t.Metadata.Solver
		dup.Metadata.Solver = &solver
	}
	return &dup
}
