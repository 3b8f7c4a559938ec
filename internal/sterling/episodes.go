package sterling

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"steve/internal/events"
	"steve/internal/task"
)

// Episode outcome classes reported back to the solver.
const (
	OutcomeExecutionSuccess = "EXECUTION_SUCCESS"
	OutcomeExecutionFailure = "EXECUTION_FAILURE"
)

const episodeWarnCacheSize = 1000

// EpisodeReporter ties execution outcomes of building tasks back to the
// solver invocation that produced their plan.
type EpisodeReporter struct {
	adapter   *Adapter
	warnCache *lru.Cache[string, struct{}]
	debug     bool
}

func newEpisodeReporter(adapter *Adapter) *EpisodeReporter {
	cache, _ := lru.New[string, struct{}](episodeWarnCacheSize)
	return &EpisodeReporter{adapter: adapter, warnCache: cache}
}

// SetDebug toggles verbose episode logging.
func (r *EpisodeReporter) SetDebug(debug bool) { r.debug = debug }

type episodeReport struct {
	TaskID       string         `json:"taskId"`
	Domain       string         `json:"domain"`
	OutcomeClass string         `json:"outcomeClass"`
	TemplateID   string         `json:"templateId,omitempty"`
	PlanID       string         `json:"planId,omitempty"`
	JoinKeys     *task.JoinKeys `json:"joinKeys,omitempty"`
	StepsDigest  string         `json:"stepsDigest,omitempty"`
	SearchStats  map[string]any `json:"searchStats,omitempty"`
}

type episodeAck struct {
	EpisodeHash string `json:"episodeHash"`
}

// ReportTerminal reports a building task's terminal outcome. Fire-and-forget:
// failures log and return; the ack's episode hash is persisted into the
// solver slot by re-reading the latest task so concurrent mutations are not
// clobbered. The solve-result substrate is cleared after consumption.
func (r *EpisodeReporter) ReportTerminal(ctx context.Context, store *task.Store, emitter task.Emitter, t *task.Task) {
	solver := t.Metadata.Solver
	if solver == nil || domainForTaskType(t.Type) != DomainBuilding {
		return
	}

	report := episodeReport{
		TaskID:       t.ID,
		Domain:       DomainBuilding,
		TemplateID:   solver.BuildingTemplateID,
		PlanID:       solver.BuildingPlanID,
		StepsDigest:  solver.StepsDigest,
		OutcomeClass: r.classifyOutcome(t, solver),
	}

	if keys := solver.BuildingSolveJoinKeys; r.joinKeysCoherent(t.ID, keys, solver.BuildingPlanID) {
		report.JoinKeys = keys
	}
	if substrate := solver.BuildingSolveSubstrate; substrate != nil {
		if stats, ok := substrate["searchStats"].(map[string]any); ok {
			report.SearchStats = stats
		}
	}

	if r.debug {
		r.adapter.logger.Debug("episode report for %s: %s (planId=%s)", t.ID, report.OutcomeClass, report.PlanID)
	}

	var ack episodeAck
	if err := r.adapter.postJSON(ctx, "/episodes", report, &ack); err != nil {
		r.adapter.logger.Warn("episode report for %s failed: %v", t.ID, err)
		return
	}

	if ack.EpisodeHash != "" && report.PlanID != "" {
		// Re-read the latest task state before persisting the hash.
		if err := store.Mutate(t.ID, func(latest *task.Task) {
			s := latest.Metadata.EnsureSolver()
			if s.EpisodeHashSlots == nil {
				s.EpisodeHashSlots = make(map[string]string)
			}
			s.EpisodeHashSlots[report.PlanID] = ack.EpisodeHash
			s.BuildingSolveSubstrate = nil
		}); err != nil {
			r.adapter.logger.Warn("persist episode hash for %s: %v", t.ID, err)
		}
	}

	if emitter != nil {
		emitter.Emit(events.Event{Type: events.TypeEpisodeReported, TaskID: t.ID, Data: map[string]any{
			"outcomeClass": report.OutcomeClass,
			"planId":       report.PlanID,
		}})
	}
}

// joinKeysCoherent validates the plan linkage: keys must name this task's
// plan, and when a solverId is present it must be ours. Incoherent keys omit
// linkage hashes from the report rather than poisoning solver attribution.
func (r *EpisodeReporter) joinKeysCoherent(taskID string, keys *task.JoinKeys, planID string) bool {
	if keys == nil {
		r.warnOnce(taskID, "missing_join_keys", "no join keys; omitting linkage hashes")
		return false
	}
	if keys.PlanID != planID {
		r.warnOnce(taskID, "plan_id_mismatch",
			fmt.Sprintf("join keys planId %q != task planId %q", keys.PlanID, planID))
		return false
	}
	if keys.SolverID != "" && keys.SolverID != BuildingSolverID {
		r.warnOnce(taskID, "solver_id_mismatch",
			fmt.Sprintf("join keys solverId %q is not %s", keys.SolverID, BuildingSolverID))
		return false
	}
	return true
}

func (r *EpisodeReporter) warnOnce(taskID, reasonCategory, message string) {
	key := taskID + "|" + DomainBuilding + "|" + reasonCategory
	if _, seen := r.warnCache.Get(key); seen {
		return
	}
	r.warnCache.Add(key, struct{}{})
	r.adapter.logger.Warn("episode linkage for %s: %s", taskID, message)
}

// classifyOutcome picks the outcome class. A failure with a coherent
// substrate (bundle hash matching the join keys, same planId) may carry a
// richer class from the solve result; anything else degrades to the generic
// failure class.
func (r *EpisodeReporter) classifyOutcome(t *task.Task, solver *task.SolverMeta) string {
	if t.Status == task.StatusCompleted {
		return OutcomeExecutionSuccess
	}

	substrate := solver.BuildingSolveSubstrate
	keys := solver.BuildingSolveJoinKeys
	if substrate == nil || keys == nil {
		return OutcomeExecutionFailure
	}
	bundleHash, _ := substrate["bundleHash"].(string)
	planID, _ := substrate["planId"].(string)
	if bundleHash != keys.BundleHash || planID != solver.BuildingPlanID {
		return OutcomeExecutionFailure
	}
	if class, ok := substrate["outcomeClass"].(string); ok && class != "" {
		return class
	}
	return OutcomeExecutionFailure
}
