package budget

import (
	"sort"
	"sync"
	"time"

	"github.com/strands-agents/costguard/pkg/policy"
	"github.com/strands-agents/costguard/pkg/store"
)

// ScopeKey encodes the concrete identifiers a budget state is tracked
// under: "{scope}:{ids...}:{budget_id}" with levels below the budget's
// scope omitted.
func ScopeKey(spec *policy.BudgetSpec, rs policy.RunScope) string {
	switch spec.Scope {
	case policy.ScopeTenant:
		return "tenant:" + rs.TenantID + ":" + spec.ID
	case policy.ScopeStrand:
		return "strand:" + rs.TenantID + ":" + rs.StrandID + ":" + spec.ID
	case policy.ScopeWorkflow:
		return "workflow:" + rs.TenantID + ":" + rs.StrandID + ":" + rs.WorkflowID + ":" + spec.ID
	default:
		return "global:" + spec.ID
	}
}

// budgetEntry is the in-memory BudgetState for one (budget, scope key).
type budgetEntry struct {
	// id and scopeKey are immutable; a budget's ID never changes across
	// policy reloads because the scope key embeds it.
	id       string
	scopeKey string

	mu sync.Mutex

	// spec is refreshed on every lookup so entries follow policy reloads.
	// Guarded by mu, like the counters it limits.
	spec *policy.BudgetSpec

	periodStart time.Time
	periodEnd   time.Time

	totalCost    float64
	totalRuns    int64
	inputTokens  int64
	outputTokens int64
	iterations   int64
	toolCalls    int64
	modelCosts   map[string]float64
	toolCosts    map[string]float64

	// concurrent maps run ID to admission time; admission order bounds
	// the set and drives eviction of abandoned runs.
	concurrent map[string]time.Time

	// crossed holds the soft thresholds already signaled this period.
	crossed map[float64]bool

	// storeVersion is the last version observed from the persistent store.
	storeVersion int64
}

func newBudgetEntry(spec *policy.BudgetSpec, scopeKey string, now time.Time) *budgetEntry {
	e := &budgetEntry{
		id:         spec.ID,
		scopeKey:   scopeKey,
		spec:       spec,
		modelCosts: make(map[string]float64),
		toolCosts:  make(map[string]float64),
		concurrent: make(map[string]time.Time),
		crossed:    make(map[float64]bool),
	}
	e.periodStart, e.periodEnd = Window(spec.Period, now)
	return e
}

// rolloverLocked resets the counters when now has reached the period end.
// The concurrent-run set is preserved: runs span periods.
// Caller must hold mu.
func (e *budgetEntry) rolloverLocked(now time.Time) {
	if now.Before(e.periodEnd) {
		return
	}
	e.periodStart, e.periodEnd = Window(e.spec.Period, now)
	e.totalCost = 0
	e.totalRuns = 0
	e.inputTokens = 0
	e.outputTokens = 0
	e.iterations = 0
	e.toolCalls = 0
	e.modelCosts = make(map[string]float64)
	e.toolCosts = make(map[string]float64)
	e.crossed = make(map[float64]bool)
	e.storeVersion = 0
}

// utilizationLocked returns total_cost / max_cost, or 0 when the budget
// does not cap cost. Caller must hold mu.
func (e *budgetEntry) utilizationLocked() float64 {
	if e.spec.MaxCost <= 0 {
		return 0
	}
	return e.totalCost / e.spec.MaxCost
}

// hardLimitedLocked reports whether the hard limit is currently exceeded.
// Caller must hold mu.
func (e *budgetEntry) hardLimitedLocked() bool {
	return e.spec.HardLimit && e.spec.MaxCost > 0 && e.utilizationLocked() >= 1.0
}

// detectCrossingsLocked returns the soft thresholds newly crossed at the
// current utilization, marking them signaled. Crossing at exactly the
// threshold counts. Detection is monotone within a period. Caller must
// hold mu.
func (e *budgetEntry) detectCrossingsLocked() []float64 {
	if e.spec.MaxCost <= 0 {
		return nil
	}
	u := e.utilizationLocked()
	var newly []float64
	for _, t := range e.spec.SoftThresholds {
		if t <= u && !e.crossed[t] {
			e.crossed[t] = true
			newly = append(newly, t)
		}
	}
	return newly
}

// softExceededLocked reports whether any soft threshold is at or below the
// current utilization. Action gating uses this rather than the crossed set,
// which only records local crossing events and does not survive counter
// adoption from a shared store. Caller must hold mu.
func (e *budgetEntry) softExceededLocked() bool {
	if e.spec.MaxCost <= 0 {
		return false
	}
	u := e.utilizationLocked()
	for _, t := range e.spec.SoftThresholds {
		if t <= u {
			return true
		}
	}
	return false
}

// crossedListLocked returns the signaled thresholds in ascending order.
// Caller must hold mu.
func (e *budgetEntry) crossedListLocked() []float64 {
	out := make([]float64, 0, len(e.crossed))
	for t := range e.crossed {
		out = append(out, t)
	}
	sort.Float64s(out)
	return out
}

// addConcurrentLocked admits a run into the concurrent set, evicting the
// oldest entries beyond twice the configured cap so abandoned runs cannot
// occupy slots forever. Caller must hold mu.
func (e *budgetEntry) addConcurrentLocked(runID string, now time.Time) {
	e.concurrent[runID] = now
	if e.spec.MaxConcurrentRuns <= 0 {
		return
	}
	bound := e.spec.MaxConcurrentRuns * 2
	for len(e.concurrent) > bound {
		oldestID := ""
		var oldest time.Time
		for id, at := range e.concurrent {
			if oldestID == "" || at.Before(oldest) {
				oldestID, oldest = id, at
			}
		}
		delete(e.concurrent, oldestID)
	}
}

// toData converts the entry to its wire record. Caller must hold mu.
func (e *budgetEntry) toDataLocked() *store.BudgetStateData {
	runIDs := make([]string, 0, len(e.concurrent))
	for id := range e.concurrent {
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)
	return &store.BudgetStateData{
		BudgetID:          e.spec.ID,
		ScopeKey:          e.scopeKey,
		PeriodStart:       e.periodStart,
		PeriodEnd:         e.periodEnd,
		TotalCost:         e.totalCost,
		TotalRuns:         e.totalRuns,
		TotalInputTokens:  e.inputTokens,
		TotalOutputTokens: e.outputTokens,
		TotalIterations:   e.iterations,
		TotalToolCalls:    e.toolCalls,
		ModelCosts:        copyCosts(e.modelCosts),
		ToolCosts:         copyCosts(e.toolCosts),
		ConcurrentRunIDs:  runIDs,
	}
}

// adoptLocked replaces the entry's counters with store data for the current
// window. Crossed thresholds stay local: the fleet-wide crossing guarantee
// is at-least-once per instance. Caller must hold mu.
func (e *budgetEntry) adoptLocked(data *store.BudgetStateData, version int64, admittedAt time.Time) {
	e.totalCost = data.TotalCost
	e.totalRuns = data.TotalRuns
	e.inputTokens = data.TotalInputTokens
	e.outputTokens = data.TotalOutputTokens
	e.iterations = data.TotalIterations
	e.toolCalls = data.TotalToolCalls
	e.modelCosts = copyCosts(data.ModelCosts)
	e.toolCosts = copyCosts(data.ToolCosts)
	e.storeVersion = version

	merged := make(map[string]time.Time, len(data.ConcurrentRunIDs))
	for _, id := range data.ConcurrentRunIDs {
		if at, ok := e.concurrent[id]; ok {
			merged[id] = at
		} else {
			merged[id] = admittedAt
		}
	}
	e.concurrent = merged
}

func copyCosts(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// statusLocked builds a BudgetStatus view. Caller must hold mu.
func (e *budgetEntry) statusLocked() BudgetStatus {
	remaining := 0.0
	if e.spec.MaxCost > 0 {
		remaining = e.spec.MaxCost - e.totalCost
		if remaining < 0 {
			remaining = 0
		}
	}
	return BudgetStatus{
		BudgetID:          e.spec.ID,
		ScopeKey:          e.scopeKey,
		Period:            e.spec.Period,
		PeriodStart:       e.periodStart,
		PeriodEnd:         e.periodEnd,
		MaxCost:           e.spec.MaxCost,
		TotalCost:         e.totalCost,
		Utilization:       e.utilizationLocked(),
		RemainingBudget:   remaining,
		TotalRuns:         e.totalRuns,
		ConcurrentRuns:    len(e.concurrent),
		ThresholdsCrossed: e.crossedListLocked(),
	}
}

// runEntry is the mutable RunState for one run.
type runEntry struct {
	mu sync.Mutex

	ctx     RunContext
	status  RunStatus
	endedAt time.Time

	iterations   int
	totalCost    float64
	inputTokens  int64
	outputTokens int64
	toolCalls    int
	modelCosts   map[string]float64
	toolCosts    map[string]float64

	latencySumMS float64
	latencyCount int64

	// halted is set by a HALT_RUN hard limit; every later before_* hook
	// observes it and denies.
	halted bool

	// admittedKeys are the budget scope keys whose concurrent sets hold
	// this run, captured at admission for removal at run end.
	admittedKeys []string
}

func newRunEntry(rc RunContext) *runEntry {
	return &runEntry{
		ctx:        rc,
		status:     StatusRunning,
		modelCosts: make(map[string]float64),
		toolCosts:  make(map[string]float64),
	}
}

// snapshotLocked copies the run state. Caller must hold mu.
func (r *runEntry) snapshotLocked() RunSnapshot {
	avg := 0.0
	if r.latencyCount > 0 {
		avg = r.latencySumMS / float64(r.latencyCount)
	}
	return RunSnapshot{
		Context:      r.ctx,
		Status:       r.status,
		EndedAt:      r.endedAt,
		Iterations:   r.iterations,
		TotalCost:    r.totalCost,
		InputTokens:  r.inputTokens,
		OutputTokens: r.outputTokens,
		ToolCalls:    r.toolCalls,
		ModelCosts:   copyCosts(r.modelCosts),
		ToolCosts:    copyCosts(r.toolCosts),
		AvgLatencyMS: avg,
	}
}
