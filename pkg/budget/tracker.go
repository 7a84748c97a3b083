package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strands-agents/costguard/pkg/policy"
	"github.com/strands-agents/costguard/pkg/pricing"
	"github.com/strands-agents/costguard/pkg/store"
)

// PolicyProvider resolves the budgets and pricing that apply to a run scope.
// *policy.Store satisfies it.
type PolicyProvider interface {
	BudgetsFor(ctx context.Context, scope policy.RunScope) []*policy.BudgetSpec
	Pricing(ctx context.Context) *pricing.Table
}

// Config configures a Tracker.
type Config struct {
	// Policies resolves applicable budgets and the pricing table. Required.
	Policies PolicyProvider

	// Store is the optional shared persistence backend. Nil keeps all
	// accounting in memory.
	Store store.Store

	// StoreTimeout bounds each store round trip. Defaults to 2s.
	StoreTimeout time.Duration

	// CASAttempts bounds the compare-and-set retry loop. Defaults to 8.
	CASAttempts int

	// GraceWindow is how long an ended run keeps accepting late usage
	// reports. Defaults to 5m.
	GraceWindow time.Duration

	// Logger receives store degradation and late-report warnings.
	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Tracker maintains budget and run accounting and answers admission checks.
// Safe for concurrent use.
type Tracker struct {
	policies     PolicyProvider
	store        store.Store
	storeTimeout time.Duration
	casAttempts  int
	grace        time.Duration
	logger       *slog.Logger
	clock        func() time.Time

	// storeHealthy gates store round trips after a backend failure until a
	// recovery probe succeeds.
	storeHealthy atomic.Bool

	mu      sync.Mutex
	runs    map[string]*runEntry
	retired map[string]*runEntry
	budgets map[string]*budgetEntry
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = 8
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "budget.tracker")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	t := &Tracker{
		policies:     cfg.Policies,
		store:        cfg.Store,
		storeTimeout: cfg.StoreTimeout,
		casAttempts:  cfg.CASAttempts,
		grace:        cfg.GraceWindow,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		runs:         make(map[string]*runEntry),
		retired:      make(map[string]*runEntry),
		budgets:      make(map[string]*budgetEntry),
	}
	t.storeHealthy.Store(true)
	return t
}

// entriesFor resolves the budget entries applicable to a scope, creating
// missing ones and refreshing specs after policy reloads. The result is
// ordered ascending by (budget_id, scope_key) so callers can lock entries
// without deadlocking each other.
func (t *Tracker) entriesFor(ctx context.Context, scope policy.RunScope) []*budgetEntry {
	specs := t.policies.BudgetsFor(ctx, scope)
	if len(specs) == 0 {
		return nil
	}
	now := t.clock()

	t.mu.Lock()
	entries := make([]*budgetEntry, 0, len(specs))
	for _, spec := range specs {
		key := ScopeKey(spec, scope)
		e, ok := t.budgets[key]
		if !ok {
			e = newBudgetEntry(spec, key, now)
			t.budgets[key] = e
		} else {
			e.mu.Lock()
			e.spec = spec
			e.mu.Unlock()
		}
		entries = append(entries, e)
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].id != entries[j].id {
			return entries[i].id < entries[j].id
		}
		return entries[i].scopeKey < entries[j].scopeKey
	})
	return entries
}

func lockAll(entries []*budgetEntry) {
	for _, e := range entries {
		e.mu.Lock()
	}
}

func unlockAll(entries []*budgetEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].mu.Unlock()
	}
}

// refreshLocked rolls the entry's window forward and pulls fresh counters
// from the store when one is configured and healthy. Caller must hold e.mu.
func (t *Tracker) refreshLocked(ctx context.Context, e *budgetEntry, now time.Time) {
	e.rolloverLocked(now)
	if !t.storeUsable() {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()
	data, version, err := t.store.Get(sctx, e.scopeKey)
	if err != nil {
		t.degradeStore(err)
		return
	}
	if data != nil && data.PeriodStart.Equal(e.periodStart) {
		e.adoptLocked(data, version, now)
	}
}

// mutateLocked applies a counter mutation to the entry and, when a store is
// configured, publishes it through a bounded read-apply-CAS loop. On
// conflict exhaustion or backend failure the mutation stays local and a
// warning is returned. Caller must hold e.mu.
func (t *Tracker) mutateLocked(ctx context.Context, e *budgetEntry, now time.Time, apply func(*budgetEntry)) []string {
	if !t.storeUsable() {
		apply(e)
		return nil
	}
	for attempt := 0; attempt < t.casAttempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
		data, version, err := t.store.Get(sctx, e.scopeKey)
		cancel()
		if err != nil {
			t.degradeStore(err)
			apply(e)
			return []string{fmt.Sprintf("budget %q: store unavailable, accounting locally: %v", e.spec.ID, err)}
		}
		if data != nil && data.PeriodStart.Equal(e.periodStart) {
			e.adoptLocked(data, version, now)
		} else {
			version = 0
			e.storeVersion = 0
		}
		apply(e)

		sctx, cancel = context.WithTimeout(ctx, t.storeTimeout)
		err = t.store.CompareAndSet(sctx, e.scopeKey, version, e.toDataLocked(), e.periodEnd)
		cancel()
		if err == nil {
			e.storeVersion = version + 1
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		t.degradeStore(err)
		return []string{fmt.Sprintf("budget %q: store write failed, accounting locally: %v", e.spec.ID, err)}
	}
	return []string{fmt.Sprintf("budget %q: store contention, accounting locally", e.spec.ID)}
}

func (t *Tracker) storeUsable() bool {
	return t.store != nil && t.storeHealthy.Load()
}

func (t *Tracker) degradeStore(err error) {
	if t.storeHealthy.CompareAndSwap(true, false) {
		t.logger.Warn("budget store degraded, falling back to in-memory accounting", "error", err)
	}
}

// RecoverStore probes a degraded store and re-enables it on success.
// Intended to run on a schedule.
func (t *Tracker) RecoverStore(ctx context.Context) {
	if t.store == nil || t.storeHealthy.Load() {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()
	if err := t.store.Ping(sctx); err != nil {
		return
	}
	if t.storeHealthy.CompareAndSwap(false, true) {
		t.logger.Info("budget store recovered")
	}
}

// StoreHealthy reports whether the persistence backend is currently in use.
func (t *Tracker) StoreHealthy() bool {
	return t.store != nil && t.storeHealthy.Load()
}

// lookupRun finds an active or recently ended run.
func (t *Tracker) lookupRun(runID string) (r *runEntry, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[runID]; ok {
		return r, true
	}
	if r, ok := t.retired[runID]; ok {
		return r, false
	}
	return nil, false
}

// OpenRun admits a new run against every applicable budget, or rejects it.
// Admission checks and the concurrent-slot reservation happen under all
// budget locks, so two racing admissions cannot both take the last slot.
func (t *Tracker) OpenRun(ctx context.Context, rc RunContext) CheckResult {
	now := t.clock()
	if rc.StartedAt.IsZero() {
		rc.StartedAt = now
	}

	t.mu.Lock()
	_, dup := t.runs[rc.RunID]
	t.mu.Unlock()
	if dup {
		return CheckResult{Known: true, Allowed: true,
			Warnings: []string{fmt.Sprintf("run %q already open", rc.RunID)}}
	}

	entries := t.entriesFor(ctx, rc.Scope())
	res := CheckResult{Known: true, Allowed: true}

	lockAll(entries)
	for _, e := range entries {
		t.refreshLocked(ctx, e, now)
		// A HALT_RUN budget does not gate admission; the run is admitted and
		// halted at its first check instead.
		if e.hardLimitedLocked() && e.spec.OnHardLimitExceeded == policy.ActionRejectNewRuns {
			res.Allowed = false
			res.Reason = fmt.Sprintf("budget %q hard limit reached (%.2f of %.2f spent)",
				e.spec.ID, e.totalCost, e.spec.MaxCost)
			break
		}
		if e.spec.OnSoftThresholdExceeded == policy.ActionHaltNewRuns && e.softExceededLocked() {
			res.Allowed = false
			res.SoftHalt = true
			res.Reason = fmt.Sprintf("budget %q halted new runs at %.0f%% utilization",
				e.spec.ID, e.utilizationLocked()*100)
			break
		}
		if e.spec.MaxRunsPerPeriod > 0 && e.totalRuns >= int64(e.spec.MaxRunsPerPeriod) {
			res.Allowed = false
			res.Reason = fmt.Sprintf("budget %q max runs per period reached (%d)",
				e.spec.ID, e.spec.MaxRunsPerPeriod)
			break
		}
		if e.spec.MaxConcurrentRuns > 0 && len(e.concurrent) >= e.spec.MaxConcurrentRuns {
			res.Allowed = false
			res.Reason = fmt.Sprintf("budget %q concurrent run limit reached (%d)",
				e.spec.ID, e.spec.MaxConcurrentRuns)
			break
		}
		if e.spec.OnSoftThresholdExceeded == policy.ActionLogOnly && e.softExceededLocked() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("budget %q at %.0f%% utilization",
				e.spec.ID, e.utilizationLocked()*100))
		}
	}

	var keys []string
	if res.Allowed {
		for _, e := range entries {
			w := t.mutateLocked(ctx, e, now, func(e *budgetEntry) {
				e.totalRuns++
				e.addConcurrentLocked(rc.RunID, now)
			})
			res.Warnings = append(res.Warnings, w...)
			tightenRemainingLocked(&res.Remaining, e)
			keys = append(keys, e.scopeKey)
		}
	}
	unlockAll(entries)

	run := newRunEntry(rc)
	if res.Allowed {
		run.admittedKeys = keys
		t.mu.Lock()
		t.runs[rc.RunID] = run
		t.mu.Unlock()
	} else {
		run.status = StatusRejected
		run.endedAt = now
		t.mu.Lock()
		t.retired[rc.RunID] = run
		t.mu.Unlock()
	}
	return res
}

// tightenRemainingLocked folds one budget's headroom into the tightest
// remaining view. Caller must hold e.mu.
func tightenRemainingLocked(r *Remaining, e *budgetEntry) {
	if e.spec.MaxCost > 0 {
		r.tightenCost(e.spec.MaxCost - e.totalCost)
	}
	if e.spec.MaxRunsPerPeriod > 0 {
		tightenCount(&r.Runs, int64(e.spec.MaxRunsPerPeriod)-e.totalRuns)
	}
}

// checkState is the shared pre-hook snapshot of one run.
type checkState struct {
	known      bool
	active     bool
	halted     bool
	iterations int
	toolCalls  int
	totalCost  float64
	tokens     int64
	avgLatency float64
	scope      policy.RunScope
}

func (t *Tracker) runState(runID string) checkState {
	r, active := t.lookupRun(runID)
	if r == nil {
		return checkState{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	avg := 0.0
	if r.latencyCount > 0 {
		avg = r.latencySumMS / float64(r.latencyCount)
	}
	return checkState{
		known:      true,
		active:     active && r.status == StatusRunning,
		halted:     r.halted,
		iterations: r.iterations,
		toolCalls:  r.toolCalls,
		totalCost:  r.totalCost,
		tokens:     r.inputTokens + r.outputTokens,
		avgLatency: avg,
		scope:      r.ctx.Scope(),
	}
}

// checkKind distinguishes the three pre-hook checks.
type checkKind int

const (
	checkIteration checkKind = iota
	checkModel
	checkTool
)

// check implements the shared pre-hook logic: sticky halt, hard limits with
// HALT_RUN, per-run constraints, and counter admission. estTokens is the
// model check's usage estimate; zero means no estimate.
func (t *Tracker) check(ctx context.Context, runID string, kind checkKind, estTokens int64) (CheckResult, Signals) {
	now := t.clock()
	st := t.runState(runID)
	if !st.known {
		return CheckResult{}, Signals{}
	}
	res := CheckResult{Known: true, Allowed: true}
	sig := Signals{IterationCount: st.iterations, AvgLatencyMS: st.avgLatency}
	if !st.active {
		res.Allowed = false
		res.Reason = "run has ended"
		return res, sig
	}
	if st.halted {
		res.Allowed = false
		res.Reason = "run halted by budget hard limit"
		return res, sig
	}

	entries := t.entriesFor(ctx, st.scope)
	var haltRun bool
	var limitTokens bool
	var maxTokens int64

	lockAll(entries)
	for _, e := range entries {
		t.refreshLocked(ctx, e, now)
		// REJECT_NEW_RUNS only gates admission; in-flight work is blocked
		// solely by HALT_RUN.
		if e.hardLimitedLocked() && e.spec.OnHardLimitExceeded == policy.ActionHaltRun {
			res.Allowed = false
			haltRun = true
			res.Reason = fmt.Sprintf("budget %q hard limit reached, run halted", e.spec.ID)
			break
		}
		if e.softExceededLocked() {
			switch e.spec.OnSoftThresholdExceeded {
			case policy.ActionDowngradeModel:
				sig.SoftThresholdExceeded = true
			case policy.ActionLimitCapabilities:
				limitTokens = true
			case policy.ActionLogOnly:
				res.Warnings = append(res.Warnings, fmt.Sprintf("budget %q at %.0f%% utilization",
					e.spec.ID, e.utilizationLocked()*100))
			}
		}
		tightenRemainingLocked(&res.Remaining, e)
		if c := e.spec.Constraints; c != nil && res.Allowed {
			switch {
			case kind == checkIteration && c.MaxIterations > 0 && st.iterations >= c.MaxIterations:
				res.Allowed = false
				res.Constraint = true
				res.Reason = fmt.Sprintf("budget %q per-run iteration limit reached (%d)",
					e.spec.ID, c.MaxIterations)
			case kind == checkTool && c.MaxToolCalls > 0 && st.toolCalls >= c.MaxToolCalls:
				res.Allowed = false
				res.Constraint = true
				res.Reason = fmt.Sprintf("budget %q per-run tool call limit reached (%d)",
					e.spec.ID, c.MaxToolCalls)
			case kind == checkModel && c.MaxCost > 0 && st.totalCost >= c.MaxCost:
				res.Allowed = false
				res.Constraint = true
				res.Reason = fmt.Sprintf("budget %q per-run cost limit reached (%.2f)",
					e.spec.ID, c.MaxCost)
			case kind == checkModel && c.MaxTokens > 0 && st.tokens >= c.MaxTokens:
				res.Allowed = false
				res.Constraint = true
				res.Reason = fmt.Sprintf("budget %q per-run token limit reached (%d)",
					e.spec.ID, c.MaxTokens)
			case kind == checkModel && c.MaxTokens > 0 && estTokens > 0 &&
				st.tokens+estTokens > c.MaxTokens:
				res.Allowed = false
				res.Constraint = true
				res.Reason = fmt.Sprintf("budget %q per-run token limit would be exceeded (%d estimated, %d remaining)",
					e.spec.ID, estTokens, c.MaxTokens-st.tokens)
			}
		}
		if c := e.spec.Constraints; c != nil && c.MaxTokens > 0 {
			headroom := c.MaxTokens - st.tokens
			if headroom < 0 {
				headroom = 0
			}
			tightenCount(&res.Remaining.Tokens, headroom)
			if maxTokens == 0 || headroom < maxTokens {
				maxTokens = headroom
			}
		}
		if c := e.spec.Constraints; c != nil {
			if kind == checkIteration && c.MaxIterations > 0 {
				tightenCount(&res.Remaining.Iterations, int64(c.MaxIterations-st.iterations))
			}
			if kind == checkTool && c.MaxToolCalls > 0 {
				tightenCount(&res.Remaining.ToolCalls, int64(c.MaxToolCalls-st.toolCalls))
			}
		}
	}
	if res.Allowed {
		switch kind {
		case checkIteration:
			for _, e := range entries {
				w := t.mutateLocked(ctx, e, now, func(e *budgetEntry) { e.iterations++ })
				res.Warnings = append(res.Warnings, w...)
			}
		case checkTool:
			for _, e := range entries {
				w := t.mutateLocked(ctx, e, now, func(e *budgetEntry) { e.toolCalls++ })
				res.Warnings = append(res.Warnings, w...)
			}
		}
	}
	unlockAll(entries)

	sig.RemainingBudget = res.Remaining.Budget
	if limitTokens {
		if maxTokens > 0 {
			sig.MaxTokensRemaining = &maxTokens
			res.Remaining.Tokens = &maxTokens
		} else {
			res.Warnings = append(res.Warnings,
				"capability limiting active but no per-run token constraint is configured")
		}
	}

	if r, _ := t.lookupRun(runID); r != nil {
		r.mu.Lock()
		if haltRun && !r.halted {
			r.halted = true
			res.Halted = true
		}
		if res.Allowed {
			switch kind {
			case checkIteration:
				r.iterations++
				sig.IterationCount = r.iterations
			case checkTool:
				r.toolCalls++
			}
		}
		r.mu.Unlock()
	}
	return res, sig
}

// CheckIteration gates the start of one agent loop iteration. An admitted
// check counts the iteration.
func (t *Tracker) CheckIteration(ctx context.Context, runID string) CheckResult {
	res, _ := t.check(ctx, runID, checkIteration, 0)
	return res
}

// CheckModel gates one model call and returns the routing signals derived
// from the run's budgets. estTokens is the caller's usage estimate for the
// call; a positive estimate that cannot fit the per-run token constraint
// blocks the call before any tokens are spent. Zero means no estimate.
func (t *Tracker) CheckModel(ctx context.Context, runID string, estTokens int64) (CheckResult, Signals) {
	return t.check(ctx, runID, checkModel, estTokens)
}

// CheckTool gates one tool call. An admitted check counts the call.
func (t *Tracker) CheckTool(ctx context.Context, runID string) CheckResult {
	res, _ := t.check(ctx, runID, checkTool, 0)
	return res
}

// RecordModel charges one model call's usage against the run and every
// applicable budget, returning newly crossed thresholds and any runs halted
// by a hard limit this update pushed over.
func (t *Tracker) RecordModel(ctx context.Context, runID string, report ModelUsageReport) RecordResult {
	cost := t.policies.Pricing(ctx).ModelCost(report.Model, report.Usage)
	return t.record(ctx, runID, cost, func(r *runEntry) {
		r.totalCost += cost
		r.inputTokens += report.Usage.PromptTokens
		r.outputTokens += report.Usage.CompletionTokens
		r.modelCosts[report.Model] += cost
		if report.LatencyMS > 0 {
			r.latencySumMS += report.LatencyMS
			r.latencyCount++
		}
	}, func(e *budgetEntry) {
		e.totalCost += cost
		e.inputTokens += report.Usage.PromptTokens
		e.outputTokens += report.Usage.CompletionTokens
		e.modelCosts[report.Model] += cost
	})
}

// RecordTool charges one tool call's usage.
func (t *Tracker) RecordTool(ctx context.Context, runID string, report ToolUsageReport) RecordResult {
	cost := t.policies.Pricing(ctx).ToolCost(report.Tool, report.Usage)
	return t.record(ctx, runID, cost, func(r *runEntry) {
		r.totalCost += cost
		r.toolCosts[report.Tool] += cost
	}, func(e *budgetEntry) {
		e.totalCost += cost
		e.toolCosts[report.Tool] += cost
	})
}

func (t *Tracker) record(ctx context.Context, runID string, cost float64, applyRun func(*runEntry), applyBudget func(*budgetEntry)) RecordResult {
	now := t.clock()
	r, active := t.lookupRun(runID)
	if r == nil {
		return RecordResult{}
	}
	res := RecordResult{Known: true, Accepted: true, Cost: cost}
	if !active {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("run %q already ended, usage recorded late", runID))
	}

	r.mu.Lock()
	applyRun(r)
	scope := r.ctx.Scope()
	r.mu.Unlock()

	entries := t.entriesFor(ctx, scope)
	haltScopes := make(map[string]string) // scope key -> budget id

	lockAll(entries)
	for _, e := range entries {
		t.refreshLocked(ctx, e, now)
		w := t.mutateLocked(ctx, e, now, applyBudget)
		res.Warnings = append(res.Warnings, w...)
		u := e.utilizationLocked()
		for _, threshold := range e.detectCrossingsLocked() {
			res.Crossings = append(res.Crossings, Crossing{
				EventID:     uuid.NewString(),
				BudgetID:    e.spec.ID,
				ScopeKey:    e.scopeKey,
				Threshold:   threshold,
				Utilization: u,
				Action:      e.spec.OnSoftThresholdExceeded,
			})
		}
		if e.hardLimitedLocked() && e.spec.OnHardLimitExceeded == policy.ActionHaltRun {
			haltScopes[e.scopeKey] = e.spec.ID
		}
	}
	unlockAll(entries)

	if len(haltScopes) > 0 {
		res.HaltedRuns = t.haltRunsIn(haltScopes)
	}
	return res
}

// haltRunsIn marks every active run admitted under the given scope keys as
// halted and returns their IDs.
func (t *Tracker) haltRunsIn(scopes map[string]string) []string {
	t.mu.Lock()
	candidates := make([]*runEntry, 0, len(t.runs))
	for _, r := range t.runs {
		candidates = append(candidates, r)
	}
	t.mu.Unlock()

	var halted []string
	for _, r := range candidates {
		r.mu.Lock()
		if !r.halted && r.status == StatusRunning {
			for _, key := range r.admittedKeys {
				if _, ok := scopes[key]; ok {
					r.halted = true
					halted = append(halted, r.ctx.RunID)
					break
				}
			}
		}
		r.mu.Unlock()
	}
	sort.Strings(halted)
	return halted
}

// CloseRun ends a run, frees its concurrent slots and retires it into the
// grace window. Closing an already ended run is a no-op.
func (t *Tracker) CloseRun(ctx context.Context, runID string, status RunStatus) CloseResult {
	now := t.clock()

	t.mu.Lock()
	if r, ok := t.retired[runID]; ok {
		t.mu.Unlock()
		r.mu.Lock()
		snap := r.snapshotLocked()
		r.mu.Unlock()
		return CloseResult{Known: true, AlreadyClosed: true, Snapshot: snap}
	}
	r, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return CloseResult{}
	}
	delete(t.runs, runID)
	t.retired[runID] = r
	t.mu.Unlock()

	if status == "" {
		status = StatusCompleted
	}
	r.mu.Lock()
	if r.halted && status == StatusCompleted {
		status = StatusHalted
	}
	r.status = status
	r.endedAt = now
	keys := append([]string(nil), r.admittedKeys...)
	scope := r.ctx.Scope()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	entries := t.entriesFor(ctx, scope)
	lockAll(entries)
	for _, e := range entries {
		if !keySet[e.scopeKey] {
			continue
		}
		t.refreshLocked(ctx, e, now)
		t.mutateLocked(ctx, e, now, func(e *budgetEntry) {
			delete(e.concurrent, runID)
		})
	}
	unlockAll(entries)

	return CloseResult{Known: true, Snapshot: snap}
}

// Run returns a snapshot of an active or recently ended run.
func (t *Tracker) Run(runID string) (RunSnapshot, bool) {
	r, _ := t.lookupRun(runID)
	if r == nil {
		return RunSnapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), true
}

// BudgetStatuses returns the current state of every budget applicable to a
// scope.
func (t *Tracker) BudgetStatuses(ctx context.Context, scope policy.RunScope) []BudgetStatus {
	now := t.clock()
	entries := t.entriesFor(ctx, scope)
	out := make([]BudgetStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		t.refreshLocked(ctx, e, now)
		out = append(out, e.statusLocked())
		e.mu.Unlock()
	}
	return out
}

// EvictRetired drops runs whose grace window has elapsed and returns how
// many were removed. Late usage reports for evicted runs are ignored with a
// warning.
func (t *Tracker) EvictRetired() int {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, r := range t.retired {
		r.mu.Lock()
		expired := !r.endedAt.IsZero() && now.Sub(r.endedAt) >= t.grace
		r.mu.Unlock()
		if expired {
			delete(t.retired, id)
			evicted++
		}
	}
	return evicted
}
