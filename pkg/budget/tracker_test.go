package budget

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strands-agents/costguard/pkg/policy"
	"github.com/strands-agents/costguard/pkg/pricing"
	"github.com/strands-agents/costguard/pkg/store"
)

// stubPolicies is a PolicyProvider over a fixed spec list.
type stubPolicies struct {
	budgets []policy.BudgetSpec
	table   *pricing.Table
}

func (s *stubPolicies) BudgetsFor(ctx context.Context, scope policy.RunScope) []*policy.BudgetSpec {
	var out []*policy.BudgetSpec
	for i := range s.budgets {
		b := &s.budgets[i]
		if b.Enabled && b.Match.Matches(scope) {
			out = append(out, b)
		}
	}
	return out
}

func (s *stubPolicies) Pricing(ctx context.Context) *pricing.Table {
	if s.table != nil {
		return s.table
	}
	// One unit of cost per 1000 prompt or completion tokens.
	return pricing.NewTable("USD",
		[]string{"m"},
		map[string]pricing.ModelPricing{"m": {InputPer1K: 1, OutputPer1K: 1}},
		map[string]pricing.ToolPricing{"t": {CostPerCall: 1}},
		pricing.FallbackPricing{},
	)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestTracker(t *testing.T, budgets []policy.BudgetSpec, st store.Store) (*Tracker, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)}
	tr := NewTracker(Config{
		Policies: &stubPolicies{budgets: budgets},
		Store:    st,
		Clock:    clock.Now,
	})
	return tr, clock
}

func runCtx(tenant, runID string) RunContext {
	return RunContext{TenantID: tenant, StrandID: "researcher", WorkflowID: "report", RunID: runID}
}

// costOf builds a usage report worth cost units under the test pricing.
func costOf(cost float64) ModelUsageReport {
	return ModelUsageReport{Model: "m", Usage: pricing.ModelUsage{PromptTokens: int64(cost * 1000)}}
}

func wildcardBudget(id string, maxCost float64) policy.BudgetSpec {
	return policy.BudgetSpec{
		ID:      id,
		Scope:   policy.ScopeGlobal,
		Match:   policy.Match{TenantID: "*", StrandID: "*", WorkflowID: "*"},
		Period:  policy.PeriodDaily,
		MaxCost: maxCost,
		Enabled: true,
	}
}

func TestOpenRunHardLimitReject(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 100)
	b.HardLimit = true
	b.OnHardLimitExceeded = policy.ActionRejectNewRuns
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	if res := tr.OpenRun(ctx, runCtx("acme", "run-1")); !res.Allowed {
		t.Fatalf("first run rejected: %s", res.Reason)
	}
	rr := tr.RecordModel(ctx, "run-1", costOf(100.01))
	if !rr.Accepted {
		t.Fatalf("record rejected")
	}
	tr.CloseRun(ctx, "run-1", StatusCompleted)

	res := tr.OpenRun(ctx, runCtx("acme", "run-2"))
	if res.Allowed {
		t.Fatal("run admitted past hard limit")
	}
	if !strings.Contains(res.Reason, "hard limit") {
		t.Errorf("reason = %q, want mention of hard limit", res.Reason)
	}
}

func TestThresholdCrossedExactlyOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 1000)
	b.SoftThresholds = []float64{0.5, 0.7}
	b.OnSoftThresholdExceeded = policy.ActionLogOnly
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))

	// Exactly at a threshold counts as crossed.
	rr := tr.RecordModel(ctx, "run-1", costOf(500))
	if len(rr.Crossings) != 1 || rr.Crossings[0].Threshold != 0.5 {
		t.Fatalf("crossings = %+v, want exactly 0.5", rr.Crossings)
	}
	if rr.Crossings[0].Utilization != 0.5 {
		t.Errorf("utilization = %v, want 0.5", rr.Crossings[0].Utilization)
	}
	if rr.Crossings[0].EventID == "" {
		t.Error("crossing has no event id")
	}

	// One update may cross several thresholds; none repeat.
	rr = tr.RecordModel(ctx, "run-1", costOf(300))
	if len(rr.Crossings) != 1 || rr.Crossings[0].Threshold != 0.7 {
		t.Fatalf("crossings = %+v, want exactly 0.7", rr.Crossings)
	}
	rr = tr.RecordModel(ctx, "run-1", costOf(10))
	if len(rr.Crossings) != 0 {
		t.Errorf("thresholds re-crossed: %+v", rr.Crossings)
	}
}

func TestPeriodResetAtBoundary(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("hourly", 100)
	b.Period = policy.PeriodHourly
	b.SoftThresholds = []float64{0.5}
	tr, clock := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.RecordModel(ctx, "run-1", costOf(50))

	scope := policy.RunScope{TenantID: "acme", StrandID: "researcher", WorkflowID: "report"}
	statuses := tr.BudgetStatuses(ctx, scope)
	if len(statuses) != 1 || statuses[0].Utilization != 0.5 {
		t.Fatalf("statuses before reset = %+v", statuses)
	}
	if len(statuses[0].ThresholdsCrossed) != 1 {
		t.Fatalf("thresholds crossed = %v", statuses[0].ThresholdsCrossed)
	}

	// Exactly at 11:00:00 the new window starts.
	clock.Set(time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC))
	statuses = tr.BudgetStatuses(ctx, scope)
	st := statuses[0]
	if st.Utilization != 0 || st.TotalCost != 0 {
		t.Errorf("counters not reset: %+v", st)
	}
	if !st.PeriodStart.Equal(time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)) ||
		!st.PeriodEnd.Equal(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("window = [%v, %v)", st.PeriodStart, st.PeriodEnd)
	}
	if len(st.ThresholdsCrossed) != 0 {
		t.Errorf("thresholds survived reset: %v", st.ThresholdsCrossed)
	}
	// The concurrent run survives the reset.
	if st.ConcurrentRuns != 1 {
		t.Errorf("concurrent runs = %d, want 1", st.ConcurrentRuns)
	}
}

func TestConcurrentRunCap(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("cap", 0)
	b.MaxConcurrentRuns = 2
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	var wg sync.WaitGroup
	results := make([]CheckResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tr.OpenRun(ctx, runCtx("acme", "run-"+string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, res := range results {
		if res.Allowed {
			admitted++
		} else if !strings.Contains(res.Reason, "concurrent") {
			t.Errorf("rejection reason = %q, want mention of concurrent", res.Reason)
		}
	}
	if admitted != 2 {
		t.Errorf("admitted = %d, want exactly 2", admitted)
	}
}

func TestMultipleApplicableBudgets(t *testing.T) {
	ctx := context.Background()
	global := wildcardBudget("global", 10000)
	global.HardLimit = true
	tenant := policy.BudgetSpec{
		ID:                  "tenant-acme",
		Scope:               policy.ScopeTenant,
		Match:               policy.Match{TenantID: "acme", StrandID: "*", WorkflowID: "*"},
		Period:              policy.PeriodDaily,
		MaxCost:             100,
		HardLimit:           true,
		OnHardLimitExceeded: policy.ActionRejectNewRuns,
		Enabled:             true,
	}
	tr, _ := newTestTracker(t, []policy.BudgetSpec{global, tenant}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.RecordModel(ctx, "run-1", costOf(101))
	tr.CloseRun(ctx, "run-1", StatusCompleted)

	if res := tr.OpenRun(ctx, runCtx("acme", "run-2")); res.Allowed {
		t.Error("run admitted for tenant past its budget")
	}
	if res := tr.OpenRun(ctx, runCtx("globex", "run-3")); !res.Allowed {
		t.Errorf("run for other tenant rejected: %s", res.Reason)
	}
}

func TestCloseRunIdempotentAndFreesSlot(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("cap", 0)
	b.MaxConcurrentRuns = 1
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	if res := tr.OpenRun(ctx, runCtx("acme", "run-2")); res.Allowed {
		t.Fatal("second run admitted over cap")
	}

	cl := tr.CloseRun(ctx, "run-1", StatusCompleted)
	if !cl.Known || cl.AlreadyClosed {
		t.Fatalf("close = %+v", cl)
	}
	if cl.Snapshot.Status != StatusCompleted {
		t.Errorf("status = %s", cl.Snapshot.Status)
	}

	cl = tr.CloseRun(ctx, "run-1", StatusCompleted)
	if !cl.Known || !cl.AlreadyClosed {
		t.Errorf("second close = %+v, want AlreadyClosed", cl)
	}

	if res := tr.OpenRun(ctx, runCtx("acme", "run-3")); !res.Allowed {
		t.Errorf("slot not freed: %s", res.Reason)
	}

	if cl := tr.CloseRun(ctx, "run-unknown", StatusCompleted); cl.Known {
		t.Error("closing unknown run reported known")
	}
}

func TestLateUsageWithinGraceWindowCounts(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTestTracker(t, []policy.BudgetSpec{wildcardBudget("daily", 100)}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.CloseRun(ctx, "run-1", StatusCompleted)

	rr := tr.RecordModel(ctx, "run-1", costOf(10))
	if !rr.Known || !rr.Accepted {
		t.Fatalf("late record = %+v, want accepted", rr)
	}
	if len(rr.Warnings) == 0 {
		t.Error("late record carried no warning")
	}

	scope := policy.RunScope{TenantID: "acme", StrandID: "researcher", WorkflowID: "report"}
	if st := tr.BudgetStatuses(ctx, scope)[0]; st.TotalCost != 10 {
		t.Errorf("late usage not accounted: total_cost = %v", st.TotalCost)
	}

	// After the grace window the run is evicted and late reports no-op.
	clock.Set(clock.Now().Add(10 * time.Minute))
	if n := tr.EvictRetired(); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	rr = tr.RecordModel(ctx, "run-1", costOf(10))
	if rr.Known {
		t.Errorf("record after eviction = %+v, want unknown", rr)
	}
	if st := tr.BudgetStatuses(ctx, scope)[0]; st.TotalCost != 10 {
		t.Errorf("post-eviction record still accounted: %v", st.TotalCost)
	}
}

func TestHaltRunStopsInFlightRun(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 100)
	b.HardLimit = true
	b.OnHardLimitExceeded = policy.ActionHaltRun
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.OpenRun(ctx, runCtx("acme", "run-2"))

	rr := tr.RecordModel(ctx, "run-1", costOf(150))
	if len(rr.HaltedRuns) != 2 {
		t.Fatalf("halted runs = %v, want both", rr.HaltedRuns)
	}

	res := tr.CheckIteration(ctx, "run-1")
	if res.Allowed {
		t.Error("iteration allowed on halted run")
	}
	if !strings.Contains(res.Reason, "halted") {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.Halted {
		t.Error("sticky halt reported as a new transition")
	}

	// A completed close on a halted run records halted status.
	cl := tr.CloseRun(ctx, "run-1", StatusCompleted)
	if cl.Snapshot.Status != StatusHalted {
		t.Errorf("status = %s, want halted", cl.Snapshot.Status)
	}
}

func TestCheckHaltsWhenHardLimitSeenAtCheck(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 100)
	b.HardLimit = true
	b.OnHardLimitExceeded = policy.ActionHaltRun
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.RecordModel(ctx, "run-1", costOf(150))

	// HALT_RUN does not gate admission; the new run is admitted and halted
	// at its first check.
	res := tr.OpenRun(ctx, runCtx("acme", "run-2"))
	if !res.Allowed {
		t.Fatalf("admission rejected by a HALT_RUN budget: %s", res.Reason)
	}
	chk := tr.CheckIteration(ctx, "run-2")
	if chk.Allowed || !chk.Halted {
		t.Errorf("first check on run-2 = %+v, want halt", chk)
	}
}

func TestRejectNewRunsDoesNotBlockInFlightWork(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 100)
	b.HardLimit = true
	b.OnHardLimitExceeded = policy.ActionRejectNewRuns
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.RecordModel(ctx, "run-1", costOf(150))

	if res := tr.CheckIteration(ctx, "run-1"); !res.Allowed {
		t.Errorf("in-flight iteration blocked by REJECT_NEW_RUNS budget: %s", res.Reason)
	}
	if res := tr.OpenRun(ctx, runCtx("acme", "run-2")); res.Allowed {
		t.Error("new run admitted past hard limit")
	}
}

func TestHaltNewRunsSoftAction(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 100)
	b.SoftThresholds = []float64{0.8}
	b.OnSoftThresholdExceeded = policy.ActionHaltNewRuns
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.RecordModel(ctx, "run-1", costOf(85))

	res := tr.OpenRun(ctx, runCtx("acme", "run-2"))
	if res.Allowed {
		t.Fatal("run admitted after HALT_NEW_RUNS threshold")
	}
	if !res.SoftHalt {
		t.Error("rejection not flagged as soft halt")
	}
}

func TestPerRunConstraints(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 0)
	b.Constraints = &policy.Constraints{MaxIterations: 2, MaxToolCalls: 1, MaxTokens: 1000, MaxCost: 5}
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))

	for i := 0; i < 2; i++ {
		if res := tr.CheckIteration(ctx, "run-1"); !res.Allowed {
			t.Fatalf("iteration %d blocked: %s", i, res.Reason)
		}
	}
	res := tr.CheckIteration(ctx, "run-1")
	if res.Allowed || !res.Constraint {
		t.Errorf("third iteration = %+v, want constraint block", res)
	}

	if res := tr.CheckTool(ctx, "run-1"); !res.Allowed {
		t.Fatalf("first tool call blocked: %s", res.Reason)
	}
	res = tr.CheckTool(ctx, "run-1")
	if res.Allowed || !res.Constraint {
		t.Errorf("second tool call = %+v, want constraint block", res)
	}

	// Token constraint: consume 1000 tokens, then model checks block.
	tr.RecordModel(ctx, "run-1", ModelUsageReport{Model: "m",
		Usage: pricing.ModelUsage{PromptTokens: 600, CompletionTokens: 400}})
	mres, _ := tr.CheckModel(ctx, "run-1", 0)
	if mres.Allowed || !mres.Constraint {
		t.Errorf("model check past token cap = %+v, want constraint block", mres)
	}
}

func TestSignalsForRouting(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 100)
	b.SoftThresholds = []float64{0.5}
	b.OnSoftThresholdExceeded = policy.ActionDowngradeModel
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))

	_, sig := tr.CheckModel(ctx, "run-1", 0)
	if sig.SoftThresholdExceeded {
		t.Error("soft threshold signaled before any spend")
	}
	if sig.RemainingBudget == nil || *sig.RemainingBudget != 100 {
		t.Errorf("remaining budget = %v, want 100", sig.RemainingBudget)
	}

	tr.RecordModel(ctx, "run-1", ModelUsageReport{Model: "m",
		Usage: pricing.ModelUsage{PromptTokens: 60000}, LatencyMS: 2500})

	_, sig = tr.CheckModel(ctx, "run-1", 0)
	if !sig.SoftThresholdExceeded {
		t.Error("soft threshold not signaled at 60% utilization")
	}
	if sig.RemainingBudget == nil || *sig.RemainingBudget != 40 {
		t.Errorf("remaining budget = %v, want 40", sig.RemainingBudget)
	}
	if sig.AvgLatencyMS != 2500 {
		t.Errorf("avg latency = %v, want 2500", sig.AvgLatencyMS)
	}
}

func TestLimitCapabilitiesSignal(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 100)
	b.SoftThresholds = []float64{0.5}
	b.OnSoftThresholdExceeded = policy.ActionLimitCapabilities
	b.Constraints = &policy.Constraints{MaxTokens: 10000}
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.RecordModel(ctx, "run-1", ModelUsageReport{Model: "m",
		Usage: pricing.ModelUsage{PromptTokens: 60000}})

	// run-1 consumed past its token cap; the check blocks on the
	// constraint before any capability limiting applies.
	res, _ := tr.CheckModel(ctx, "run-1", 0)
	if res.Allowed || !res.Constraint {
		t.Fatalf("check past token cap = %+v, want constraint block", res)
	}

	tr.OpenRun(ctx, runCtx("acme", "run-2"))
	tr.RecordModel(ctx, "run-2", ModelUsageReport{Model: "m",
		Usage: pricing.ModelUsage{PromptTokens: 4000}})
	_, sig := tr.CheckModel(ctx, "run-2", 0)
	if sig.MaxTokensRemaining == nil || *sig.MaxTokensRemaining != 6000 {
		t.Errorf("max tokens remaining = %v, want 6000", sig.MaxTokensRemaining)
	}
}

func TestLimitCapabilitiesWithoutTokenConstraintWarns(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 100)
	b.SoftThresholds = []float64{0.5}
	b.OnSoftThresholdExceeded = policy.ActionLimitCapabilities
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.RecordModel(ctx, "run-1", costOf(60))

	res, sig := tr.CheckModel(ctx, "run-1", 0)
	if sig.MaxTokensRemaining != nil {
		t.Error("token cap signaled without a token constraint")
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "token constraint") {
			found = true
		}
	}
	if !found {
		t.Errorf("no warning about missing token constraint: %v", res.Warnings)
	}
}

func TestTotalCostEqualsSumOfParts(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, []policy.BudgetSpec{wildcardBudget("daily", 1000)}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.RecordModel(ctx, "run-1", costOf(10))
	tr.RecordModel(ctx, "run-1", costOf(5))
	tr.RecordTool(ctx, "run-1", ToolUsageReport{Tool: "t"})
	tr.RecordTool(ctx, "run-1", ToolUsageReport{Tool: "t"})

	scope := policy.RunScope{TenantID: "acme", StrandID: "researcher", WorkflowID: "report"}
	st := tr.BudgetStatuses(ctx, scope)[0]
	if st.TotalCost != 17 {
		t.Errorf("total cost = %v, want 17", st.TotalCost)
	}

	snap, ok := tr.Run("run-1")
	if !ok {
		t.Fatal("run not found")
	}
	var sum float64
	for _, c := range snap.ModelCosts {
		sum += c
	}
	for _, c := range snap.ToolCosts {
		sum += c
	}
	if sum != snap.TotalCost || snap.TotalCost != 17 {
		t.Errorf("run total %v != sum of parts %v", snap.TotalCost, sum)
	}
}

func TestMaxRunsPerPeriod(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 0)
	b.MaxRunsPerPeriod = 2
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	for i, id := range []string{"run-1", "run-2"} {
		if res := tr.OpenRun(ctx, runCtx("acme", id)); !res.Allowed {
			t.Fatalf("run %d rejected: %s", i, res.Reason)
		}
		tr.CloseRun(ctx, id, StatusCompleted)
	}
	res := tr.OpenRun(ctx, runCtx("acme", "run-3"))
	if res.Allowed {
		t.Fatal("third run admitted past max_runs_per_period")
	}
	if !strings.Contains(res.Reason, "max runs") {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestSharedStoreVisibility(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	budgets := []policy.BudgetSpec{wildcardBudget("daily", 100)}

	trA, _ := newTestTracker(t, budgets, shared)
	trB, _ := newTestTracker(t, budgets, shared)

	trA.OpenRun(ctx, runCtx("acme", "run-a"))
	trA.RecordModel(ctx, "run-a", costOf(60))

	scope := policy.RunScope{TenantID: "acme", StrandID: "researcher", WorkflowID: "report"}
	st := trB.BudgetStatuses(ctx, scope)[0]
	if st.TotalCost != 60 {
		t.Errorf("instance B total cost = %v, want 60 from shared store", st.TotalCost)
	}

	// B's own update lands on top of A's.
	trB.OpenRun(ctx, runCtx("acme", "run-b"))
	trB.RecordModel(ctx, "run-b", costOf(10))
	if st := trA.BudgetStatuses(ctx, scope)[0]; st.TotalCost != 70 {
		t.Errorf("instance A total cost = %v, want 70", st.TotalCost)
	}
}

// failingStore always reports unavailable.
type failingStore struct{ healthy bool }

func (f *failingStore) err() error {
	if f.healthy {
		return nil
	}
	return store.ErrUnavailable
}

func (f *failingStore) Get(ctx context.Context, key string) (*store.BudgetStateData, int64, error) {
	return nil, 0, f.err()
}

func (f *failingStore) CompareAndSet(ctx context.Context, key string, v int64, d *store.BudgetStateData, exp time.Time) error {
	return f.err()
}

func (f *failingStore) SetWithTTL(ctx context.Context, key string, d *store.BudgetStateData, exp time.Time) error {
	return f.err()
}

func (f *failingStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return nil, f.err()
}

func (f *failingStore) Ping(ctx context.Context) error { return f.err() }
func (f *failingStore) Close() error                   { return nil }

func TestStoreDegradationAndRecovery(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{}
	tr, _ := newTestTracker(t, []policy.BudgetSpec{wildcardBudget("daily", 100)}, fs)

	res := tr.OpenRun(ctx, runCtx("acme", "run-1"))
	if !res.Allowed {
		t.Fatalf("run rejected under store failure: %s", res.Reason)
	}
	if len(res.Warnings) == 0 {
		t.Error("no degradation warning")
	}
	if tr.StoreHealthy() {
		t.Error("store still reported healthy after failure")
	}

	// Accounting keeps working in memory.
	tr.RecordModel(ctx, "run-1", costOf(30))
	scope := policy.RunScope{TenantID: "acme", StrandID: "researcher", WorkflowID: "report"}
	if st := tr.BudgetStatuses(ctx, scope)[0]; st.TotalCost != 30 {
		t.Errorf("in-memory accounting lost: %v", st.TotalCost)
	}

	fs.healthy = true
	tr.RecoverStore(ctx)
	if !tr.StoreHealthy() {
		t.Error("store not recovered after successful ping")
	}
}

func TestOpenRunDuplicateIsWarning(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, []policy.BudgetSpec{wildcardBudget("daily", 100)}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	res := tr.OpenRun(ctx, runCtx("acme", "run-1"))
	if !res.Allowed || len(res.Warnings) == 0 {
		t.Errorf("duplicate open = %+v, want allowed with warning", res)
	}

	scope := policy.RunScope{TenantID: "acme", StrandID: "researcher", WorkflowID: "report"}
	if st := tr.BudgetStatuses(ctx, scope)[0]; st.TotalRuns != 1 {
		t.Errorf("duplicate open double-counted: total_runs = %d", st.TotalRuns)
	}
}

func TestCheckModelEstimatedTokens(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 0)
	b.Constraints = &policy.Constraints{MaxTokens: 1000}
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)

	tr.OpenRun(ctx, runCtx("acme", "run-1"))

	res, _ := tr.CheckModel(ctx, "run-1", 1500)
	if res.Allowed || !res.Constraint {
		t.Fatalf("oversized estimate = %+v, want constraint block", res)
	}
	if !strings.Contains(res.Reason, "estimated") {
		t.Errorf("reason = %q", res.Reason)
	}

	if res, _ := tr.CheckModel(ctx, "run-1", 800); !res.Allowed {
		t.Fatalf("fitting estimate blocked: %s", res.Reason)
	}

	tr.RecordModel(ctx, "run-1", ModelUsageReport{Model: "m",
		Usage: pricing.ModelUsage{PromptTokens: 600}})

	// 400 tokens of headroom remain. An estimate that exactly fills them
	// passes, one token more does not.
	if res, _ := tr.CheckModel(ctx, "run-1", 400); !res.Allowed {
		t.Errorf("exact-fit estimate blocked: %s", res.Reason)
	}
	res, _ = tr.CheckModel(ctx, "run-1", 401)
	if res.Allowed || !res.Constraint {
		t.Errorf("estimate past headroom = %+v, want constraint block", res)
	}
}

func TestSoftThresholdActionsSurviveStoreHandoff(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	b := wildcardBudget("daily", 100)
	b.SoftThresholds = []float64{0.8}
	b.OnSoftThresholdExceeded = policy.ActionHaltNewRuns

	trA, _ := newTestTracker(t, []policy.BudgetSpec{b}, shared)
	trB, _ := newTestTracker(t, []policy.BudgetSpec{b}, shared)

	trA.OpenRun(ctx, runCtx("acme", "run-a"))
	trA.RecordModel(ctx, "run-a", costOf(85))

	// B never crossed the threshold itself; the counters adopted from the
	// shared store alone must gate admission.
	res := trB.OpenRun(ctx, runCtx("acme", "run-b"))
	if res.Allowed {
		t.Fatal("second instance admitted a run past the HALT_NEW_RUNS threshold")
	}
	if !res.SoftHalt {
		t.Errorf("rejection = %+v, want soft halt", res)
	}
}

func TestSoftThresholdSignalSurvivesStoreHandoff(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	b := wildcardBudget("daily", 100)
	b.SoftThresholds = []float64{0.5}
	b.OnSoftThresholdExceeded = policy.ActionDowngradeModel

	trA, _ := newTestTracker(t, []policy.BudgetSpec{b}, shared)
	trB, _ := newTestTracker(t, []policy.BudgetSpec{b}, shared)

	trA.OpenRun(ctx, runCtx("acme", "run-a"))
	trA.RecordModel(ctx, "run-a", costOf(60))

	trB.OpenRun(ctx, runCtx("acme", "run-b"))
	_, sig := trB.CheckModel(ctx, "run-b", 0)
	if !sig.SoftThresholdExceeded {
		t.Error("downgrade signal lost on the second instance")
	}
}

func TestConcurrentChecksAndStatusQueries(t *testing.T) {
	ctx := context.Background()
	b := wildcardBudget("daily", 1000)
	b.SoftThresholds = []float64{0.5}
	tr, _ := newTestTracker(t, []policy.BudgetSpec{b}, nil)
	scope := policy.RunScope{TenantID: "acme", StrandID: "researcher", WorkflowID: "report"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", i)
			tr.OpenRun(ctx, runCtx("acme", id))
			for j := 0; j < 20; j++ {
				tr.CheckIteration(ctx, id)
				tr.CheckModel(ctx, id, 0)
				tr.RecordModel(ctx, id, costOf(0.5))
				tr.BudgetStatuses(ctx, scope)
			}
			tr.CloseRun(ctx, id, StatusCompleted)
		}(i)
	}
	wg.Wait()

	if st := tr.BudgetStatuses(ctx, scope)[0]; st.TotalCost != 80 {
		t.Errorf("total cost = %v, want 80", st.TotalCost)
	}
}

func TestChecksOnUnknownOrEndedRuns(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, []policy.BudgetSpec{wildcardBudget("daily", 100)}, nil)

	if res := tr.CheckIteration(ctx, "nope"); res.Known {
		t.Error("unknown run reported known")
	}

	tr.OpenRun(ctx, runCtx("acme", "run-1"))
	tr.CloseRun(ctx, "run-1", StatusCompleted)
	res := tr.CheckIteration(ctx, "run-1")
	if !res.Known || res.Allowed {
		t.Errorf("check on ended run = %+v, want known deny", res)
	}
}
