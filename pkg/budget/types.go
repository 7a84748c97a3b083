package budget

import (
	"time"

	"github.com/google/uuid"

	"github.com/strands-agents/costguard/pkg/policy"
	"github.com/strands-agents/costguard/pkg/pricing"
)

// RunContext identifies one agent run. Immutable after creation.
type RunContext struct {
	TenantID   string
	StrandID   string
	WorkflowID string
	RunID      string
	StartedAt  time.Time
	Metadata   map[string]string
}

// NewRunContext creates a RunContext, generating a run ID and start time
// when the caller left them empty.
func NewRunContext(tenantID, strandID, workflowID string) RunContext {
	return RunContext{
		TenantID:   tenantID,
		StrandID:   strandID,
		WorkflowID: workflowID,
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC(),
	}
}

// Scope returns the identifiers used for policy matching.
func (rc RunContext) Scope() policy.RunScope {
	return policy.RunScope{
		TenantID:   rc.TenantID,
		StrandID:   rc.StrandID,
		WorkflowID: rc.WorkflowID,
	}
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusHalted    RunStatus = "halted"
	StatusRejected  RunStatus = "rejected"
)

// ModelUsageReport is the usage reported after one model call.
type ModelUsageReport struct {
	Model string
	Usage pricing.ModelUsage

	// LatencyMS feeds the routing latency trigger. Zero is ignored.
	LatencyMS float64
}

// ToolUsageReport is the usage reported after one tool call.
type ToolUsageReport struct {
	Tool  string
	Usage pricing.ToolUsage
}

// RunSnapshot is a point-in-time copy of one run's accounting.
type RunSnapshot struct {
	Context      RunContext
	Status       RunStatus
	EndedAt      time.Time
	Iterations   int
	TotalCost    float64
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int
	ModelCosts   map[string]float64
	ToolCosts    map[string]float64
	AvgLatencyMS float64
}

// BudgetStatus is a point-in-time view of one budget state.
type BudgetStatus struct {
	BudgetID          string
	ScopeKey          string
	Period            policy.Period
	PeriodStart       time.Time
	PeriodEnd         time.Time
	MaxCost           float64
	TotalCost         float64
	Utilization       float64
	RemainingBudget   float64
	TotalRuns         int64
	ConcurrentRuns    int
	ThresholdsCrossed []float64
}

// Crossing reports the first time a soft threshold was crossed within a
// period for one budget.
type Crossing struct {
	// EventID uniquely identifies the crossing for log correlation.
	EventID string

	BudgetID    string
	ScopeKey    string
	Threshold   float64
	Utilization float64
	Action      policy.ThresholdAction
}

// Remaining carries the tightest headroom over all applicable budgets.
// Nil fields mean unconstrained.
type Remaining struct {
	Budget     *float64
	Runs       *int64
	Iterations *int64
	ToolCalls  *int64
	Tokens     *int64
}

// tightenCost lowers the cost headroom.
func (r *Remaining) tightenCost(v float64) {
	if v < 0 {
		v = 0
	}
	if r.Budget == nil || v < *r.Budget {
		r.Budget = &v
	}
}

// tightenCount lowers an integer headroom field in place.
func tightenCount(field **int64, v int64) {
	if v < 0 {
		v = 0
	}
	if *field == nil || v < **field {
		*field = &v
	}
}

// CheckResult is the outcome of an admission or pre-hook check.
type CheckResult struct {
	// Known is false when the run ID is not tracked.
	Known bool

	Allowed   bool
	Reason    string
	Warnings  []string
	Remaining Remaining

	// Constraint is true when the block came from a per-run constraint
	// rather than a budget limit.
	Constraint bool

	// SoftHalt is true when the block came from a HALT_NEW_RUNS soft
	// threshold action.
	SoftHalt bool

	// Halted is true when this check transitioned the run to halted.
	// Later checks on the same run deny without setting it again.
	Halted bool
}

// Signals is the bundle handed to the routing evaluator by a model check.
type Signals struct {
	// SoftThresholdExceeded is set when any applicable budget crossed a
	// soft threshold whose action is DOWNGRADE_MODEL.
	SoftThresholdExceeded bool

	// RemainingBudget is the tightest cost headroom; nil when no
	// applicable budget caps cost.
	RemainingBudget *float64

	IterationCount int
	AvgLatencyMS   float64

	// MaxTokensRemaining is set when a LIMIT_CAPABILITIES threshold is
	// active and a per-run token constraint yields a concrete cap.
	MaxTokensRemaining *int64
}

// RecordResult is the outcome of recording usage.
type RecordResult struct {
	Known     bool
	Accepted  bool
	Cost      float64
	Warnings  []string
	Crossings []Crossing

	// HaltedRuns lists runs newly halted by a HALT_RUN hard limit
	// triggered by this update.
	HaltedRuns []string
}

// CloseResult is the outcome of ending a run.
type CloseResult struct {
	Known         bool
	AlreadyClosed bool
	Snapshot      RunSnapshot
}
