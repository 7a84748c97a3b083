package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/strands-agents/costguard/pkg/pricing"
)

// Scope is the hierarchy level a budget applies at.
type Scope string

const (
	// ScopeGlobal applies to every run.
	ScopeGlobal Scope = "global"

	// ScopeTenant applies to one tenant (or a tenant prefix).
	ScopeTenant Scope = "tenant"

	// ScopeStrand applies to one agent type within a tenant.
	ScopeStrand Scope = "strand"

	// ScopeWorkflow applies to one task flow within a strand.
	ScopeWorkflow Scope = "workflow"
)

// weight returns the priority contribution of the scope.
func (s Scope) weight() int {
	switch s {
	case ScopeTenant:
		return 10
	case ScopeStrand:
		return 20
	case ScopeWorkflow:
		return 30
	default:
		return 0
	}
}

// valid reports whether the scope is one of the known values.
func (s Scope) valid() bool {
	switch s {
	case ScopeGlobal, ScopeTenant, ScopeStrand, ScopeWorkflow:
		return true
	}
	return false
}

// Period is a calendar-aligned accounting window.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

func (p Period) valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// ThresholdAction is taken the first time a soft threshold is crossed
// within a period.
type ThresholdAction string

const (
	// ActionLogOnly records the crossing and allows everything.
	ActionLogOnly ThresholdAction = "LOG_ONLY"

	// ActionDowngradeModel signals routing to prefer fallback models.
	ActionDowngradeModel ThresholdAction = "DOWNGRADE_MODEL"

	// ActionLimitCapabilities caps token headroom on subsequent calls.
	ActionLimitCapabilities ThresholdAction = "LIMIT_CAPABILITIES"

	// ActionHaltNewRuns rejects new run admissions for the rest of the period.
	ActionHaltNewRuns ThresholdAction = "HALT_NEW_RUNS"
)

func (a ThresholdAction) valid() bool {
	switch a {
	case ActionLogOnly, ActionDowngradeModel, ActionLimitCapabilities, ActionHaltNewRuns:
		return true
	}
	return false
}

// HardLimitAction is taken while utilization is at or above 1.0.
type HardLimitAction string

const (
	// ActionRejectNewRuns rejects new run admissions.
	ActionRejectNewRuns HardLimitAction = "REJECT_NEW_RUNS"

	// ActionHaltRun halts in-flight runs at their next lifecycle hook.
	ActionHaltRun HardLimitAction = "HALT_RUN"
)

func (a HardLimitAction) valid() bool {
	switch a {
	case ActionRejectNewRuns, ActionHaltRun:
		return true
	}
	return false
}

// Match holds the three wildcard-capable patterns a policy selects runs by.
// Empty patterns are treated as "*".
type Match struct {
	TenantID   string `yaml:"tenant_id"`
	StrandID   string `yaml:"strand_id"`
	WorkflowID string `yaml:"workflow_id"`
}

// Constraints are per-run limits attached to a budget. Zero values mean
// unconstrained.
type Constraints struct {
	// MaxIterations caps agent loop iterations per run.
	MaxIterations int `yaml:"max_iterations"`

	// MaxToolCalls caps tool invocations per run.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// MaxTokens caps total input+output tokens per run.
	MaxTokens int64 `yaml:"max_tokens"`

	// MaxCost caps spend per run.
	MaxCost float64 `yaml:"max_cost"`
}

// BudgetSpec is a declarative spending policy. Immutable after load;
// snapshots are replaced atomically on refresh.
type BudgetSpec struct {
	ID    string `yaml:"id"`
	Scope Scope  `yaml:"scope"`
	Match Match  `yaml:"match"`

	// Period is the accounting window the counters reset on.
	Period Period `yaml:"period"`

	// MaxCost is the spend ceiling per period. Zero disables cost limiting
	// (run, concurrency, and per-run constraints still apply).
	MaxCost float64 `yaml:"max_cost"`

	// SoftThresholds are utilization fractions in (0,1], ascending. The
	// first crossing of each within a period triggers the soft action.
	SoftThresholds []float64 `yaml:"soft_thresholds"`

	// HardLimit enables the hard action at utilization >= 1.0.
	HardLimit bool `yaml:"hard_limit"`

	OnSoftThresholdExceeded ThresholdAction `yaml:"on_soft_threshold_exceeded"`
	OnHardLimitExceeded     HardLimitAction `yaml:"on_hard_limit_exceeded"`

	// MaxRunsPerPeriod caps admitted runs per period. Zero means unlimited.
	MaxRunsPerPeriod int `yaml:"max_runs_per_period"`

	// MaxConcurrentRuns caps simultaneously running runs. Zero means unlimited.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// Constraints are per-run limits enforced while this budget matches.
	Constraints *Constraints `yaml:"constraints"`

	Enabled bool `yaml:"enabled"`
}

// Priority scores the spec for ordering against other budgets. Higher is
// more specific: scope weight plus +1/+2/+4 for non-wildcard tenant, strand
// and workflow patterns.
func (b *BudgetSpec) Priority() int {
	score := b.Scope.weight()
	if !isWildcard(b.Match.TenantID) {
		score += 1
	}
	if !isWildcard(b.Match.StrandID) {
		score += 2
	}
	if !isWildcard(b.Match.WorkflowID) {
		score += 4
	}
	return score
}

// DowngradeTrigger describes when a stage should switch to its fallback
// model. Nil clause pointers are not evaluated.
type DowngradeTrigger struct {
	// SoftThresholdExceeded fires when any applicable budget has signaled
	// DOWNGRADE_MODEL this period.
	SoftThresholdExceeded bool `yaml:"soft_threshold_exceeded"`

	// RemainingBudgetBelow fires when the tightest applicable budget has
	// less than this much headroom left.
	RemainingBudgetBelow *float64 `yaml:"remaining_budget_below"`

	// IterationCountAbove fires when the run's iteration count exceeds this.
	IterationCountAbove *int `yaml:"iteration_count_above"`

	// LatencyAboveMS fires when the run's average model latency exceeds this.
	LatencyAboveMS *float64 `yaml:"latency_above_ms"`
}

// StageConfig selects models for one semantic stage of a run.
type StageConfig struct {
	Stage         string           `yaml:"stage"`
	DefaultModel  string           `yaml:"default_model"`
	FallbackModel string           `yaml:"fallback_model"`
	MaxTokens     *int64           `yaml:"max_tokens"`
	Temperature   *float64         `yaml:"temperature"`
	Trigger       DowngradeTrigger `yaml:"downgrade_when"`
}

// RoutingPolicy selects models per stage for matching runs. Only the single
// highest-priority matching policy applies to a run.
type RoutingPolicy struct {
	ID                   string        `yaml:"id"`
	Match                Match         `yaml:"match"`
	DefaultModel         string        `yaml:"default_model"`
	DefaultFallbackModel string        `yaml:"default_fallback_model"`
	Stages               []StageConfig `yaml:"stages"`
}

// Priority scores the routing policy: +1/+2/+4 for non-wildcard tenant,
// strand and workflow patterns. Routing has no scope axis.
func (r *RoutingPolicy) Priority() int {
	score := 0
	if !isWildcard(r.Match.TenantID) {
		score += 1
	}
	if !isWildcard(r.Match.StrandID) {
		score += 2
	}
	if !isWildcard(r.Match.WorkflowID) {
		score += 4
	}
	return score
}

// Stage returns the configuration for a stage name, or nil.
func (r *RoutingPolicy) Stage(name string) *StageConfig {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Documents is one loaded policy snapshot: budgets, routing policies and the
// pricing table.
type Documents struct {
	Budgets  []BudgetSpec    `yaml:"budgets"`
	Routing  []RoutingPolicy `yaml:"routing_policies"`
	Pricing  *pricing.Table  `yaml:"pricing"`
	Warnings []string        `yaml:"-"`
}

// ErrConfigInvalid is returned when a loaded document fails validation.
var ErrConfigInvalid = errors.New("invalid policy configuration")

// Validate checks enumerated fields, normalizes patterns and action casing,
// and sorts soft thresholds ascending. Unknown YAML keys were already
// dropped by the decoder; value-level problems are errors.
func (d *Documents) Validate() error {
	seen := make(map[string]bool, len(d.Budgets))
	for i := range d.Budgets {
		b := &d.Budgets[i]
		if b.ID == "" {
			return fmt.Errorf("%w: budget %d has no id", ErrConfigInvalid, i)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: duplicate budget id %q", ErrConfigInvalid, b.ID)
		}
		seen[b.ID] = true
		if b.Scope == "" {
			b.Scope = ScopeGlobal
		}
		if !b.Scope.valid() {
			return fmt.Errorf("%w: budget %q has unknown scope %q", ErrConfigInvalid, b.ID, b.Scope)
		}
		if b.Period == "" {
			b.Period = PeriodDaily
		}
		if !b.Period.valid() {
			return fmt.Errorf("%w: budget %q has unknown period %q", ErrConfigInvalid, b.ID, b.Period)
		}
		normalizeMatch(&b.Match)
		if b.OnSoftThresholdExceeded == "" {
			b.OnSoftThresholdExceeded = ActionLogOnly
		}
		b.OnSoftThresholdExceeded = ThresholdAction(strings.ToUpper(string(b.OnSoftThresholdExceeded)))
		if !b.OnSoftThresholdExceeded.valid() {
			return fmt.Errorf("%w: budget %q has unknown soft-threshold action %q",
				ErrConfigInvalid, b.ID, b.OnSoftThresholdExceeded)
		}
		if b.OnHardLimitExceeded == "" {
			b.OnHardLimitExceeded = ActionRejectNewRuns
		}
		b.OnHardLimitExceeded = HardLimitAction(strings.ToUpper(string(b.OnHardLimitExceeded)))
		if !b.OnHardLimitExceeded.valid() {
			return fmt.Errorf("%w: budget %q has unknown hard-limit action %q",
				ErrConfigInvalid, b.ID, b.OnHardLimitExceeded)
		}
		for _, t := range b.SoftThresholds {
			if t <= 0 || t > 1 {
				return fmt.Errorf("%w: budget %q threshold %v outside (0,1]", ErrConfigInvalid, b.ID, t)
			}
		}
		sort.Float64s(b.SoftThresholds)
		if b.MaxCost < 0 {
			return fmt.Errorf("%w: budget %q has negative max_cost", ErrConfigInvalid, b.ID)
		}
	}

	seen = make(map[string]bool, len(d.Routing))
	for i := range d.Routing {
		r := &d.Routing[i]
		if r.ID == "" {
			return fmt.Errorf("%w: routing policy %d has no id", ErrConfigInvalid, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate routing policy id %q", ErrConfigInvalid, r.ID)
		}
		seen[r.ID] = true
		normalizeMatch(&r.Match)
		if r.DefaultModel == "" {
			return fmt.Errorf("%w: routing policy %q has no default_model", ErrConfigInvalid, r.ID)
		}
		stages := make(map[string]bool, len(r.Stages))
		for j := range r.Stages {
			s := &r.Stages[j]
			if s.Stage == "" {
				return fmt.Errorf("%w: routing policy %q stage %d has no name", ErrConfigInvalid, r.ID, j)
			}
			if stages[s.Stage] {
				return fmt.Errorf("%w: routing policy %q has duplicate stage %q", ErrConfigInvalid, r.ID, s.Stage)
			}
			stages[s.Stage] = true
			if s.DefaultModel == "" {
				s.DefaultModel = r.DefaultModel
			}
		}
	}
	return nil
}

func normalizeMatch(m *Match) {
	if m.TenantID == "" {
		m.TenantID = "*"
	}
	if m.StrandID == "" {
		m.StrandID = "*"
	}
	if m.WorkflowID == "" {
		m.WorkflowID = "*"
	}
}
