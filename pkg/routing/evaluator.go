package routing

import (
	"fmt"
	"log/slog"

	"github.com/strands-agents/costguard/pkg/budget"
	"github.com/strands-agents/costguard/pkg/policy"
)

// Result is the model selection for one call.
type Result struct {
	// Model is the effective model identifier.
	Model string

	// MaxTokens and Temperature are optional per-stage overrides.
	MaxTokens   *int64
	Temperature *float64

	// Downgraded is true when a trigger clause switched the call to the
	// fallback model.
	Downgraded bool

	// OriginalModel is the model that would have been used without the
	// downgrade. Set only when Downgraded is true.
	OriginalModel string

	// Reason names the trigger clause that fired.
	Reason string
}

// Evaluator resolves stage configurations and downgrade triggers.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default().With("component", "routing")
	}
	return &Evaluator{logger: logger}
}

// Evaluate selects the model for one call. A nil policy means no routing
// policy matched the run; the caller's requested model passes through
// unchanged. An unknown or empty stage returns the policy's default model
// with no trigger evaluation and no overrides.
func (e *Evaluator) Evaluate(pol *policy.RoutingPolicy, stage string, sig budget.Signals) Result {
	if pol == nil {
		return Result{}
	}

	sc := pol.Stage(stage)
	if sc == nil {
		return Result{Model: pol.DefaultModel}
	}

	res := Result{
		Model:       sc.DefaultModel,
		MaxTokens:   sc.MaxTokens,
		Temperature: sc.Temperature,
	}
	if res.Model == "" {
		res.Model = pol.DefaultModel
	}

	reason := triggered(sc.Trigger, sig)
	if reason == "" {
		return res
	}

	fallback := sc.FallbackModel
	if fallback == "" {
		fallback = pol.DefaultFallbackModel
	}
	if fallback == "" || fallback == res.Model {
		// Trigger fired but there is nowhere cheaper to go.
		return res
	}

	e.logger.Debug("model downgraded",
		"policy", pol.ID,
		"stage", sc.Stage,
		"from", res.Model,
		"to", fallback,
		"reason", reason,
	)
	res.OriginalModel = res.Model
	res.Model = fallback
	res.Downgraded = true
	res.Reason = reason
	return res
}

// triggered evaluates the trigger clauses in fixed order and returns the
// name of the first clause that fired, or "".
func triggered(tr policy.DowngradeTrigger, sig budget.Signals) string {
	if tr.SoftThresholdExceeded && sig.SoftThresholdExceeded {
		return "soft_threshold_exceeded"
	}
	if tr.RemainingBudgetBelow != nil && sig.RemainingBudget != nil &&
		*sig.RemainingBudget < *tr.RemainingBudgetBelow {
		return fmt.Sprintf("remaining_budget_below %.2f", *tr.RemainingBudgetBelow)
	}
	if tr.IterationCountAbove != nil && sig.IterationCount > *tr.IterationCountAbove {
		return fmt.Sprintf("iteration_count_above %d", *tr.IterationCountAbove)
	}
	if tr.LatencyAboveMS != nil && sig.AvgLatencyMS > *tr.LatencyAboveMS {
		return fmt.Sprintf("latency_above_ms %.0f", *tr.LatencyAboveMS)
	}
	return ""
}
