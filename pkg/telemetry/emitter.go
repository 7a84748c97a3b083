package telemetry

import (
	"context"
	"log/slog"
)

// Stable metric names.
const (
	NameCostTotal       = "genai.cost.total"
	NameCostModel       = "genai.cost.model"
	NameCostTool        = "genai.cost.tool"
	NameTokensInput     = "genai.tokens.input"
	NameTokensOutput    = "genai.tokens.output"
	NameRuns            = "genai.agent.runs"
	NameIterations      = "genai.agent.iterations"
	NameToolCalls       = "genai.agent.tool_calls"
	NameDowngradeEvents = "genai.cost.downgrade_events"
	NameRejectionEvents = "genai.cost.rejection_events"
	NameHaltEvents      = "genai.cost.halt_events"
)

// Stable attribute keys.
const (
	AttrTenantID       = "strands.tenant_id"
	AttrStrandID       = "strands.strand_id"
	AttrWorkflowID     = "strands.workflow_id"
	AttrRunID          = "strands.run_id"
	AttrMetadataPrefix = "strands.metadata."
	AttrEvent          = "strands.event"
	AttrStatus         = "strands.status"
	AttrIterationIdx   = "strands.iteration_idx"
	AttrToolName       = "strands.tool.name"
	AttrReason         = "strands.reason"
	AttrModelName      = "genai.model.name"
	AttrModelOriginal  = "genai.model.original"
	AttrModelFallback  = "genai.model.fallback"
)

// Attributes is the base attribute set attached to every emission.
type Attributes struct {
	TenantID   string
	StrandID   string
	WorkflowID string

	// RunID is attached only by emitters configured to include it.
	RunID string

	// Metadata is the run's metadata bag, emitted under
	// "strands.metadata.<key>".
	Metadata map[string]string
}

// Emitter records cost-guard metrics. Implementations must be safe for
// concurrent use and should never block the calling hook.
type Emitter interface {
	// RunStarted counts a run admission (strands.event=start).
	RunStarted(ctx context.Context, attrs Attributes)

	// RunEnded counts a run completion with its final status.
	RunEnded(ctx context.Context, attrs Attributes, status string)

	// Iteration counts one agent loop iteration.
	Iteration(ctx context.Context, attrs Attributes, idx int)

	// ToolCall counts one tool invocation.
	ToolCall(ctx context.Context, attrs Attributes, tool string)

	// ModelCost adds model spend; TotalCost must be emitted separately.
	ModelCost(ctx context.Context, attrs Attributes, model string, cost float64)

	// ToolCost adds tool spend.
	ToolCost(ctx context.Context, attrs Attributes, tool string, cost float64)

	// TotalCost adds to the aggregate spend counter.
	TotalCost(ctx context.Context, attrs Attributes, cost float64)

	// Tokens adds input/output token counts for a model.
	Tokens(ctx context.Context, attrs Attributes, model string, input, output int64)

	// Downgrade counts a routing downgrade event.
	Downgrade(ctx context.Context, attrs Attributes, originalModel, fallbackModel, reason string)

	// Rejection counts a rejected admission.
	Rejection(ctx context.Context, attrs Attributes, reason string)

	// Halt counts a halted run.
	Halt(ctx context.Context, attrs Attributes, reason string)
}

// Noop discards all emissions.
type Noop struct{}

var _ Emitter = Noop{}

func (Noop) RunStarted(context.Context, Attributes)                        {}
func (Noop) RunEnded(context.Context, Attributes, string)                  {}
func (Noop) Iteration(context.Context, Attributes, int)                    {}
func (Noop) ToolCall(context.Context, Attributes, string)                  {}
func (Noop) ModelCost(context.Context, Attributes, string, float64)        {}
func (Noop) ToolCost(context.Context, Attributes, string, float64)         {}
func (Noop) TotalCost(context.Context, Attributes, float64)                {}
func (Noop) Tokens(context.Context, Attributes, string, int64, int64)      {}
func (Noop) Downgrade(context.Context, Attributes, string, string, string) {}
func (Noop) Rejection(context.Context, Attributes, string)                 {}
func (Noop) Halt(context.Context, Attributes, string)                      {}

// Safe wraps an emitter so that panics are swallowed and logged. Metric
// emission must never fail the calling hook.
func Safe(e Emitter, logger *slog.Logger) Emitter {
	if logger == nil {
		logger = slog.Default().With("component", "telemetry")
	}
	return &safeEmitter{inner: e, logger: logger}
}

type safeEmitter struct {
	inner  Emitter
	logger *slog.Logger
}

func (s *safeEmitter) guard() {
	if r := recover(); r != nil {
		s.logger.Warn("metric emission failed", "panic", r)
	}
}

func (s *safeEmitter) RunStarted(ctx context.Context, a Attributes) {
	defer s.guard()
	s.inner.RunStarted(ctx, a)
}

func (s *safeEmitter) RunEnded(ctx context.Context, a Attributes, status string) {
	defer s.guard()
	s.inner.RunEnded(ctx, a, status)
}

func (s *safeEmitter) Iteration(ctx context.Context, a Attributes, idx int) {
	defer s.guard()
	s.inner.Iteration(ctx, a, idx)
}

func (s *safeEmitter) ToolCall(ctx context.Context, a Attributes, tool string) {
	defer s.guard()
	s.inner.ToolCall(ctx, a, tool)
}

func (s *safeEmitter) ModelCost(ctx context.Context, a Attributes, model string, cost float64) {
	defer s.guard()
	s.inner.ModelCost(ctx, a, model, cost)
}

func (s *safeEmitter) ToolCost(ctx context.Context, a Attributes, tool string, cost float64) {
	defer s.guard()
	s.inner.ToolCost(ctx, a, tool, cost)
}

func (s *safeEmitter) TotalCost(ctx context.Context, a Attributes, cost float64) {
	defer s.guard()
	s.inner.TotalCost(ctx, a, cost)
}

func (s *safeEmitter) Tokens(ctx context.Context, a Attributes, model string, in, out int64) {
	defer s.guard()
	s.inner.Tokens(ctx, a, model, in, out)
}

func (s *safeEmitter) Downgrade(ctx context.Context, a Attributes, original, fallback, reason string) {
	defer s.guard()
	s.inner.Downgrade(ctx, a, original, fallback, reason)
}

func (s *safeEmitter) Rejection(ctx context.Context, a Attributes, reason string) {
	defer s.guard()
	s.inner.Rejection(ctx, a, reason)
}

func (s *safeEmitter) Halt(ctx context.Context, a Attributes, reason string) {
	defer s.guard()
	s.inner.Halt(ctx, a, reason)
}
