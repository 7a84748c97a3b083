package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/strands-agents/costguard"

// OTelEmitter is the default Emitter, recording the schema's counters
// through an OpenTelemetry MeterProvider.
type OTelEmitter struct {
	includeRunID bool

	costTotal    metric.Float64Counter
	costModel    metric.Float64Counter
	costTool     metric.Float64Counter
	tokensInput  metric.Int64Counter
	tokensOutput metric.Int64Counter
	runs         metric.Int64Counter
	iterations   metric.Int64Counter
	toolCalls    metric.Int64Counter
	downgrades   metric.Int64Counter
	rejections   metric.Int64Counter
	halts        metric.Int64Counter
}

var _ Emitter = (*OTelEmitter)(nil)

// OTelOption configures an OTelEmitter.
type OTelOption func(*otelOptions)

type otelOptions struct {
	provider     metric.MeterProvider
	includeRunID bool
}

// WithMeterProvider sets the provider. Defaults to the global one.
func WithMeterProvider(p metric.MeterProvider) OTelOption {
	return func(o *otelOptions) { o.provider = p }
}

// WithRunID attaches strands.run_id to every emission. High-cardinality;
// off by default.
func WithRunID(include bool) OTelOption {
	return func(o *otelOptions) { o.includeRunID = include }
}

// NewOTelEmitter creates the default emitter.
func NewOTelEmitter(opts ...OTelOption) (*OTelEmitter, error) {
	options := otelOptions{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&options)
	}
	meter := options.provider.Meter(meterName)

	e := &OTelEmitter{includeRunID: options.includeRunID}
	var err error
	if e.costTotal, err = meter.Float64Counter(NameCostTotal,
		metric.WithUnit("{currency}"),
		metric.WithDescription("Total cost accrued by agent runs")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameCostTotal, err)
	}
	if e.costModel, err = meter.Float64Counter(NameCostModel,
		metric.WithUnit("{currency}"),
		metric.WithDescription("Cost accrued by model calls")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameCostModel, err)
	}
	if e.costTool, err = meter.Float64Counter(NameCostTool,
		metric.WithUnit("{currency}"),
		metric.WithDescription("Cost accrued by tool calls")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameCostTool, err)
	}
	if e.tokensInput, err = meter.Int64Counter(NameTokensInput,
		metric.WithUnit("{token}"),
		metric.WithDescription("Input tokens consumed")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameTokensInput, err)
	}
	if e.tokensOutput, err = meter.Int64Counter(NameTokensOutput,
		metric.WithUnit("{token}"),
		metric.WithDescription("Output tokens produced")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameTokensOutput, err)
	}
	if e.runs, err = meter.Int64Counter(NameRuns,
		metric.WithUnit("{run}"),
		metric.WithDescription("Agent run lifecycle events")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameRuns, err)
	}
	if e.iterations, err = meter.Int64Counter(NameIterations,
		metric.WithUnit("{iteration}"),
		metric.WithDescription("Agent loop iterations")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameIterations, err)
	}
	if e.toolCalls, err = meter.Int64Counter(NameToolCalls,
		metric.WithUnit("{call}"),
		metric.WithDescription("Tool invocations")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameToolCalls, err)
	}
	if e.downgrades, err = meter.Int64Counter(NameDowngradeEvents,
		metric.WithUnit("{event}"),
		metric.WithDescription("Model downgrades under budget pressure")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameDowngradeEvents, err)
	}
	if e.rejections, err = meter.Int64Counter(NameRejectionEvents,
		metric.WithUnit("{event}"),
		metric.WithDescription("Run admissions rejected")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameRejectionEvents, err)
	}
	if e.halts, err = meter.Int64Counter(NameHaltEvents,
		metric.WithUnit("{event}"),
		metric.WithDescription("Runs halted mid-flight")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", NameHaltEvents, err)
	}
	return e, nil
}

// base converts Attributes into OTel KeyValues in a deterministic order.
func (e *OTelEmitter) base(a Attributes, extra ...attribute.KeyValue) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, 4+len(a.Metadata)+len(extra))
	kvs = append(kvs,
		attribute.String(AttrTenantID, a.TenantID),
		attribute.String(AttrStrandID, a.StrandID),
		attribute.String(AttrWorkflowID, a.WorkflowID),
	)
	if e.includeRunID && a.RunID != "" {
		kvs = append(kvs, attribute.String(AttrRunID, a.RunID))
	}
	if len(a.Metadata) > 0 {
		keys := make([]string, 0, len(a.Metadata))
		for k := range a.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kvs = append(kvs, attribute.String(AttrMetadataPrefix+k, a.Metadata[k]))
		}
	}
	return append(kvs, extra...)
}

func (e *OTelEmitter) RunStarted(ctx context.Context, a Attributes) {
	e.runs.Add(ctx, 1, metric.WithAttributes(e.base(a,
		attribute.String(AttrEvent, "start"))...))
}

func (e *OTelEmitter) RunEnded(ctx context.Context, a Attributes, status string) {
	e.runs.Add(ctx, 1, metric.WithAttributes(e.base(a,
		attribute.String(AttrEvent, "end"),
		attribute.String(AttrStatus, status))...))
}

func (e *OTelEmitter) Iteration(ctx context.Context, a Attributes, idx int) {
	e.iterations.Add(ctx, 1, metric.WithAttributes(e.base(a,
		attribute.String(AttrIterationIdx, strconv.Itoa(idx)))...))
}

func (e *OTelEmitter) ToolCall(ctx context.Context, a Attributes, tool string) {
	e.toolCalls.Add(ctx, 1, metric.WithAttributes(e.base(a,
		attribute.String(AttrToolName, tool))...))
}

func (e *OTelEmitter) ModelCost(ctx context.Context, a Attributes, model string, cost float64) {
	if cost <= 0 {
		return
	}
	e.costModel.Add(ctx, cost, metric.WithAttributes(e.base(a,
		attribute.String(AttrModelName, model))...))
}

func (e *OTelEmitter) ToolCost(ctx context.Context, a Attributes, tool string, cost float64) {
	if cost <= 0 {
		return
	}
	e.costTool.Add(ctx, cost, metric.WithAttributes(e.base(a,
		attribute.String(AttrToolName, tool))...))
}

func (e *OTelEmitter) TotalCost(ctx context.Context, a Attributes, cost float64) {
	if cost <= 0 {
		return
	}
	e.costTotal.Add(ctx, cost, metric.WithAttributes(e.base(a)...))
}

func (e *OTelEmitter) Tokens(ctx context.Context, a Attributes, model string, in, out int64) {
	attrs := metric.WithAttributes(e.base(a, attribute.String(AttrModelName, model))...)
	if in > 0 {
		e.tokensInput.Add(ctx, in, attrs)
	}
	if out > 0 {
		e.tokensOutput.Add(ctx, out, attrs)
	}
}

func (e *OTelEmitter) Downgrade(ctx context.Context, a Attributes, original, fallback, reason string) {
	e.downgrades.Add(ctx, 1, metric.WithAttributes(e.base(a,
		attribute.String(AttrModelOriginal, original),
		attribute.String(AttrModelFallback, fallback),
		attribute.String(AttrReason, reason))...))
}

func (e *OTelEmitter) Rejection(ctx context.Context, a Attributes, reason string) {
	e.rejections.Add(ctx, 1, metric.WithAttributes(e.base(a,
		attribute.String(AttrReason, reason))...))
}

func (e *OTelEmitter) Halt(ctx context.Context, a Attributes, reason string) {
	e.halts.Add(ctx, 1, metric.WithAttributes(e.base(a,
		attribute.String(AttrReason, reason))...))
}
