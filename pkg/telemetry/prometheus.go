package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusEmitter records the schema's counters against a Prometheus
// registry for scrape-based deployments.
//
// Prometheus names cannot contain dots, so "genai.cost.total" becomes
// "genai_cost_total". Unbounded attributes (run_id, metadata, iteration
// index) are dropped to keep label cardinality bounded; the OTel emitter is
// the schema-exact default.
type PrometheusEmitter struct {
	costTotal    *prometheus.CounterVec
	costModel    *prometheus.CounterVec
	costTool     *prometheus.CounterVec
	tokensInput  *prometheus.CounterVec
	tokensOutput *prometheus.CounterVec
	runs         *prometheus.CounterVec
	iterations   *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	downgrades   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	halts        *prometheus.CounterVec
}

var _ Emitter = (*PrometheusEmitter)(nil)

var baseLabels = []string{"tenant_id", "strand_id", "workflow_id"}

// NewPrometheusEmitter creates the emitter and registers its collectors.
func NewPrometheusEmitter(registry *prometheus.Registry) *PrometheusEmitter {
	counter := func(name, help string, extra ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: name, Help: help},
			append(append([]string{}, baseLabels...), extra...),
		)
	}

	e := &PrometheusEmitter{
		costTotal:    counter("genai_cost_total", "Total cost accrued by agent runs"),
		costModel:    counter("genai_cost_model", "Cost accrued by model calls", "model"),
		costTool:     counter("genai_cost_tool", "Cost accrued by tool calls", "tool"),
		tokensInput:  counter("genai_tokens_input", "Input tokens consumed", "model"),
		tokensOutput: counter("genai_tokens_output", "Output tokens produced", "model"),
		runs:         counter("genai_agent_runs", "Agent run lifecycle events", "event", "status"),
		iterations:   counter("genai_agent_iterations", "Agent loop iterations"),
		toolCalls:    counter("genai_agent_tool_calls", "Tool invocations", "tool"),
		downgrades:   counter("genai_cost_downgrade_events", "Model downgrades under budget pressure", "original", "fallback", "reason"),
		rejections:   counter("genai_cost_rejection_events", "Run admissions rejected", "reason"),
		halts:        counter("genai_cost_halt_events", "Runs halted mid-flight", "reason"),
	}

	registry.MustRegister(
		e.costTotal, e.costModel, e.costTool,
		e.tokensInput, e.tokensOutput,
		e.runs, e.iterations, e.toolCalls,
		e.downgrades, e.rejections, e.halts,
	)
	return e
}

func base(a Attributes) []string {
	return []string{a.TenantID, a.StrandID, a.WorkflowID}
}

func (e *PrometheusEmitter) RunStarted(ctx context.Context, a Attributes) {
	e.runs.WithLabelValues(append(base(a), "start", "")...).Inc()
}

func (e *PrometheusEmitter) RunEnded(ctx context.Context, a Attributes, status string) {
	e.runs.WithLabelValues(append(base(a), "end", status)...).Inc()
}

func (e *PrometheusEmitter) Iteration(ctx context.Context, a Attributes, idx int) {
	e.iterations.WithLabelValues(base(a)...).Inc()
}

func (e *PrometheusEmitter) ToolCall(ctx context.Context, a Attributes, tool string) {
	e.toolCalls.WithLabelValues(append(base(a), tool)...).Inc()
}

func (e *PrometheusEmitter) ModelCost(ctx context.Context, a Attributes, model string, cost float64) {
	if cost <= 0 {
		return
	}
	e.costModel.WithLabelValues(append(base(a), model)...).Add(cost)
}

func (e *PrometheusEmitter) ToolCost(ctx context.Context, a Attributes, tool string, cost float64) {
	if cost <= 0 {
		return
	}
	e.costTool.WithLabelValues(append(base(a), tool)...).Add(cost)
}

func (e *PrometheusEmitter) TotalCost(ctx context.Context, a Attributes, cost float64) {
	if cost <= 0 {
		return
	}
	e.costTotal.WithLabelValues(base(a)...).Add(cost)
}

func (e *PrometheusEmitter) Tokens(ctx context.Context, a Attributes, model string, in, out int64) {
	if in > 0 {
		e.tokensInput.WithLabelValues(append(base(a), model)...).Add(float64(in))
	}
	if out > 0 {
		e.tokensOutput.WithLabelValues(append(base(a), model)...).Add(float64(out))
	}
}

func (e *PrometheusEmitter) Downgrade(ctx context.Context, a Attributes, original, fallback, reason string) {
	e.downgrades.WithLabelValues(append(base(a), original, fallback, reason)...).Inc()
}

func (e *PrometheusEmitter) Rejection(ctx context.Context, a Attributes, reason string) {
	e.rejections.WithLabelValues(append(base(a), reason)...).Inc()
}

func (e *PrometheusEmitter) Halt(ctx context.Context, a Attributes, reason string) {
	e.halts.WithLabelValues(append(base(a), reason)...).Inc()
}
