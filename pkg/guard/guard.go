package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/strands-agents/costguard/pkg/budget"
	"github.com/strands-agents/costguard/pkg/policy"
	"github.com/strands-agents/costguard/pkg/routing"
	"github.com/strands-agents/costguard/pkg/telemetry"
)

// Guard is the decision pipeline. It owns the budget tracker and the
// routing evaluator, is safe for concurrent use, and follows an explicit
// New, use, Shutdown lifecycle.
type Guard struct {
	policies  *policy.Store
	tracker   *budget.Tracker
	evaluator *routing.Evaluator
	emitter   telemetry.Emitter
	failMode  FailureMode
	logger    *slog.Logger
	maint     *maintenance
}

// New creates a Guard and starts its maintenance schedule.
func New(cfg Config) (*Guard, error) {
	if cfg.Policies == nil {
		return nil, newError(KindConfigInvalid, "new", fmt.Errorf("policy store is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "guard")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		otel, err := telemetry.NewOTelEmitter()
		if err != nil {
			return nil, newError(KindConfigInvalid, "new", err)
		}
		emitter = otel
	}
	mode := cfg.FailureMode
	if mode == "" {
		mode = FailOpen
	}

	g := &Guard{
		policies: cfg.Policies,
		tracker: budget.NewTracker(budget.Config{
			Policies:     cfg.Policies,
			Store:        cfg.Store,
			StoreTimeout: cfg.StoreTimeout,
			CASAttempts:  cfg.CASAttempts,
			GraceWindow:  cfg.GraceWindow,
			Logger:       logger.With("component", "budget.tracker"),
			Clock:        cfg.Clock,
		}),
		evaluator: routing.NewEvaluator(logger.With("component", "routing")),
		emitter:   telemetry.Safe(emitter, logger),
		failMode:  mode,
		logger:    logger,
	}
	maint, err := startMaintenance(g, cfg.MaintenanceSchedule)
	if err != nil {
		return nil, newError(KindConfigInvalid, "new", err)
	}
	g.maint = maint
	return g, nil
}

// Shutdown stops background maintenance. Hooks called afterwards still
// work; only the periodic eviction and store recovery stop.
func (g *Guard) Shutdown(ctx context.Context) error {
	g.maint.stop()
	return nil
}

// failDecision applies the failure mode to an internal problem.
func (g *Guard) failDecision(op string, cause any) Decision {
	msg := fmt.Sprintf("internal failure in %s: %v", op, cause)
	g.logger.Error("hook failed", "op", op, "cause", cause, "failure_mode", g.failMode)
	if g.failMode == FailClosed {
		return reject(msg)
	}
	d := admit()
	d.Warnings = append(d.Warnings, msg)
	return d
}

func (g *Guard) recoverHook(op string, d *Decision) {
	if r := recover(); r != nil {
		*d = g.failDecision(op, r)
	}
}

// unknownRun applies the failure mode to a before_* hook on an untracked
// run ID.
func (g *Guard) unknownRun(op, runID string) Decision {
	msg := fmt.Sprintf("unknown run %q in %s", runID, op)
	g.logger.Warn("hook on unknown run", "op", op, "run_id", runID)
	if g.failMode == FailClosed {
		return reject(msg)
	}
	d := admit()
	d.Warnings = append(d.Warnings, msg)
	return d
}

func attrsFor(rc budget.RunContext) telemetry.Attributes {
	return telemetry.Attributes{
		TenantID:   rc.TenantID,
		StrandID:   rc.StrandID,
		WorkflowID: rc.WorkflowID,
		RunID:      rc.RunID,
		Metadata:   rc.Metadata,
	}
}

func (g *Guard) runAttrs(runID string) telemetry.Attributes {
	if snap, ok := g.tracker.Run(runID); ok {
		return attrsFor(snap.Context)
	}
	return telemetry.Attributes{RunID: runID}
}

// OnRunStart admits or rejects a new run against every applicable budget.
func (g *Guard) OnRunStart(ctx context.Context, rc budget.RunContext) (d Decision) {
	defer g.recoverHook("on_run_start", &d)
	res := g.tracker.OpenRun(ctx, rc)
	if !res.Allowed {
		g.emitter.Rejection(ctx, attrsFor(rc), res.Reason)
		d = reject(res.Reason)
		d.Warnings = res.Warnings
		d.Remaining = res.Remaining
		return d
	}
	g.emitter.RunStarted(ctx, attrsFor(rc))
	d = admit()
	d.Warnings = res.Warnings
	d.Remaining = res.Remaining
	return d
}

// OnRunEnd closes a run and frees its concurrency slots. Calling it twice,
// or for an unknown run, is a warning and a no-op.
func (g *Guard) OnRunEnd(ctx context.Context, runID string, status budget.RunStatus) (d Decision) {
	defer g.recoverHook("on_run_end", &d)
	cl := g.tracker.CloseRun(ctx, runID, status)
	d = admit()
	switch {
	case !cl.Known:
		g.logger.Warn("on_run_end for unknown run", "run_id", runID)
		d.Warnings = append(d.Warnings, fmt.Sprintf("unknown run %q", runID))
	case cl.AlreadyClosed:
		d.Warnings = append(d.Warnings, fmt.Sprintf("run %q already ended", runID))
	default:
		g.emitter.RunEnded(ctx, attrsFor(cl.Snapshot.Context), string(cl.Snapshot.Status))
	}
	return d
}

// checkDecision maps a tracker check outcome to a Decision and emits halt
// events for newly halted or constraint-stopped runs.
func (g *Guard) checkDecision(ctx context.Context, runID string, res budget.CheckResult) Decision {
	var d Decision
	switch {
	case res.Constraint:
		d = halt(res.Reason)
	case res.SoftHalt:
		d = reject(res.Reason)
	default:
		d = halt(res.Reason)
	}
	d.Warnings = res.Warnings
	d.Remaining = res.Remaining
	if res.Halted || res.Constraint {
		g.emitter.Halt(ctx, g.runAttrs(runID), res.Reason)
	}
	return d
}

// OnIterationStart gates one agent loop iteration.
func (g *Guard) OnIterationStart(ctx context.Context, runID string, idx int) (d Decision) {
	defer g.recoverHook("on_iteration_start", &d)
	res := g.tracker.CheckIteration(ctx, runID)
	if !res.Known {
		return g.unknownRun("on_iteration_start", runID)
	}
	if !res.Allowed {
		return g.checkDecision(ctx, runID, res)
	}
	g.emitter.Iteration(ctx, g.runAttrs(runID), idx)
	d = admit()
	d.Warnings = res.Warnings
	d.Remaining = res.Remaining
	return d
}

// OnIterationEnd records the end of an iteration. It never blocks; usage
// is accounted by the after_* hooks.
func (g *Guard) OnIterationEnd(ctx context.Context, runID string, idx int) (d Decision) {
	defer g.recoverHook("on_iteration_end", &d)
	d = admit()
	if _, ok := g.tracker.Run(runID); !ok {
		g.logger.Warn("on_iteration_end for unknown run", "run_id", runID)
		d.Warnings = append(d.Warnings, fmt.Sprintf("unknown run %q", runID))
	}
	return d
}

// BeforeModelCall gates one model call and routes it: the returned decision
// names the effective model after any downgrade and carries stage-level
// token and temperature overrides. estTokens is the host's usage estimate
// for the call, checked against the per-run token constraint; pass zero
// when no estimate is available.
func (g *Guard) BeforeModelCall(ctx context.Context, runID, model, stage string, estTokens int64) (md ModelDecision) {
	defer func() {
		if r := recover(); r != nil {
			md = ModelDecision{Decision: g.failDecision("before_model_call", r), EffectiveModel: model}
		}
	}()
	res, sig := g.tracker.CheckModel(ctx, runID, estTokens)
	if !res.Known {
		return ModelDecision{Decision: g.unknownRun("before_model_call", runID), EffectiveModel: model}
	}
	if !res.Allowed {
		return ModelDecision{Decision: g.checkDecision(ctx, runID, res)}
	}

	var pol *policy.RoutingPolicy
	if snap, ok := g.tracker.Run(runID); ok {
		pol = g.policies.RoutingFor(ctx, snap.Context.Scope())
	}
	r := g.evaluator.Evaluate(pol, stage, sig)

	md = ModelDecision{
		Decision:       admit(),
		EffectiveModel: r.Model,
		MaxTokens:      r.MaxTokens,
		Temperature:    r.Temperature,
	}
	if md.EffectiveModel == "" {
		md.EffectiveModel = model
	}
	md.Warnings = res.Warnings
	md.Remaining = res.Remaining

	if r.Downgraded {
		md.Action = ActionDowngrade
		md.WasDowngraded = true
		md.OriginalModel = r.OriginalModel
		md.Reason = r.Reason
		g.emitter.Downgrade(ctx, g.runAttrs(runID), r.OriginalModel, r.Model, r.Reason)
	} else if sig.MaxTokensRemaining != nil {
		md.Action = ActionLimit
		md.Overrides.MaxTokensRemaining = sig.MaxTokensRemaining
	}
	return md
}

// AfterModelCall charges a model call's reported usage. Unknown runs are a
// warning and a no-op.
func (g *Guard) AfterModelCall(ctx context.Context, runID string, report budget.ModelUsageReport) (d Decision) {
	defer g.recoverHook("after_model_call", &d)
	rr := g.tracker.RecordModel(ctx, runID, report)
	if !rr.Known {
		g.logger.Warn("after_model_call for unknown run", "run_id", runID)
		d = admit()
		d.Warnings = append(d.Warnings, fmt.Sprintf("unknown run %q", runID))
		return d
	}
	attrs := g.runAttrs(runID)
	g.emitter.ModelCost(ctx, attrs, report.Model, rr.Cost)
	g.emitter.TotalCost(ctx, attrs, rr.Cost)
	g.emitter.Tokens(ctx, attrs, report.Model, report.Usage.PromptTokens, report.Usage.CompletionTokens)
	g.afterRecord(ctx, rr)
	d = admit()
	d.Warnings = rr.Warnings
	return d
}

// BeforeToolCall gates one tool call.
func (g *Guard) BeforeToolCall(ctx context.Context, runID, tool string) (d Decision) {
	defer g.recoverHook("before_tool_call", &d)
	res := g.tracker.CheckTool(ctx, runID)
	if !res.Known {
		return g.unknownRun("before_tool_call", runID)
	}
	if !res.Allowed {
		return g.checkDecision(ctx, runID, res)
	}
	g.emitter.ToolCall(ctx, g.runAttrs(runID), tool)
	d = admit()
	d.Warnings = res.Warnings
	d.Remaining = res.Remaining
	return d
}

// AfterToolCall charges a tool call's reported usage.
func (g *Guard) AfterToolCall(ctx context.Context, runID string, report budget.ToolUsageReport) (d Decision) {
	defer g.recoverHook("after_tool_call", &d)
	rr := g.tracker.RecordTool(ctx, runID, report)
	if !rr.Known {
		g.logger.Warn("after_tool_call for unknown run", "run_id", runID)
		d = admit()
		d.Warnings = append(d.Warnings, fmt.Sprintf("unknown run %q", runID))
		return d
	}
	attrs := g.runAttrs(runID)
	g.emitter.ToolCost(ctx, attrs, report.Tool, rr.Cost)
	g.emitter.TotalCost(ctx, attrs, rr.Cost)
	g.afterRecord(ctx, rr)
	d = admit()
	d.Warnings = rr.Warnings
	return d
}

// afterRecord handles the side effects shared by both record hooks:
// threshold-crossing logs and halt events for runs a hard limit stopped.
func (g *Guard) afterRecord(ctx context.Context, rr budget.RecordResult) {
	for _, c := range rr.Crossings {
		g.logger.Warn("budget threshold crossed",
			"event_id", c.EventID,
			"budget_id", c.BudgetID,
			"scope_key", c.ScopeKey,
			"threshold", c.Threshold,
			"utilization", c.Utilization,
			"action", c.Action,
		)
	}
	for _, runID := range rr.HaltedRuns {
		g.emitter.Halt(ctx, g.runAttrs(runID), "budget hard limit reached")
	}
}

// RunState returns a snapshot of an active or recently ended run.
func (g *Guard) RunState(runID string) (budget.RunSnapshot, error) {
	snap, ok := g.tracker.Run(runID)
	if !ok {
		return budget.RunSnapshot{}, newError(KindContextUnknown, "run_state",
			fmt.Errorf("run %q", runID))
	}
	return snap, nil
}

// BudgetStatus returns the current state of every budget applicable to a
// scope.
func (g *Guard) BudgetStatus(ctx context.Context, scope policy.RunScope) []budget.BudgetStatus {
	return g.tracker.BudgetStatuses(ctx, scope)
}

// StoreHealthy reports whether the persistence backend is in use.
func (g *Guard) StoreHealthy() bool {
	return g.tracker.StoreHealthy()
}
