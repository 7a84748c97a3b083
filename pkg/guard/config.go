package guard

import (
	"log/slog"
	"time"

	"github.com/strands-agents/costguard/pkg/policy"
	"github.com/strands-agents/costguard/pkg/store"
	"github.com/strands-agents/costguard/pkg/telemetry"
)

// FailureMode decides what a hook returns when the guard itself fails.
type FailureMode string

const (
	// FailOpen turns internal failures into allowing decisions with a
	// warning. This is the default: a broken cost guard should not take
	// the agent fleet down with it.
	FailOpen FailureMode = "fail_open"

	// FailClosed turns internal failures into rejections.
	FailClosed FailureMode = "fail_closed"
)

// Config configures a Guard.
type Config struct {
	// Policies is the policy store resolving budgets, routing and pricing.
	// Required.
	Policies *policy.Store

	// Store is the optional shared persistence backend for budget state.
	Store store.Store

	// Emitter receives metrics. Defaults to an OpenTelemetry emitter on
	// the global meter provider; use telemetry.Noop to disable.
	Emitter telemetry.Emitter

	// FailureMode defaults to FailOpen.
	FailureMode FailureMode

	// StoreTimeout bounds each persistence round trip. Defaults to 2s.
	StoreTimeout time.Duration

	// CASAttempts bounds the store's compare-and-set retry loop before an
	// update falls back to in-memory accounting. Defaults to 8.
	CASAttempts int

	// GraceWindow is how long ended runs keep accepting late usage
	// reports. Defaults to 5m.
	GraceWindow time.Duration

	// MaintenanceSchedule is the cron expression for the background
	// maintenance job (retired-run eviction, store recovery probing).
	// Defaults to "@every 1m". Set to "-" to disable.
	MaintenanceSchedule string

	// Logger defaults to slog.Default().With("component", "guard").
	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}
