// Package budget maintains period-windowed spending counters and per-run
// accounting for the cost guard.
//
// # Overview
//
// The Tracker owns one BudgetState per (budget, scope key) pair and one
// RunState per run. Budget counters live in calendar-aligned UTC windows
// (hourly, daily, weekly, monthly) and reset atomically when the wall clock
// crosses the window end; the concurrent-run set survives resets because
// runs span periods.
//
// # Threshold detection
//
// After every cost update the tracker compares utilization against the
// budget's soft thresholds and reports each first crossing of a period
// exactly once per tracker instance. With a shared persistent store the
// fleet-wide guarantee is at-least-once; the configured actions are
// idempotent by design. The actions themselves are gated on current
// utilization rather than the local crossing record, so counters adopted
// from a shared store take effect immediately.
//
// # Locking
//
// Each RunState and each BudgetState has its own mutex. When an update
// touches several budgets their locks are taken in ascending
// (budget_id, scope_key) order. Run locks and budget locks are never held
// together.
//
// # Persistence
//
// With a store configured, budget mutations follow an optimistic
// read-apply-CAS protocol (bounded retries). On conflict exhaustion or
// backend failure the mutation falls back to in-memory accounting with a
// warning, and a recovery probe re-enables the store later.
package budget
