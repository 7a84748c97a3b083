// Package routing selects the effective model for a model call by
// evaluating the matched routing policy's stage configuration against the
// run's budget signals.
//
// A stage's downgrade trigger clauses are evaluated in a fixed order
// (soft threshold, remaining budget, iteration count, latency) and the
// first clause that fires switches the call to the stage's fallback model.
// A call never escalates back within the same evaluation; each model call
// is evaluated fresh, so recovered budgets route normally again.
package routing
