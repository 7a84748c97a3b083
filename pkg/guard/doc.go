// Package guard is the decision pipeline of the cost guard. The host
// runtime calls its eight lifecycle hooks around every agent run and is
// required to honor the returned Decisions.
//
// # Hooks
//
//   - OnRunStart / OnRunEnd bracket a run; admission reserves concurrency
//     slots on every applicable budget and OnRunEnd releases them.
//   - OnIterationStart / OnIterationEnd bracket one agent loop iteration.
//   - BeforeModelCall / AfterModelCall bracket one model call; the before
//     hook also routes the call, returning the effective model.
//   - BeforeToolCall / AfterToolCall bracket one tool call.
//
// # Decision precedence
//
// Within one decision the most restrictive outcome wins: hard limits
// (REJECT_NEW_RUNS, HALT_RUN) over per-run constraints, over HALT_NEW_RUNS,
// over the modifying actions (LIMIT_CAPABILITIES, DOWNGRADE_MODEL), over
// LOG_ONLY.
//
// # Failure modes
//
// Internal failures never escape a hook. Under FailOpen they yield an
// allowing decision with a warning; under FailClosed, a rejection. Budget
// and constraint violations are Decisions, not errors.
package guard
