// Package policy defines budget and routing policy documents and the
// snapshot store that resolves them for a run context.
//
// # Overview
//
// Policies are declarative and immutable after load. A BudgetSpec limits
// spend for a slice of the tenant/strand/workflow hierarchy; a RoutingPolicy
// selects models per stage and describes when to downgrade. Both carry three
// wildcard-capable match patterns that must all match a run's identifiers.
//
// # Matching
//
// A pattern is "*" (matches anything), a literal (exact match), or a literal
// with a trailing "*" (prefix match). All matching budgets apply
// concurrently; for routing only the highest-priority match applies, ties
// broken by load order.
//
// # Refresh
//
// The Store holds an atomically-swapped snapshot. Lookups trigger a lazy,
// best-effort reload once the refresh interval has elapsed; a failed reload
// keeps the previous snapshot and logs a warning.
package policy
