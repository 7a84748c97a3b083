// Package store defines the persistent budget-state contract shared by
// multiple guard instances, plus backends for it.
//
// # Contract
//
// State is keyed by scope key and versioned. Writers follow an optimistic
// protocol: read state and version, apply the delta locally, then
// CompareAndSet with the version they read. A conflicting writer causes
// ErrConflict and the caller retries from the read (bounded). Keys carry a
// TTL at the period end so stale windows self-purge.
//
// # Backends
//
//   - memory: in-process, for tests and store-less deployments
//   - redis:  Redis/Valkey via go-redis, CAS as a Lua script
//   - sqlite: modernc.org/sqlite, CAS as a version-guarded UPDATE
//
// All backends degrade gracefully: callers treat any error other than
// ErrConflict as backend unavailability and fall back to in-memory
// accounting.
package store
