// Package telemetry emits cost-guard metrics with a stable schema.
//
// # Overview
//
// All metrics are monotonic counters. Names and attribute keys are stable
// and bit-compatible with existing deployments; see the Name* and Attr*
// constants. Base attributes are the tenant, strand and workflow IDs plus
// the run's metadata bag; run_id is attached only when explicitly enabled
// (high-cardinality opt-in).
//
// # Implementations
//
//   - OTelEmitter: the default, backed by an OpenTelemetry MeterProvider,
//     using the schema names verbatim.
//   - PrometheusEmitter: for scrape-based deployments; dots become
//     underscores and unbounded attributes (run_id, metadata, iteration
//     index) are dropped to keep label cardinality bounded.
//   - Recorder: a test fake capturing every emission.
//   - Noop: discards everything.
//
// Emission must never fail a lifecycle hook: wrap any emitter in Safe to
// swallow and log panics.
package telemetry
