// Package pricing converts token and byte usage into cost.
//
// # Overview
//
// A PricingTable maps model names to per-1K-token rates and tool names to
// per-call and per-byte rates. Model lookup is deterministic: exact match
// first, then the longest configured key that is a prefix of the requested
// model name (ties broken by configuration order), then the table's fallback
// rates.
//
// # Thread Safety
//
// A PricingTable is immutable after load. All methods are safe for
// concurrent use.
package pricing
