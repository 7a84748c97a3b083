package store

import (
	"context"
	"errors"
	"time"
)

// Errors returned by Store implementations.
var (
	// ErrConflict is returned by CompareAndSet when the stored version does
	// not match the expected version. The caller should re-read and retry.
	ErrConflict = errors.New("version conflict")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// BudgetStateData is the wire record for one budget state. Field names and
// types are stable; timestamps serialize as ISO-8601 (RFC 3339).
type BudgetStateData struct {
	BudgetID          string             `json:"budget_id"`
	ScopeKey          string             `json:"scope_key"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	TotalCost         float64            `json:"total_cost"`
	TotalRuns         int64              `json:"total_runs"`
	TotalInputTokens  int64              `json:"total_input_tokens"`
	TotalOutputTokens int64              `json:"total_output_tokens"`
	TotalIterations   int64              `json:"total_iterations"`
	TotalToolCalls    int64              `json:"total_tool_calls"`
	ModelCosts        map[string]float64 `json:"model_costs"`
	ToolCosts         map[string]float64 `json:"tool_costs"`
	ConcurrentRunIDs  []string           `json:"concurrent_run_ids"`
}

// Clone returns a deep copy.
func (d *BudgetStateData) Clone() *BudgetStateData {
	if d == nil {
		return nil
	}
	out := *d
	out.ModelCosts = copyFloatMap(d.ModelCosts)
	out.ToolCosts = copyFloatMap(d.ToolCosts)
	out.ConcurrentRunIDs = append([]string(nil), d.ConcurrentRunIDs...)
	return &out
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Store is the persistent budget-state backend. Implementations must be
// safe for concurrent use and must honor context deadlines.
type Store interface {
	// Get returns the state and its version for a scope key, or (nil, 0)
	// when the key is absent or expired.
	Get(ctx context.Context, scopeKey string) (*BudgetStateData, int64, error)

	// CompareAndSet writes data if the stored version equals
	// expectedVersion (0 for create). The key expires at expiresAt.
	// Returns ErrConflict on a version mismatch.
	CompareAndSet(ctx context.Context, scopeKey string, expectedVersion int64, data *BudgetStateData, expiresAt time.Time) error

	// SetWithTTL writes data unconditionally, bumping the version.
	SetWithTTL(ctx context.Context, scopeKey string, data *BudgetStateData, expiresAt time.Time) error

	// ListKeys returns all live scope keys with the given prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
