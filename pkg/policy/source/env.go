package source

import (
	"context"
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/strands-agents/costguard/pkg/policy"
)

// Env synthesizes a minimal policy set from environment variables, for
// deployments that want one global budget without shipping YAML:
//
//	{PREFIX}_MAX_COST       spend ceiling per period
//	{PREFIX}_PERIOD         hourly | daily | weekly | monthly (default daily)
//	{PREFIX}_DEFAULT_MODEL  model for the wildcard routing policy
//	{PREFIX}_FALLBACK_MODEL fallback for the wildcard routing policy
//
// The result is one global wildcard budget (hard limit, rejecting new runs)
// and, when a default model is set, one wildcard routing policy.
type Env struct {
	prefix string
}

// envSettings is the envconfig binding for the recognized variables.
type envSettings struct {
	MaxCost       float64 `envconfig:"MAX_COST"`
	Period        string  `envconfig:"PERIOD" default:"daily"`
	DefaultModel  string  `envconfig:"DEFAULT_MODEL"`
	FallbackModel string  `envconfig:"FALLBACK_MODEL"`
}

// NewEnv creates an Env source. The prefix is used without a trailing
// underscore, e.g. NewEnv("COSTGUARD") reads COSTGUARD_MAX_COST.
func NewEnv(prefix string) *Env {
	return &Env{prefix: prefix}
}

// Load reads the environment and synthesizes the policy documents.
func (e *Env) Load(ctx context.Context) (*policy.Documents, error) {
	var settings envSettings
	if err := envconfig.Process(e.prefix, &settings); err != nil {
		return nil, fmt.Errorf("%w: %v", policy.ErrConfigInvalid, err)
	}

	docs := &policy.Documents{}
	if settings.MaxCost > 0 {
		docs.Budgets = append(docs.Budgets, policy.BudgetSpec{
			ID:                      "env-global",
			Scope:                   policy.ScopeGlobal,
			Match:                   policy.Match{TenantID: "*", StrandID: "*", WorkflowID: "*"},
			Period:                  policy.Period(settings.Period),
			MaxCost:                 settings.MaxCost,
			HardLimit:               true,
			OnHardLimitExceeded:     policy.ActionRejectNewRuns,
			OnSoftThresholdExceeded: policy.ActionLogOnly,
			Enabled:                 true,
		})
	}
	if settings.DefaultModel != "" {
		docs.Routing = append(docs.Routing, policy.RoutingPolicy{
			ID:                   "env-default",
			Match:                policy.Match{TenantID: "*", StrandID: "*", WorkflowID: "*"},
			DefaultModel:         settings.DefaultModel,
			DefaultFallbackModel: settings.FallbackModel,
		})
	}
	return docs, nil
}
