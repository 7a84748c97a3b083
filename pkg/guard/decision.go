package guard

import "github.com/strands-agents/costguard/pkg/budget"

// Action is the decision tag the host runtime dispatches on.
type Action string

const (
	// ActionAdmit allows the operation unchanged.
	ActionAdmit Action = "ADMIT"

	// ActionReject refuses a new run admission.
	ActionReject Action = "REJECT"

	// ActionHalt stops an in-flight run at this hook.
	ActionHalt Action = "HALT"

	// ActionDowngrade allows a model call on the fallback model.
	ActionDowngrade Action = "DOWNGRADE"

	// ActionLimit allows the operation with reduced capabilities.
	ActionLimit Action = "LIMIT"
)

// ActionOverrides carries capability reductions attached to an allowing
// decision.
type ActionOverrides struct {
	// MaxTokensRemaining caps the tokens the next model call may spend.
	MaxTokensRemaining *int64
}

// Decision is the structured result of a lifecycle hook. The host runtime
// is required to honor it.
type Decision struct {
	Allowed  bool
	Action   Action
	Reason   string
	Warnings []string

	// Remaining is the tightest headroom over all applicable budgets.
	Remaining budget.Remaining

	Overrides ActionOverrides
}

// ModelDecision is the Decision for BeforeModelCall, extended with the
// routing outcome.
type ModelDecision struct {
	Decision

	// EffectiveModel is the model the call must use. Empty when no routing
	// policy matched; the caller's requested model passes through.
	EffectiveModel string

	// MaxTokens and Temperature are stage-level overrides, when configured.
	MaxTokens   *int64
	Temperature *float64

	WasDowngraded bool
	OriginalModel string
}

func admit() Decision {
	return Decision{Allowed: true, Action: ActionAdmit}
}

func reject(reason string) Decision {
	return Decision{Action: ActionReject, Reason: reason}
}

func halt(reason string) Decision {
	return Decision{Action: ActionHalt, Reason: reason}
}
