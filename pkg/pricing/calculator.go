package pricing

// ModelUsage contains token counts reported for one model call.
type ModelUsage struct {
	// PromptTokens is the total prompt token count, cached tokens included.
	PromptTokens int64

	// CompletionTokens is the completion token count.
	CompletionTokens int64

	// CachedTokens is the subset of prompt tokens served from cache.
	CachedTokens int64

	// ReasoningTokens is the reasoning token count, for models that report it.
	ReasoningTokens int64
}

// ToolUsage contains byte counts reported for one tool call.
type ToolUsage struct {
	// InputBytes is the size of the tool input payload.
	InputBytes int64

	// OutputBytes is the size of the tool output payload.
	OutputBytes int64
}

// ModelCost computes the cost of a model call.
//
// Cached prompt tokens are charged at the cached rate when one is configured
// and are free otherwise; the uncached remainder is charged at the input
// rate. Reasoning tokens are charged only when a reasoning rate is
// configured.
func (t *Table) ModelCost(model string, usage ModelUsage) float64 {
	rates, _ := t.ResolveModel(model)

	cached := usage.CachedTokens
	if cached > usage.PromptTokens {
		cached = usage.PromptTokens
	}
	uncached := usage.PromptTokens - cached

	cost := tokenCost(uncached, rates.InputPer1K)
	cost += tokenCost(cached, rates.CachedInputPer1K)
	cost += tokenCost(usage.CompletionTokens, rates.OutputPer1K)
	cost += tokenCost(usage.ReasoningTokens, rates.ReasoningPer1K)
	return cost
}

// ToolCost computes the cost of a tool call. Tools with no configured
// pricing cost nothing.
func (t *Table) ToolCost(tool string, usage ToolUsage) float64 {
	rates, ok := t.Tools[tool]
	if !ok {
		return 0
	}
	return rates.CostPerCall +
		float64(usage.InputBytes)*rates.CostPerInputByte +
		float64(usage.OutputBytes)*rates.CostPerOutputByte
}

// tokenCost converts a token count and a per-1K rate into cost.
func tokenCost(tokens int64, per1K float64) float64 {
	if tokens <= 0 || per1K <= 0 {
		return 0
	}
	return float64(tokens) / 1000.0 * per1K
}
