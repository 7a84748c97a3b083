package pricing

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelPricing contains per-1K-token rates for a single model.
// Optional rates left at zero contribute nothing to the cost.
type ModelPricing struct {
	// InputPer1K is the cost per 1000 prompt tokens.
	InputPer1K float64 `yaml:"input_per_1k"`

	// OutputPer1K is the cost per 1000 completion tokens.
	OutputPer1K float64 `yaml:"output_per_1k"`

	// CachedInputPer1K is the discounted cost per 1000 cached prompt tokens.
	CachedInputPer1K float64 `yaml:"cached_input_per_1k"`

	// ReasoningPer1K is the cost per 1000 reasoning tokens.
	ReasoningPer1K float64 `yaml:"reasoning_per_1k"`
}

// ToolPricing contains rates for a single tool.
type ToolPricing struct {
	// CostPerCall is the flat cost per invocation.
	CostPerCall float64 `yaml:"cost_per_call"`

	// CostPerInputByte is the cost per byte of tool input.
	CostPerInputByte float64 `yaml:"cost_per_input_byte"`

	// CostPerOutputByte is the cost per byte of tool output.
	CostPerOutputByte float64 `yaml:"cost_per_output_byte"`
}

// FallbackPricing contains the rates applied when a model has no
// configured entry and no configured key is a prefix of its name.
type FallbackPricing struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Table is an immutable pricing table.
//
// Construct with NewTable or unmarshal from YAML. The order of model keys in
// the source document is preserved and used to break ties between prefix
// matches of equal length.
type Table struct {
	// Currency is the ISO currency code all rates are denominated in.
	Currency string `yaml:"currency"`

	// Models maps model names (or name prefixes) to rates.
	Models ModelMap `yaml:"models"`

	// Tools maps tool names to rates.
	Tools map[string]ToolPricing `yaml:"tools"`

	// Fallback is applied to models with no configured rates.
	Fallback FallbackPricing `yaml:"fallback"`
}

// ModelMap preserves the configuration order of model keys so prefix
// resolution stays deterministic across loads.
type ModelMap struct {
	rates map[string]ModelPricing
	order []string
}

// NewModelMap builds a ModelMap from ordered (name, pricing) pairs.
func NewModelMap(names []string, rates map[string]ModelPricing) ModelMap {
	m := ModelMap{
		rates: make(map[string]ModelPricing, len(rates)),
		order: make([]string, 0, len(names)),
	}
	for _, name := range names {
		if r, ok := rates[name]; ok {
			m.rates[name] = r
			m.order = append(m.order, name)
		}
	}
	return m
}

// UnmarshalYAML decodes a YAML mapping, recording key order.
func (m *ModelMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("models must be a mapping, got %v", node.Kind)
	}
	m.rates = make(map[string]ModelPricing, len(node.Content)/2)
	m.order = make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return fmt.Errorf("invalid model key: %w", err)
		}
		var rates ModelPricing
		if err := node.Content[i+1].Decode(&rates); err != nil {
			return fmt.Errorf("invalid pricing for model %q: %w", name, err)
		}
		if _, dup := m.rates[name]; !dup {
			m.order = append(m.order, name)
		}
		m.rates[name] = rates
	}
	return nil
}

// MarshalYAML encodes the map in configuration order.
func (m ModelMap) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range m.order {
		var key, val yaml.Node
		if err := key.Encode(name); err != nil {
			return nil, err
		}
		if err := val.Encode(m.rates[name]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &key, &val)
	}
	return node, nil
}

// Len returns the number of configured models.
func (m ModelMap) Len() int { return len(m.rates) }

// Get returns the rates for an exact model name.
func (m ModelMap) Get(name string) (ModelPricing, bool) {
	r, ok := m.rates[name]
	return r, ok
}

// Resolve finds the rates for a model name.
//
// Resolution order: exact match, then the longest configured key that is a
// prefix of name (ties broken by configuration order), then not found.
func (m ModelMap) Resolve(name string) (ModelPricing, string, bool) {
	if r, ok := m.rates[name]; ok {
		return r, name, true
	}
	bestLen := -1
	bestKey := ""
	for _, key := range m.order {
		if !strings.HasPrefix(name, key) {
			continue
		}
		// First key of a given length wins; later equal-length keys lose.
		if len(key) > bestLen {
			bestLen = len(key)
			bestKey = key
		}
	}
	if bestLen < 0 {
		return ModelPricing{}, "", false
	}
	return m.rates[bestKey], bestKey, true
}

// NewTable creates a pricing table from explicit parts.
// Model order follows the names slice.
func NewTable(currency string, names []string, models map[string]ModelPricing, tools map[string]ToolPricing, fallback FallbackPricing) *Table {
	if currency == "" {
		currency = "USD"
	}
	if tools == nil {
		tools = map[string]ToolPricing{}
	}
	return &Table{
		Currency: currency,
		Models:   NewModelMap(names, models),
		Tools:    tools,
		Fallback: fallback,
	}
}

// ResolveModel returns the effective rates for a model name, falling back to
// the table's fallback input/output rates when nothing matches. The returned
// key is empty when the fallback was used.
func (t *Table) ResolveModel(name string) (ModelPricing, string) {
	if rates, key, ok := t.Models.Resolve(name); ok {
		return rates, key
	}
	return ModelPricing{
		InputPer1K:  t.Fallback.InputPer1K,
		OutputPer1K: t.Fallback.OutputPer1K,
	}, ""
}
