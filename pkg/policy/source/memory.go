package source

import (
	"context"
	"sync"

	"github.com/strands-agents/costguard/pkg/policy"
)

// Memory is an in-memory policy source, primarily for tests and embedding
// hosts that construct policies programmatically.
type Memory struct {
	mu   sync.Mutex
	docs policy.Documents
}

// NewMemory creates a Memory source holding the given documents.
func NewMemory(docs policy.Documents) *Memory {
	return &Memory{docs: docs}
}

// Load returns a copy of the held documents.
func (m *Memory) Load(ctx context.Context) (*policy.Documents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.docs
	docs.Budgets = append([]policy.BudgetSpec(nil), m.docs.Budgets...)
	docs.Routing = append([]policy.RoutingPolicy(nil), m.docs.Routing...)
	return &docs, nil
}

// Update replaces the held documents. The next Load observes the new set.
func (m *Memory) Update(docs policy.Documents) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = docs
}
