package policy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strands-agents/costguard/pkg/pricing"
)

// Source loads a full set of policy documents. Implementations live in the
// source subpackage (directory of YAML files, environment variables,
// in-memory for tests).
type Source interface {
	Load(ctx context.Context) (*Documents, error)
}

// Snapshot is one immutable view of all loaded policies. Readers hold a
// snapshot pointer and never observe partial updates.
type Snapshot struct {
	Budgets  []BudgetSpec
	Routing  []RoutingPolicy
	Pricing  *pricing.Table
	LoadedAt time.Time
}

// StoreConfig configures a policy Store.
type StoreConfig struct {
	// RefreshInterval is how stale a snapshot may get before a lookup
	// triggers a reload. Zero disables lazy refresh.
	RefreshInterval time.Duration

	// Logger receives load warnings. Defaults to slog.Default.
	Logger *slog.Logger
}

// Store caches policy snapshots and resolves them by run scope.
//
// Readers take no lock: the current snapshot is an atomically-swapped
// pointer. Reload is lazy, best-effort and serialized; a failed reload keeps
// the previous snapshot.
type Store struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	snapshot atomic.Pointer[Snapshot]
	reloadMu sync.Mutex
}

// NewStore creates a Store and performs the initial load. The initial load
// must succeed; later reload failures only warn.
func NewStore(ctx context.Context, source Source, cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "policy.store")
	}
	s := &Store{
		source:   source,
		interval: cfg.RefreshInterval,
		logger:   logger,
		clock:    time.Now,
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active snapshot, reloading first if it has gone stale.
func (s *Store) Current(ctx context.Context) *Snapshot {
	snap := s.snapshot.Load()
	if s.interval > 0 && s.clock().Sub(snap.LoadedAt) >= s.interval {
		if err := s.reload(ctx); err != nil {
			s.logger.Warn("policy reload failed, keeping previous snapshot", "error", err)
		}
		snap = s.snapshot.Load()
	}
	return snap
}

// ForceReload reloads immediately regardless of snapshot age.
func (s *Store) ForceReload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.loadLocked(ctx)
}

// BudgetsFor returns every enabled budget matching the scope, ordered by
// descending priority then load order. All returned budgets apply
// concurrently.
func (s *Store) BudgetsFor(ctx context.Context, scope RunScope) []*BudgetSpec {
	snap := s.Current(ctx)
	var matched []*BudgetSpec
	for i := range snap.Budgets {
		b := &snap.Budgets[i]
		if b.Enabled && b.Match.Matches(scope) {
			matched = append(matched, b)
		}
	}
	// Stable insertion sort keeps load order within equal priorities.
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && matched[j].Priority() > matched[j-1].Priority(); j-- {
			matched[j], matched[j-1] = matched[j-1], matched[j]
		}
	}
	return matched
}

// RoutingFor returns the single highest-priority routing policy matching the
// scope, or nil. Ties are broken by load order.
func (s *Store) RoutingFor(ctx context.Context, scope RunScope) *RoutingPolicy {
	snap := s.Current(ctx)
	var best *RoutingPolicy
	bestScore := -1
	for i := range snap.Routing {
		r := &snap.Routing[i]
		if !r.Match.Matches(scope) {
			continue
		}
		if score := r.Priority(); score > bestScore {
			best, bestScore = r, score
		}
	}
	return best
}

// Pricing returns the active pricing table, which is never nil.
func (s *Store) Pricing(ctx context.Context) *pricing.Table {
	return s.Current(ctx).Pricing
}

func (s *Store) reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	// Another goroutine may have reloaded while we waited for the lock.
	if snap := s.snapshot.Load(); snap != nil && s.clock().Sub(snap.LoadedAt) < s.interval {
		return nil
	}
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) error {
	docs, err := s.source.Load(ctx)
	if err != nil {
		return err
	}
	if err := docs.Validate(); err != nil {
		return err
	}
	for _, w := range docs.Warnings {
		s.logger.Warn("policy load warning", "warning", w)
	}
	table := docs.Pricing
	if table == nil {
		table = pricing.NewTable("USD", nil, nil, nil, pricing.FallbackPricing{})
	}
	s.snapshot.Store(&Snapshot{
		Budgets:  docs.Budgets,
		Routing:  docs.Routing,
		Pricing:  table,
		LoadedAt: s.clock(),
	})
	return nil
}
