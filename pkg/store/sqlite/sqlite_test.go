package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/strands-agents/costguard/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "costguard.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testData(scopeKey string) *store.BudgetStateData {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &store.BudgetStateData{
		BudgetID:    "tenant-acme",
		ScopeKey:    scopeKey,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 0, 1),
		TotalCost:   42,
		TotalRuns:   2,
		ModelCosts:  map[string]float64{"gpt-4o": 42},
		ToolCosts:   map[string]float64{},
	}
}

func TestSQLiteCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := "tenant:acme:tenant-acme"
	expires := time.Now().Add(time.Hour)

	if err := s.CompareAndSet(ctx, key, 0, testData(key), expires); err != nil {
		t.Fatalf("create CAS: %v", err)
	}

	data, version, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if version != 1 || data.TotalCost != 42 {
		t.Errorf("version=%d total_cost=%v", version, data.TotalCost)
	}

	data.TotalCost = 50
	if err := s.CompareAndSet(ctx, key, 1, data, expires); err != nil {
		t.Fatalf("update CAS: %v", err)
	}
	if _, version, _ = s.Get(ctx, key); version != 2 {
		t.Errorf("version after update = %d, want 2", version)
	}

	if err := s.CompareAndSet(ctx, key, 1, data, expires); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale CAS = %v, want ErrConflict", err)
	}
	if err := s.CompareAndSet(ctx, key, 0, data, expires); !errors.Is(err, store.ErrConflict) {
		t.Errorf("create over live key = %v, want ErrConflict", err)
	}
}

func TestSQLiteExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	key := "global:g"
	if err := s.CompareAndSet(ctx, key, 0, testData(key), now.Add(time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(time.Hour)
	if data, version, err := s.Get(ctx, key); err != nil || data != nil || version != 0 {
		t.Errorf("expired Get = (%v, %d, %v), want absent", data, version, err)
	}

	// An expired row does not block a fresh create.
	if err := s.CompareAndSet(ctx, key, 0, testData(key), now.Add(time.Hour)); err != nil {
		t.Errorf("create over expired row: %v", err)
	}
	if _, version, _ := s.Get(ctx, key); version != 1 {
		t.Errorf("version after re-create = %d, want 1", version)
	}
}

func TestSQLiteListKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	expires := time.Now().Add(time.Hour)
	for _, key := range []string{"tenant:acme:a", "tenant:globex:b", "global:g"} {
		if err := s.SetWithTTL(ctx, key, testData(key), expires); err != nil {
			t.Fatalf("SetWithTTL(%s): %v", key, err)
		}
	}

	keys, err := s.ListKeys(ctx, "tenant:")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "tenant:acme:a" || keys[1] != "tenant:globex:b" {
		t.Errorf("ListKeys = %v", keys)
	}

	// LIKE metacharacters in the prefix are literals.
	if keys, err := s.ListKeys(ctx, "tenant:%"); err != nil || len(keys) != 0 {
		t.Errorf("ListKeys(tenant:%%) = %v, %v, want none", keys, err)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "costguard.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := "tenant:acme:a"
	if err := s.SetWithTTL(ctx, key, testData(key), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	s.Close()

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	data, version, err := s2.Get(ctx, key)
	if err != nil || data == nil || version != 1 {
		t.Errorf("Get after reopen = (%v, %d, %v)", data, version, err)
	}
}
