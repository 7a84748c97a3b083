// Package sqlite provides a SQLite-backed budget state store for
// single-host deployments that need durability across restarts.
//
// CompareAndSet is a version-guarded UPDATE (INSERT for version 0), which
// gives the same optimistic-concurrency semantics as the Redis backend for
// multiple guard instances sharing one database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/strands-agents/costguard/pkg/store"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS budget_state (
	scope_key  TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_state_expires ON budget_state(expires_at);
`

// Config configures the SQLite store.
type Config struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for locks. Default: 5s.
	BusyTimeout time.Duration
}

// New opens (and if needed initializes) a SQLite store at path.
func New(path string) (*Store, error) {
	return NewWithConfig(Config{Path: path})
}

// NewWithConfig opens a SQLite store with explicit configuration.
func NewWithConfig(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Get returns the live state and version for a scope key.
func (s *Store) Get(ctx context.Context, scopeKey string) (*store.BudgetStateData, int64, error) {
	var (
		version   int64
		payload   string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data, expires_at FROM budget_state WHERE scope_key = ?`,
		scopeKey,
	).Scan(&version, &payload, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if expiresAt > 0 && s.clock().UnixMilli() >= expiresAt {
		// Expired window; purge lazily and report absent.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM budget_state WHERE scope_key = ? AND expires_at = ?`,
			scopeKey, expiresAt)
		return nil, 0, nil
	}
	var data store.BudgetStateData
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, 0, fmt.Errorf("corrupt state for %q: %w", scopeKey, err)
	}
	return &data, version, nil
}

// CompareAndSet writes data when the stored version matches expectedVersion.
func (s *Store) CompareAndSet(ctx context.Context, scopeKey string, expectedVersion int64, data *store.BudgetStateData, expiresAt time.Time) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode state for %q: %w", scopeKey, err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		// Create path; an expired row at this key counts as absent.
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO budget_state (scope_key, version, data, expires_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(scope_key) DO UPDATE
				SET version = 1, data = excluded.data, expires_at = excluded.expires_at
				WHERE budget_state.expires_at <= ?`,
			scopeKey, string(payload), expiresAt.UnixMilli(), s.clock().UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE budget_state
			SET version = version + 1, data = ?, expires_at = ?
			WHERE scope_key = ? AND version = ?`,
			string(payload), expiresAt.UnixMilli(), scopeKey, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

// SetWithTTL writes data unconditionally, bumping the version.
func (s *Store) SetWithTTL(ctx context.Context, scopeKey string, data *store.BudgetStateData, expiresAt time.Time) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode state for %q: %w", scopeKey, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budget_state (scope_key, version, data, expires_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(scope_key) DO UPDATE
			SET version = budget_state.version + 1,
			    data = excluded.data,
			    expires_at = excluded.expires_at`,
		scopeKey, string(payload), expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// ListKeys returns live scope keys with the given prefix.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_key FROM budget_state
		WHERE scope_key LIKE ? ESCAPE '\' AND expires_at > ?`,
		escapeLike(prefix)+"%", s.clock().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// escapeLike escapes LIKE metacharacters in a literal prefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
