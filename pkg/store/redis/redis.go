// Package redis provides a Redis/Valkey-backed budget state store.
//
// State lives in a hash per scope key with "version" and "data" fields.
// CompareAndSet runs as a Lua script so the version check and write are
// atomic, which makes the optimistic update protocol safe across guard
// instances sharing one backend.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/strands-agents/costguard/pkg/store"
)

// Store is a Redis-backed store.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ store.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix (default "costguard").
// Keys take the form "{prefix}:budget:{scope_key}".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Redis-backed store. The client must be a connected
// *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "costguard",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(scopeKey string) string {
	return s.keyPrefix + ":budget:" + scopeKey
}

// casScript atomically checks the stored version and writes the new state.
// KEYS[1] = budget hash key
// ARGV[1] = expected version ("0" for create)
// ARGV[2] = new version
// ARGV[3] = serialized state
// ARGV[4] = expiry (unix millis)
//
// Returns 1 on success, 0 on version conflict.
var casScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if current then
    if current ~= ARGV[1] then
        return 0
    end
elseif ARGV[1] ~= "0" then
    return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "data", ARGV[3])
redis.call("PEXPIREAT", KEYS[1], ARGV[4])
return 1
`)

// setScript writes unconditionally, bumping the stored version.
var setScript = goredis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
redis.call("HSET", KEYS[1], "version", tostring(current + 1), "data", ARGV[1])
redis.call("PEXPIREAT", KEYS[1], ARGV[2])
return current + 1
`)

// Get returns the state and version for a scope key.
func (s *Store) Get(ctx context.Context, scopeKey string) (*store.BudgetStateData, int64, error) {
	vals, err := s.client.HMGet(ctx, s.key(scopeKey), "version", "data").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, 0, nil
	}
	version, err := strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("corrupt version for %q: %w", scopeKey, err)
	}
	var data store.BudgetStateData
	if err := json.Unmarshal([]byte(vals[1].(string)), &data); err != nil {
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
	res, err := casScript.Run(ctx, s.client, []string{s.key(scopeKey)},
		strconv.FormatInt(expectedVersion, 10),
		strconv.FormatInt(expectedVersion+1, 10),
		string(payload),
		strconv.FormatInt(expiresAt.UnixMilli(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if res == 0 {
		return store.ErrConflict
	}
	return nil
}

// SetWithTTL writes data unconditionally.
func (s *Store) SetWithTTL(ctx context.Context, scopeKey string, data *store.BudgetStateData, expiresAt time.Time) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode state for %q: %w", scopeKey, err)
	}
	if _, err := setScript.Run(ctx, s.client, []string{s.key(scopeKey)},
		string(payload),
		strconv.FormatInt(expiresAt.UnixMilli(), 10),
	).Int(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// ListKeys scans for live scope keys with the given prefix.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.key(prefix) + "*"
	strip := len(s.keyPrefix) + len(":budget:")

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		for _, k := range batch {
			if len(k) > strip {
				keys = append(keys, k[strip:])
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying client when it supports closing.
func (s *Store) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
