// Package store persists the badge health state across restarts. Only the
// health state is kept; names and proximity data are per-session.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/sweeney/badge-node/internal/display"
)

// ErrNotFound is returned by Load when nothing was saved for the address.
var ErrNotFound = errors.New("store: no saved state")

// Store loads and saves one badge's health state.
type Store interface {
	Load(ctx context.Context, addr uint16) (display.HealthState, error)
	Save(ctx context.Context, addr uint16, s display.HealthState) error
}

// RedisStore keeps the state under "<prefix>:<addr hex4>:health_state".
type RedisStore struct {
	c      *redis.Client
	prefix string
}

// NewRedisClient opens a client for addr. Connectivity is checked with Ping.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisStore wraps an existing client.
func NewRedisStore(c *redis.Client, prefix string) *RedisStore {
	return &RedisStore{c: c, prefix: prefix}
}

// Key returns the redis key for addr.
func (r *RedisStore) Key(addr uint16) string {
	return fmt.Sprintf("%s:%04x:health_state", r.prefix, addr)
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *RedisStore) Load(ctx context.Context, addr uint16) (display.HealthState, error) {
	val, err := r.c.Get(ctx, r.Key(addr)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("load %s: %w", r.Key(addr), err)
	}
	n, err := strconv.ParseUint(val, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("load %s: bad value %q: %w", r.Key(addr), val, err)
	}
	return display.HealthState(n), nil
}

func (r *RedisStore) Save(ctx context.Context, addr uint16, s display.HealthState) error {
	if err := r.c.Set(ctx, r.Key(addr), strconv.Itoa(int(s)), 0).Err(); err != nil {
		return fmt.Errorf("save %s: %w", r.Key(addr), err)
	}
	return nil
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.c.Close()
}

// MemoryStore is an in-process Store for tests and single-run use.
type MemoryStore struct {
	mu     sync.Mutex
	states map[uint16]display.HealthState
	Saves  int
	// SaveErr, if set, is returned by Save.
	SaveErr error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[uint16]display.HealthState)}
}

func (m *MemoryStore) Load(_ context.Context, addr uint16) (display.HealthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[addr]
	if !ok {
		return 0, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, addr uint16, s display.HealthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.states[addr] = s
	m.Saves++
	return nil
}

// NopStore remembers nothing.
type NopStore struct{}

func (NopStore) Load(context.Context, uint16) (display.HealthState, error) {
	return 0, ErrNotFound
}

func (NopStore) Save(context.Context, uint16, display.HealthState) error {
	return nil
}
