package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/badge-node/internal/display"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client, "badge")
}

func TestRedisStore_SaveLoad(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, 0x0012, display.VaccinatedMasked))

	raw, err := mr.Get("badge:0012:health_state")
	require.NoError(t, err)
	assert.Equal(t, "7", raw)

	got, err := s.Load(ctx, 0x0012)
	require.NoError(t, err)
	assert.Equal(t, display.VaccinatedMasked, got)
}

func TestRedisStore_LoadMissing(t *testing.T) {
	_, s := setupTestRedis(t)

	_, err := s.Load(context.Background(), 0x0001)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRedisStore_LoadCorrupt(t *testing.T) {
	mr, s := setupTestRedis(t)
	require.NoError(t, mr.Set("badge:0002:health_state", "sick"))

	_, err := s.Load(context.Background(), 0x0002)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "bad value")
}

func TestRedisStore_ServerDown(t *testing.T) {
	mr, s := setupTestRedis(t)
	mr.Close()

	err := s.Save(context.Background(), 1, display.Healthy)
	assert.Error(t, err)
	assert.Error(t, s.Ping(context.Background()))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.Load(ctx, 5)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Save(ctx, 5, display.Infected))
	got, err := m.Load(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, display.Infected, got)
	assert.Equal(t, 1, m.Saves)

	m.SaveErr = errors.New("disk full")
	assert.Error(t, m.Save(ctx, 5, display.Healthy))
	got, _ = m.Load(ctx, 5)
	assert.Equal(t, display.Infected, got)
}

func TestNopStore(t *testing.T) {
	var s Store = NopStore{}
	require.NoError(t, s.Save(context.Background(), 1, display.Infected))
	_, err := s.Load(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
