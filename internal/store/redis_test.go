package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb)
}

func TestRedisStore_StickySessionRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, ok, err := s.GetStickySession(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetStickySession(ctx, "hash-1", "acct-1", time.Minute))
	got, ok, err := s.GetStickySession(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "acct-1", got)
}

func TestRedisStore_SessionBindingRenewAndBreak(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSessionBinding(ctx, "sess-1", "acct-1", time.Minute))
	got, ok, err := s.GetSessionBinding(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "acct-1", got)

	require.NoError(t, s.RenewSessionBinding(ctx, "sess-1", time.Minute))
	require.NoError(t, s.BreakSessionBinding(ctx, "sess-1"))

	_, ok, err = s.GetSessionBinding(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_RefreshLockIsExclusiveUntilReleased(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.AcquireRefreshLock(ctx, "acct-1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireRefreshLock(ctx, "acct-1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second caller must not acquire a lock already held by another owner")

	require.NoError(t, s.ReleaseRefreshLock(ctx, "acct-1", "owner-a"))

	ok, err = s.AcquireRefreshLock(ctx, "acct-1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be acquirable once released by its owner")
}

func TestRedisStore_ReleaseRefreshLockDoesNotStealAnotherOwnersLock(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.(*redisStore).rdb.Set(ctx, keyRefreshLock+"acct-1", "owner-a", time.Minute).Err())

	require.NoError(t, s.ReleaseRefreshLock(ctx, "acct-1", "owner-b"))

	ok, err := s.AcquireRefreshLock(ctx, "acct-1", "owner-c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock must still be held by owner-a")
}

func TestRedisStore_WarmupHistoryRoundTripAndPrune(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, ok, err := s.GetWarmupTime(ctx, "acct-1:model-x")
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().Unix()
	require.NoError(t, s.SetWarmupTime(ctx, "acct-1:model-x", now))

	got, ok, err := s.GetWarmupTime(ctx, "acct-1:model-x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now, got)

	pruned, err := s.PruneWarmupHistory(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, ok, err = s.GetWarmupTime(ctx, "acct-1:model-x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_PingAndClose(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(rdb)

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}
