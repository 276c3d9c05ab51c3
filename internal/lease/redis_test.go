package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerAcquireIsExclusive(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, Key(7), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL(Key(7)))

	_, err = l.Acquire(ctx, Key(7), 30*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	_, err = l.Acquire(ctx, Key(8), 30*time.Second)
	assert.NoError(t, err, "other campaigns are independent")

	require.NoError(t, held.Release(ctx))
	assert.False(t, mr.Exists(Key(7)))
	_, err = l.Acquire(ctx, Key(7), 30*time.Second)
	assert.NoError(t, err)
}

func TestRedisLeaseRefreshExtendsTTL(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, Key(1), 10*time.Second)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)
	require.NoError(t, held.Refresh(ctx))
	assert.Equal(t, 10*time.Second, mr.TTL(Key(1)))

	mr.FastForward(8 * time.Second)
	assert.NoError(t, held.Refresh(ctx), "refreshed lease survives past the first ttl")
}

func TestRedisLeaseLostAfterTakeover(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, Key(3), time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	assert.ErrorIs(t, stale.Refresh(ctx), ErrLost, "expired")

	current, err := l.Acquire(ctx, Key(3), time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Refresh(ctx), ErrLost, "taken over")
	assert.Equal(t, time.Minute, mr.TTL(Key(3)), "stale refresh must not touch the new holder's ttl")

	// release only deletes the caller's own token
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(Key(3)))

	require.NoError(t, current.Release(ctx))
	assert.False(t, mr.Exists(Key(3)))
}

func TestRedisLockerReportsConnectionErrors(t *testing.T) {
	l, mr := newRedisLocker(t)
	mr.Close()

	_, err := l.Acquire(context.Background(), Key(1), time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAcquired)
}
