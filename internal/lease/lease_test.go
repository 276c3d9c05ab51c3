package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerExcludesSecondHolder(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	first, err := l.Acquire(ctx, Key(1), time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, Key(1), time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	_, err = l.Acquire(ctx, Key(2), time.Minute)
	assert.NoError(t, err, "other campaigns are independent")

	require.NoError(t, first.Release(ctx))
	_, err = l.Acquire(ctx, Key(1), time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLeaseExpiresAndIsLost(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, Key(9), 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, stale.Refresh(ctx))

	now = now.Add(11 * time.Second)
	fresh, err := l.Acquire(ctx, Key(9), 10*time.Second)
	require.NoError(t, err, "expired lease can be taken over")

	assert.ErrorIs(t, stale.Refresh(ctx), ErrLost)

	// the stale holder must not release the new holder's lease
	require.NoError(t, stale.Release(ctx))
	assert.NoError(t, fresh.Refresh(ctx))
}
