package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestLease_AcquireExcludes(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "beat", time.Minute)
	b := New(rdb, "beat", time.Minute)

	require.NoError(t, a.Acquire(ctx))
	require.ErrorIs(t, b.Acquire(ctx), ErrHeld)

	// A second handle in the same process is excluded too.
	require.NotEqual(t, a.Owner(), b.Owner())
}

func TestLease_ReleaseAllowsTakeover(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "beat", time.Minute)
	b := New(rdb, "beat", time.Minute)

	require.NoError(t, a.Acquire(ctx))
	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Acquire(ctx))

	// The old holder cannot renew or release after takeover.
	require.ErrorIs(t, a.Renew(ctx), ErrLost)
	require.ErrorIs(t, a.Release(ctx), ErrLost)
}

func TestLease_RenewExtendsTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "beat", 10*time.Second)
	require.NoError(t, a.Acquire(ctx))

	mr.FastForward(8 * time.Second)
	require.NoError(t, a.Renew(ctx))

	// Past the original deadline but within the renewed one.
	mr.FastForward(8 * time.Second)
	require.ErrorIs(t, New(rdb, "beat", 10*time.Second).Acquire(ctx), ErrHeld)
}

func TestLease_ExpiryLosesOwnership(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "beat", 5*time.Second)
	require.NoError(t, a.Acquire(ctx))

	mr.FastForward(6 * time.Second)

	b := New(rdb, "beat", 5*time.Second)
	require.NoError(t, b.Acquire(ctx))
	require.ErrorIs(t, a.Renew(ctx), ErrLost)
}

func TestLease_NamesAreIndependent(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, New(rdb, "beat", time.Minute).Acquire(ctx))
	require.NoError(t, New(rdb, "other", time.Minute).Acquire(ctx))
}
