package beat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq-go/internal/keys"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// fixedInterval is a test schedule with sub-second resolution, which the
// cron @every descriptor cannot express.
type fixedInterval time.Duration

func (d fixedInterval) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

func TestDue(t *testing.T) {
	sched, err := cron.ParseStandard("@every 1h")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.False(t, Due(sched, time.Time{}, base), "uninitialized entry is never due")
	require.False(t, Due(sched, base, base.Add(59*time.Minute)))
	require.True(t, Due(sched, base, base.Add(time.Hour)))
	require.True(t, Due(sched, base, base.Add(90*time.Minute)))
}

// Over a long horizon the fire count tracks elapsed/interval with bounded
// drift, because each fire advances last_run to the actual dispatch time.
func TestDue_NoCumulativeDrift(t *testing.T) {
	sched, err := cron.ParseStandard("@every 10s")
	require.NoError(t, err)

	const tick = time.Second
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lastRun := start
	fires := 0

	// Simulate 200 intervals of wall clock, evaluating every tick.
	now := start
	end := start.Add(200 * 10 * time.Second)
	for now.Before(end) {
		now = now.Add(tick)
		if Due(sched, lastRun, now) {
			fires++
			lastRun = now
		}
	}

	require.Equal(t, 200, fires)
}

func TestBeat_SeedsWithoutFiring(t *testing.T) {
	_, rdb := newTestRedis(t)

	var fired atomic.Int64
	b := New(rdb, []Entry{{
		Name:     "e1",
		Schedule: fixedInterval(time.Hour),
		Dispatch: func(context.Context) error { fired.Add(1); return nil },
	}}, Config{Tick: 10 * time.Millisecond, LeaseTTL: time.Minute})

	b.Start()
	time.Sleep(100 * time.Millisecond)
	b.Stop()

	require.Zero(t, fired.Load(), "first sight seeds last_run_at, no catch-up fire")

	v, err := rdb.Get(context.Background(), keys.ScheduleLastRun("e1")).Result()
	require.NoError(t, err)
	require.NotEqual(t, "0", v)
}

func TestBeat_FiresOnInterval(t *testing.T) {
	_, rdb := newTestRedis(t)

	var fired atomic.Int64
	b := New(rdb, []Entry{{
		Name:     "e1",
		Schedule: fixedInterval(50 * time.Millisecond),
		Dispatch: func(context.Context) error { fired.Add(1); return nil },
	}}, Config{Tick: 10 * time.Millisecond, LeaseTTL: time.Minute})

	b.Start()
	time.Sleep(400 * time.Millisecond)
	b.Stop()

	n := fired.Load()
	require.GreaterOrEqual(t, n, int64(3))
	require.LessOrEqual(t, n, int64(8))
}

func TestBeat_LeaseSerializesInstances(t *testing.T) {
	_, rdb := newTestRedis(t)

	var firstFired, secondFired atomic.Int64
	mk := func(counter *atomic.Int64) *Beat {
		return New(rdb, []Entry{{
			Name:     "e1",
			Schedule: fixedInterval(50 * time.Millisecond),
			Dispatch: func(context.Context) error { counter.Add(1); return nil },
		}}, Config{Tick: 10 * time.Millisecond, LeaseName: "shared", LeaseTTL: time.Minute})
	}

	a := mk(&firstFired)
	b := mk(&secondFired)

	a.Start()
	time.Sleep(50 * time.Millisecond)
	b.Start()
	time.Sleep(300 * time.Millisecond)

	a.Stop()
	b.Stop()

	require.Positive(t, firstFired.Load())
	require.Zero(t, secondFired.Load(), "only the lease holder dispatches")
}

func TestBeat_FailoverAfterStop(t *testing.T) {
	_, rdb := newTestRedis(t)

	var secondFired atomic.Int64
	a := New(rdb, []Entry{{
		Name:     "e1",
		Schedule: fixedInterval(50 * time.Millisecond),
		Dispatch: func(context.Context) error { return nil },
	}}, Config{Tick: 10 * time.Millisecond, LeaseName: "shared", LeaseTTL: time.Minute})
	b := New(rdb, []Entry{{
		Name:     "e1",
		Schedule: fixedInterval(50 * time.Millisecond),
		Dispatch: func(context.Context) error { secondFired.Add(1); return nil },
	}}, Config{Tick: 10 * time.Millisecond, LeaseName: "shared", LeaseTTL: time.Minute})

	a.Start()
	time.Sleep(100 * time.Millisecond)
	b.Start()
	a.Stop() // releases the lease

	time.Sleep(300 * time.Millisecond)
	b.Stop()

	require.Positive(t, secondFired.Load(), "second instance takes over after release")
}

func TestBeat_DispatchErrorRetriesNextTick(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	b := New(rdb, nil, Config{Tick: time.Second, LeaseTTL: time.Minute})
	b.ctx = ctx

	// Seed, then fail the dispatch by hand through tick().
	now := time.Now()
	require.NoError(t, b.seedLastRun("e1", now.Add(-time.Minute)))

	calls := 0
	b.entries = []Entry{{
		Name:     "e1",
		Schedule: fixedInterval(time.Second),
		Dispatch: func(context.Context) error {
			calls++
			if calls == 1 {
				return context.DeadlineExceeded
			}
			return nil
		},
	}}

	before, err := b.lastRun("e1")
	require.NoError(t, err)

	b.tick(now)
	after, err := b.lastRun("e1")
	require.NoError(t, err)
	require.Equal(t, before, after, "failed dispatch must not advance last_run_at")

	b.tick(now)
	after, err = b.lastRun("e1")
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), after)
	require.Equal(t, 2, calls)
}

func TestBeat_CASDetectsConcurrentDispatch(t *testing.T) {
	_, rdb := newTestRedis(t)

	b := New(rdb, nil, Config{Tick: time.Second, LeaseTTL: time.Minute})
	b.ctx = context.Background()

	now := time.Now()
	require.NoError(t, b.seedLastRun("e1", now.Add(-time.Minute)))
	ms, err := b.lastRun("e1")
	require.NoError(t, err)

	swapped, err := b.casLastRun("e1", ms, now)
	require.NoError(t, err)
	require.True(t, swapped)

	// A second writer holding the stale expectation loses the swap.
	swapped, err = b.casLastRun("e1", ms, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, swapped)
}
