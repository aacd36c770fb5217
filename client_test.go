package relayq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq-go/internal/keys"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClient(rdb), mr, rdb
}

func TestClient_Enqueue(t *testing.T) {
	c, mr, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "emails.send", []string{"a@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Envelope is runnable on the default queue.
	pending, err := mr.List(keys.Pending(DefaultQueue))
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env, err := DecodeEnvelope(&JSONCodec{}, []byte(pending[0]))
	require.NoError(t, err)
	require.Equal(t, id, env.ID)
	require.Equal(t, "emails.send", env.Name)
	require.Equal(t, DefaultQueue, env.Queue)
	require.Equal(t, DefaultMaxRetries, env.MaxRetries)
	require.Zero(t, env.RetriesDone)
	require.Zero(t, env.ETA)

	// Execution record starts PENDING.
	rec, err := c.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatePending, rec.State)
	require.Equal(t, "emails.send", rec.Name)
}

func TestClient_EnqueueOptions(t *testing.T) {
	c, mr, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "reports.generate", nil,
		TaskID("rep-1"),
		Queue("reports"),
		MaxRetries(5),
		Kwargs(map[string]string{"format": "pdf"}),
	)
	require.NoError(t, err)
	require.Equal(t, "rep-1", id)

	pending, err := mr.List(keys.Pending("reports"))
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env, err := DecodeEnvelope(&JSONCodec{}, []byte(pending[0]))
	require.NoError(t, err)
	require.Equal(t, "reports", env.Queue)
	require.Equal(t, 5, env.MaxRetries)
	require.Nil(t, env.Args)
	require.JSONEq(t, `{"format":"pdf"}`, string(env.Kwargs))
}

func TestClient_EnqueueDelayed(t *testing.T) {
	c, mr, _ := newTestClient(t)
	ctx := context.Background()

	before := time.Now()
	_, err := c.Enqueue(ctx, "n", nil, Delay(time.Hour))
	require.NoError(t, err)

	// Delayed envelopes are not runnable.
	require.False(t, mr.Exists(keys.Pending(DefaultQueue)))

	members, err := mr.ZMembers(keys.Delayed(DefaultQueue))
	require.NoError(t, err)
	require.Len(t, members, 1)

	env, err := DecodeEnvelope(&JSONCodec{}, []byte(members[0]))
	require.NoError(t, err)
	require.GreaterOrEqual(t, env.ETA, before.Add(time.Hour).UnixMilli())
}

func TestClient_EnqueueAbsoluteETA(t *testing.T) {
	c, mr, _ := newTestClient(t)
	ctx := context.Background()

	eta := time.Now().Add(30 * time.Minute).Truncate(time.Millisecond)
	_, err := c.Enqueue(ctx, "n", nil, ETA(eta))
	require.NoError(t, err)

	members, err := mr.ZMembers(keys.Delayed(DefaultQueue))
	require.NoError(t, err)
	require.Len(t, members, 1)

	env, err := DecodeEnvelope(&JSONCodec{}, []byte(members[0]))
	require.NoError(t, err)
	require.Equal(t, eta.UnixMilli(), env.ETA)
}

func TestClient_EnqueueDuplicateID(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "n", nil, TaskID("fixed"))
	require.NoError(t, err)

	_, err = c.Enqueue(ctx, "n", nil, TaskID("fixed"))
	require.ErrorIs(t, err, ErrDuplicateTask)

	// The same ID on a different queue is a different reservation.
	_, err = c.Enqueue(ctx, "n", nil, TaskID("fixed"), Queue("other"))
	require.NoError(t, err)
}

func TestClient_GetStatusMissing(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.GetStatus(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestClient_Revoke(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "n", nil)
	require.NoError(t, err)

	ok, err := c.Revoke(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := c.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateRevoked, rec.State)

	// Revoking again is a no-op.
	ok, err = c.Revoke(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClient_RevokeResultTTL(t *testing.T) {
	c, mr, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "n", nil)
	require.NoError(t, err)
	ok, err := c.Revoke(ctx, id, ResultTTL(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, mr.TTL(keys.Record(id)))

	// Without the option the default retention applies.
	id2, err := c.Enqueue(ctx, "n", nil)
	require.NoError(t, err)
	ok, err = c.Revoke(ctx, id2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, DefaultResultTTL, mr.TTL(keys.Record(id2)))
}

func TestClient_EnqueueExpireIn(t *testing.T) {
	c, mr, rdb := newTestClient(t)
	ctx := context.Background()

	before := time.Now()
	id, err := c.Enqueue(ctx, "n", nil, ExpireIn(time.Minute))
	require.NoError(t, err)

	pending, err := mr.List(keys.Pending(DefaultQueue))
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env, err := DecodeEnvelope(&JSONCodec{}, []byte(pending[0]))
	require.NoError(t, err)
	require.Equal(t, id, env.ID)
	require.GreaterOrEqual(t, env.Deadline, before.Add(time.Minute).UnixMilli())
	require.LessOrEqual(t, env.Deadline, time.Now().Add(time.Minute).UnixMilli())

	// The envelope is registered on the expiry index under its deadline.
	score, err := rdb.ZScore(ctx, keys.Expiry(DefaultQueue), pending[0]).Result()
	require.NoError(t, err)
	require.Equal(t, float64(env.Deadline), score)
}

func TestClient_EnqueueAbsoluteDeadline(t *testing.T) {
	c, mr, _ := newTestClient(t)
	ctx := context.Background()

	at := time.Now().Add(30 * time.Minute)
	_, err := c.Enqueue(ctx, "n", nil, Deadline(at))
	require.NoError(t, err)

	pending, err := mr.List(keys.Pending(DefaultQueue))
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env, err := DecodeEnvelope(&JSONCodec{}, []byte(pending[0]))
	require.NoError(t, err)
	require.Equal(t, at.UnixMilli(), env.Deadline)
}

func TestClient_ListDeadAndRetryDead(t *testing.T) {
	c, mr, rdb := newTestClient(t)
	ctx := context.Background()

	// Dead-letter an envelope the way the worker would: final form on the
	// dead list with no retention bound.
	env := &Envelope{ID: "d1", Name: "n", Queue: "q", RetriesDone: 3, MaxRetries: 3}
	raw, err := c.codec.Encode(env)
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, keys.Dead("q"), raw).Err())

	dead, err := c.ListDead(ctx, "q", nil)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "d1", dead[0].ID)

	none, err := c.ListDead(ctx, "q", func(e *Envelope) bool { return e.Name == "other" })
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, c.RetryDead(ctx, "q", "d1"))

	// The envelope left the dead list and is runnable with a reset budget.
	require.False(t, mr.Exists(keys.Dead("q")))
	pending, err := mr.List(keys.Pending("q"))
	require.NoError(t, err)
	require.Len(t, pending, 1)

	revived, err := DecodeEnvelope(&JSONCodec{}, []byte(pending[0]))
	require.NoError(t, err)
	require.Equal(t, "d1", revived.ID)
	require.Zero(t, revived.RetriesDone)

	rec, err := c.GetStatus(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, StatePending, rec.State)
}

func TestClient_RetryDeadMissing(t *testing.T) {
	c, _, _ := newTestClient(t)

	err := c.RetryDead(context.Background(), "q", "absent")
	require.ErrorIs(t, err, ErrTaskNotFound)
}
