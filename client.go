package relayq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	ibroker "github.com/relayq/relayq-go/internal/broker"
	"github.com/relayq/relayq-go/internal/keys"
	istore "github.com/relayq/relayq-go/internal/store"
)

// DefaultQueue is the routing key used when no Queue option is given.
const DefaultQueue = "default"

// DefaultMaxRetries is the retry budget applied when no MaxRetries option
// is given.
const DefaultMaxRetries = 3

// Client is the producer API: it enqueues task invocations and queries or
// revokes their execution records. The HTTP layer sits on top of it.
type Client struct {
	rdb     redis.UniversalClient
	brk     *ibroker.Broker
	records ExecutionStore
	codec   Codec
}

// NewClient creates a producer client over a Redis connection.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{
		rdb:     rdb,
		brk:     ibroker.New(rdb, nil),
		records: istore.NewRedis(rdb),
		codec:   &JSONCodec{},
	}
}

// NewClientWithStore creates a client whose execution records live in the
// provided store instead of Redis.
func NewClientWithStore(rdb redis.UniversalClient, records ExecutionStore) *Client {
	c := NewClient(rdb)
	c.records = records
	return c
}

// Ping checks broker reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Enqueue publishes a task invocation and creates its PENDING execution
// record. It returns the envelope ID used for status polling, or
// ErrDuplicateTask when an explicit ID is already in flight on the queue.
func (c *Client) Enqueue(ctx context.Context, task string, args any, opts ...Option) (string, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	var rawArgs []byte
	if args != nil {
		b, err := c.codec.Encode(args)
		if err != nil {
			return "", err
		}
		rawArgs = b
	}
	var rawKwargs []byte
	if cfg.kwargs != nil {
		b, err := c.codec.Encode(cfg.kwargs)
		if err != nil {
			return "", err
		}
		rawKwargs = b
	}

	queue := cfg.queue
	if queue == "" {
		queue = DefaultQueue
	}
	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	maxRetries := DefaultMaxRetries
	if cfg.maxRetriesSet {
		maxRetries = cfg.maxRetries
	}

	now := time.Now()
	var etaMs int64
	if cfg.delay > 0 {
		etaMs = now.Add(cfg.delay).UnixMilli()
	} else if !cfg.eta.IsZero() {
		etaMs = cfg.eta.UnixMilli()
	}

	env := &Envelope{
		ID:         id,
		Name:       task,
		Queue:      queue,
		Args:       rawArgs,
		Kwargs:     rawKwargs,
		MaxRetries: maxRetries,
		ETA:        etaMs,
		Deadline:   cfg.deadlineMs,
		CreatedAt:  now.UnixMilli(),
		ResultTTL:  int64(cfg.resultTTL / time.Second),
	}
	raw, err := c.codec.Encode(env)
	if err != nil {
		return "", err
	}

	ok, err := c.brk.Reserve(ctx, queue, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrDuplicateTask
	}

	if err := c.records.InitPending(ctx, &istore.Record{
		ID:        id,
		Name:      task,
		Queue:     queue,
		State:     string(StatePending),
		CreatedAt: env.CreatedAt,
	}); err != nil {
		_ = c.brk.Unreserve(ctx, queue, id)
		return "", err
	}

	if err := c.brk.Publish(ctx, queue, raw, etaMs, cfg.deadlineMs); err != nil {
		_ = c.records.Delete(ctx, id)
		_ = c.brk.Unreserve(ctx, queue, id)
		return "", err
	}
	return id, nil
}

// GetStatus returns the execution record for an envelope ID, or
// ErrRecordNotFound if it never existed or its retention expired.
func (c *Client) GetStatus(ctx context.Context, id string) (*ExecutionRecord, error) {
	r, err := c.records.Get(ctx, id)
	if err != nil {
		if err == istore.ErrNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return recordFromStore(r), nil
}

// Revoke cancels a PENDING invocation. It returns true if the record
// transitioned to REVOKED; a claimed or finished invocation returns false
// (in-flight cancellation is best-effort and not provided here). The
// envelope stays on the broker; the worker that eventually claims it sees
// the REVOKED record and acknowledges without side effects. The REVOKED
// record is retained for DefaultResultTTL unless overridden with ResultTTL.
func (c *Client) Revoke(ctx context.Context, id string, opts ...Option) (bool, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	ttl := cfg.resultTTL
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return c.records.Revoke(ctx, id, time.Now().UnixMilli(), int64(ttl/time.Second))
}

// EnvelopeFilter selects envelopes during dead-letter listing.
type EnvelopeFilter func(*Envelope) bool

// ListDead returns dead-lettered envelopes for a queue, newest first.
func (c *Client) ListDead(ctx context.Context, queue string, filter EnvelopeFilter) ([]*Envelope, error) {
	strs, err := c.rdb.LRange(ctx, keys.Dead(queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Envelope, 0, len(strs))
	for _, s := range strs {
		var e Envelope
		if err := c.codec.Decode([]byte(s), &e); err == nil {
			if filter == nil || filter(&e) {
				out = append(out, &e)
			}
		}
	}
	return out, nil
}

// RetryDead moves a dead-lettered envelope back to the queue with a reset
// retry budget and a fresh PENDING record. It returns ErrTaskNotFound when
// the ID is not on the dead list.
func (c *Client) RetryDead(ctx context.Context, queue string, id string, opts ...Option) error {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	dead, err := c.ListDead(ctx, queue, func(e *Envelope) bool { return e.ID == id })
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		return ErrTaskNotFound
	}

	env := dead[0]
	rawOld, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	env.RetriesDone = 0
	env.ETA = 0
	if cfg.delay > 0 {
		env.ETA = time.Now().Add(cfg.delay).UnixMilli()
	}
	// Any stale start deadline is dropped; ExpireIn or Deadline on the
	// retry sets a fresh one.
	env.Deadline = cfg.deadlineMs
	rawNew, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	if ok, err := c.brk.Reserve(ctx, queue, id); err != nil {
		return err
	} else if !ok {
		return ErrDuplicateTask
	}

	if err := c.records.InitPending(ctx, &istore.Record{
		ID:        id,
		Name:      env.Name,
		Queue:     queue,
		State:     string(StatePending),
		CreatedAt: env.CreatedAt,
	}); err != nil {
		_ = c.brk.Unreserve(ctx, queue, id)
		return err
	}

	k := keys.For(queue)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, k.Dead, 1, rawOld)
		p.ZRem(ctx, k.DeadExpiry, rawOld)
		if env.ETA > 0 {
			p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(env.ETA), Member: rawNew})
		} else {
			p.LPush(ctx, k.Pending, rawNew)
		}
		if env.Deadline > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(env.Deadline), Member: rawNew})
		}
		return nil
	})
	return err
}
