// Package broker implements the durable task transport over Redis.
//
// Each queue is a set of Redis structures: a pending LIST holding runnable
// envelopes, an active ZSET scored by visibility deadline, a delayed ZSET
// scored by earliest-execution time, and a dead LIST with a dead_expiry
// ZSET indexing retention. All state transitions between them are atomic,
// either a Lua script or a MULTI/EXEC pipeline, so a crash never loses an
// envelope and never duplicates one inside a visibility window.
package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq-go/internal/keys"
)

// Logger is a minimal logging interface used internally by the broker.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// dequeueScript atomically claims one envelope: RPOP from pending and ZADD
// into active with the visibility deadline as score. The pop and the add
// are one unit, so no second consumer sees the message inside its window.
var dequeueScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if not v then return false end
redis.call('ZADD', KEYS[2], ARGV[1], v)
return v
`)

// moveDueScript atomically moves one due member from the delayed ZSET to
// the pending LIST. Returns the moved member, or false if none is due.
var moveDueScript = redis.NewScript(`
local dkey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// expireOneScript retires one overdue member of the expiry ZSET. The member
// is pulled out of delayed or pending and dead-lettered with the given
// retention; it returns the member when one was retired, 0 when the overdue
// member was no longer queued (claimed or settled) and only the index entry
// was dropped, and false when nothing is overdue.
var expireOneScript = redis.NewScript(`
local xkey  = KEYS[1]
local dkey  = KEYS[2]
local pkey  = KEYS[3]
local ddkey = KEYS[4]
local dekey = KEYS[5]
local now    = ARGV[1]
local retain = tonumber(ARGV[2])
local items = redis.call('ZRANGEBYSCORE', xkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
redis.call('ZREM', xkey, m)
if redis.call('ZREM', dkey, m) == 1 or redis.call('LREM', pkey, 1, m) == 1 then
  if retain ~= 0 then
    redis.call('LPUSH', ddkey, m)
    if retain > 0 then
      redis.call('ZADD', dekey, now + retain * 1000, m)
    end
  end
  return m
end
return 0
`)

// reclaimScript atomically returns one visibility-expired active member to
// pending, making an unacknowledged delivery redeliverable.
var reclaimScript = redis.NewScript(`
local akey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', akey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', akey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// Broker publishes and delivers envelopes over Redis queues.
type Broker struct {
	rdb  redis.UniversalClient
	log  Logger
	kset map[string]keys.Queue
}

// New creates a broker. Queue key sets are computed lazily and cached.
func New(rdb redis.UniversalClient, log Logger) *Broker {
	if log == nil {
		log = noopLogger{}
	}
	return &Broker{rdb: rdb, log: log, kset: make(map[string]keys.Queue)}
}

// Keys returns the cached key set for a queue.
func (b *Broker) Keys(queue string) keys.Queue {
	k, ok := b.kset[queue]
	if !ok {
		k = keys.For(queue)
		b.kset[queue] = k
	}
	return k
}

// Publish places a raw envelope on the queue. An etaMs in the future lands
// in the delayed ZSET; otherwise the envelope is immediately runnable. A
// nonzero deadlineMs also registers the envelope on the expiry ZSET so the
// expirer can retire it if no attempt starts in time.
func (b *Broker) Publish(ctx context.Context, queue string, raw []byte, etaMs, deadlineMs int64) error {
	k := b.Keys(queue)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if etaMs > time.Now().UnixMilli() {
			p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(etaMs), Member: raw})
		} else {
			p.LPush(ctx, k.Pending, raw)
		}
		if deadlineMs > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(deadlineMs), Member: raw})
		}
		return nil
	})
	return err
}

// Reserve marks an envelope ID as used for its queue. It returns false if
// the ID was already reserved, which callers surface as a duplicate enqueue.
func (b *Broker) Reserve(ctx context.Context, queue, id string) (bool, error) {
	added, err := b.rdb.SAdd(ctx, b.Keys(queue).Unique, id).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// Unreserve rolls back a reservation after a failed publish.
func (b *Broker) Unreserve(ctx context.Context, queue, id string) error {
	return b.rdb.SRem(ctx, b.Keys(queue).Unique, id).Err()
}

// Dequeue claims one envelope from the queue, hiding it from other
// consumers until the visibility window expires. It returns nil when the
// queue is empty.
func (b *Broker) Dequeue(ctx context.Context, queue string, visibility time.Duration) ([]byte, error) {
	k := b.Keys(queue)
	deadline := time.Now().Add(visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, b.rdb, []string{k.Pending, k.Active}, strconv.FormatInt(deadline, 10)).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, nil
}

// Ack durably removes a delivered envelope from the queue, dropping any
// expiry registration along with it.
func (b *Broker) Ack(ctx context.Context, queue string, raw []byte) error {
	k := b.Keys(queue)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.ZRem(ctx, k.Expiry, raw)
		return nil
	})
	return err
}

// Nack finishes a delivery without success. With requeue the envelope goes
// back to pending for immediate redelivery; without it the envelope is
// dead-lettered with the given retention (seconds; negative keeps forever).
func (b *Broker) Nack(ctx context.Context, queue string, raw []byte, requeue bool, retentionSec int64) error {
	k := b.Keys(queue)
	if requeue {
		// The same raw bytes return to pending, so an expiry registration
		// for the envelope remains valid and is left in place.
		_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, k.Active, raw)
			p.LPush(ctx, k.Pending, raw)
			return nil
		})
		return err
	}
	return b.deadLetter(ctx, k, raw, raw, retentionSec)
}

// DeadLetter removes a delivery from active and stores a (possibly
// re-encoded) final form of the envelope on the dead list.
func (b *Broker) DeadLetter(ctx context.Context, queue string, delivered, final []byte, retentionSec int64) error {
	return b.deadLetter(ctx, b.Keys(queue), delivered, final, retentionSec)
}

func (b *Broker) deadLetter(ctx context.Context, k keys.Queue, delivered, final []byte, retentionSec int64) error {
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, delivered)
		p.ZRem(ctx, k.Expiry, delivered)
		if retentionSec != 0 {
			p.LPush(ctx, k.Dead, final)
			if retentionSec > 0 {
				expireMs := time.Now().UnixMilli() + retentionSec*1000
				p.ZAdd(ctx, k.DeadExpiry, redis.Z{Score: float64(expireMs), Member: final})
			}
		}
		return nil
	})
	return err
}

// Requeue atomically replaces a delivered envelope with a re-encoded
// successor placed on the delayed ZSET. This is the retry path: the
// original delivery is acknowledged and a fresh envelope with a new eta
// takes a fresh queue position, never a requeue-in-place. A nonzero
// deadlineMs re-registers the successor on the expiry ZSET.
func (b *Broker) Requeue(ctx context.Context, queue string, delivered, successor []byte, etaMs, deadlineMs int64) error {
	k := b.Keys(queue)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, delivered)
		p.ZRem(ctx, k.Expiry, delivered)
		if etaMs > time.Now().UnixMilli() {
			p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(etaMs), Member: successor})
		} else {
			p.LPush(ctx, k.Pending, successor)
		}
		if deadlineMs > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(deadlineMs), Member: successor})
		}
		return nil
	})
	return err
}

// ReleaseID drops the de-dup reservation for an envelope ID so explicit IDs
// can be reused after the invocation reaches a terminal state.
func (b *Broker) ReleaseID(ctx context.Context, queue, id string) error {
	return b.rdb.SRem(ctx, b.Keys(queue).Unique, id).Err()
}

// MoveDue moves up to limit due envelopes from delayed to pending.
func (b *Broker) MoveDue(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	k := b.Keys(queue)
	arg := strconv.FormatInt(now.UnixMilli(), 10)
	moved := 0
	for i := 0; i < limit; i++ {
		res, err := moveDueScript.Run(ctx, b.rdb, []string{k.Delayed, k.Pending}, arg).Result()
		if err == redis.Nil || res == nil || res == false {
			break
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// ReclaimExpired returns up to limit visibility-expired deliveries to
// pending. Reclaimed envelopes are redelivered as-is; the execution-record
// claim on the worker side suppresses double side effects.
func (b *Broker) ReclaimExpired(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	k := b.Keys(queue)
	arg := strconv.FormatInt(now.UnixMilli(), 10)
	reclaimed := 0
	for i := 0; i < limit; i++ {
		res, err := reclaimScript.Run(ctx, b.rdb, []string{k.Active, k.Pending}, arg).Result()
		if err == redis.Nil || res == nil || res == false {
			break
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// ExpireOverdue retires up to limit envelopes whose start deadline has
// passed, dead-lettering them with the given retention. It returns the raw
// envelopes that were actually pulled off the queue so the caller can mark
// their execution records; stale index entries are dropped without being
// reported.
func (b *Broker) ExpireOverdue(ctx context.Context, queue string, now time.Time, limit int, retentionSec int64) ([][]byte, error) {
	k := b.Keys(queue)
	ks := []string{k.Expiry, k.Delayed, k.Pending, k.Dead, k.DeadExpiry}
	nowArg := strconv.FormatInt(now.UnixMilli(), 10)
	retainArg := strconv.FormatInt(retentionSec, 10)
	var expired [][]byte
	for i := 0; i < limit; i++ {
		res, err := expireOneScript.Run(ctx, b.rdb, ks, nowArg, retainArg).Result()
		if err == redis.Nil || res == nil || res == false {
			break
		}
		if err != nil {
			return expired, err
		}
		switch v := res.(type) {
		case string:
			expired = append(expired, []byte(v))
		case []byte:
			expired = append(expired, v)
		}
	}
	return expired, nil
}

// PurgeDead removes dead-letter entries whose retention has expired.
func (b *Broker) PurgeDead(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	k := b.Keys(queue)
	max := strconv.FormatInt(now.UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, k.DeadExpiry, &redis.ZRangeBy{
		Min: "0", Max: max, Offset: 0, Count: int64(limit),
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.LRem(ctx, k.Dead, 1, m)
			p.ZRem(ctx, k.DeadExpiry, m)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(members), nil
}
