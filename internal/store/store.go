// Package store persists execution records, the mutable per-invocation
// status keyed by envelope ID. The claim and revoke transitions are Lua
// compare-and-set scripts so a redelivered envelope whose record already
// reached a terminal state is detected atomically and never re-executed.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq-go/internal/keys"
)

// ErrNotFound is returned when no record exists (or it expired).
var ErrNotFound = errors.New("store: record not found")

// Record is the execution record for one envelope.
type Record struct {
	ID          string
	Name        string
	Queue       string
	State       string
	Result      []byte
	ErrKind     string
	ErrMsg      string
	RetriesDone int
	CreatedAt   int64
	StartedAt   int64
	FinishedAt  int64
}

// Store is the persistence boundary for execution records. The default
// implementation is Redis; a PostgreSQL implementation exists for
// deployments that keep task status next to durable business data.
type Store interface {
	// InitPending creates (or resets, on explicit re-enqueue) the record in
	// PENDING state. Used by the producer atomically with publish.
	InitPending(ctx context.Context, r *Record) error
	// Claim transitions the record to STARTED unless it is already terminal.
	// It returns the pre-claim state and whether the claim succeeded; a
	// failed claim means the invocation must be skipped and acked.
	Claim(ctx context.Context, id string, startedAtMs int64) (prev string, claimed bool, err error)
	// MarkRetry records a failed attempt that will be re-enqueued.
	MarkRetry(ctx context.Context, id string, retriesDone int, errKind, errMsg string) error
	// MarkSuccess finalizes the record with a result and retention TTL.
	MarkSuccess(ctx context.Context, id string, result []byte, finishedAtMs, ttlSec int64) error
	// MarkFailure finalizes the record with a structured error and TTL.
	MarkFailure(ctx context.Context, id string, errKind, errMsg string, retriesDone int, finishedAtMs, ttlSec int64) error
	// Revoke transitions PENDING to REVOKED. Returns false if the record is
	// in any other state; revocation of claimed work is best-effort only.
	Revoke(ctx context.Context, id string, finishedAtMs, ttlSec int64) (bool, error)
	// Get fetches the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Delete removes the record. Used to roll back a failed enqueue.
	Delete(ctx context.Context, id string) error
}

// claimScript sets STARTED unless the record is already terminal.
// Returns the previous state string, or 'OK' when the claim succeeded.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local cur = redis.call('HGET', key, 'state')
if cur == 'SUCCESS' or cur == 'FAILURE' or cur == 'REVOKED' then
  return cur
end
redis.call('HSET', key, 'state', 'STARTED', 'started_at', ARGV[1])
return 'OK'
`)

// revokeScript flips PENDING to REVOKED, with optional retention TTL.
var revokeScript = redis.NewScript(`
local key = KEYS[1]
local cur = redis.call('HGET', key, 'state')
if cur ~= 'PENDING' then return 0 end
redis.call('HSET', key, 'state', 'REVOKED', 'finished_at', ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call('EXPIRE', key, ARGV[2])
end
return 1
`)

// RedisStore is the default Store over a Redis hash per envelope ID.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedis creates a Redis-backed record store.
func NewRedis(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) InitPending(ctx context.Context, r *Record) error {
	key := keys.Record(r.ID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"state", "PENDING",
			"name", r.Name,
			"queue", r.Queue,
			"created_at", r.CreatedAt,
			"retries_done", r.RetriesDone,
		)
		// A fresh PENDING record must not inherit an expiry from a
		// previous incarnation of the same explicit ID.
		p.Persist(ctx, key)
		return nil
	})
	return err
}

func (s *RedisStore) Claim(ctx context.Context, id string, startedAtMs int64) (string, bool, error) {
	res, err := claimScript.Run(ctx, s.rdb, []string{keys.Record(id)}, strconv.FormatInt(startedAtMs, 10)).Result()
	if err != nil {
		return "", false, err
	}
	prev, _ := res.(string)
	if prev == "OK" {
		return "", true, nil
	}
	return prev, false, nil
}

func (s *RedisStore) MarkRetry(ctx context.Context, id string, retriesDone int, errKind, errMsg string) error {
	return s.rdb.HSet(ctx, keys.Record(id),
		"state", "RETRY",
		"retries_done", retriesDone,
		"err_kind", errKind,
		"err_msg", errMsg,
	).Err()
}

func (s *RedisStore) MarkSuccess(ctx context.Context, id string, result []byte, finishedAtMs, ttlSec int64) error {
	key := keys.Record(id)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"state", "SUCCESS",
			"result", result,
			"finished_at", finishedAtMs,
			"err_kind", "",
			"err_msg", "",
		)
		if ttlSec > 0 {
			p.Expire(ctx, key, secDuration(ttlSec))
		}
		return nil
	})
	return err
}

func (s *RedisStore) MarkFailure(ctx context.Context, id string, errKind, errMsg string, retriesDone int, finishedAtMs, ttlSec int64) error {
	key := keys.Record(id)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"state", "FAILURE",
			"err_kind", errKind,
			"err_msg", errMsg,
			"retries_done", retriesDone,
			"finished_at", finishedAtMs,
		)
		if ttlSec > 0 {
			p.Expire(ctx, key, secDuration(ttlSec))
		}
		return nil
	})
	return err
}

func (s *RedisStore) Revoke(ctx context.Context, id string, finishedAtMs, ttlSec int64) (bool, error) {
	res, err := revokeScript.Run(ctx, s.rdb, []string{keys.Record(id)},
		strconv.FormatInt(finishedAtMs, 10), strconv.FormatInt(ttlSec, 10)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	m, err := s.rdb.HGetAll(ctx, keys.Record(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	r := &Record{
		ID:      id,
		Name:    m["name"],
		Queue:   m["queue"],
		State:   m["state"],
		ErrKind: m["err_kind"],
		ErrMsg:  m["err_msg"],
	}
	if v := m["result"]; v != "" {
		r.Result = []byte(v)
	}
	r.RetriesDone = atoi(m["retries_done"])
	r.CreatedAt = atoi64(m["created_at"])
	r.StartedAt = atoi64(m["started_at"])
	r.FinishedAt = atoi64(m["finished_at"])
	return r, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, keys.Record(id)).Err()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func secDuration(sec int64) time.Duration {
	return time.Duration(sec) * time.Second
}
