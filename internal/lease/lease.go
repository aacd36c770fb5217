// Package lease implements a TTL-bounded exclusive-ownership token over
// Redis, used to serialize the periodic scheduler across instances. The
// token value identifies the owner; renew and release only succeed while
// the stored value still matches, so a lease that expired and was taken
// over by another instance is reported as lost instead of being stolen back.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq-go/internal/keys"
)

// ErrHeld is returned by Acquire when another instance owns the lease.
var ErrHeld = errors.New("lease: held by another instance")

// ErrLost is returned by Renew or Release when ownership has lapsed.
var ErrLost = errors.New("lease: ownership lost")

// renewScript extends the TTL only while the caller still owns the lease.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease is a named cluster-wide mutual exclusion token.
type Lease struct {
	rdb   redis.UniversalClient
	key   string
	owner string
	ttl   time.Duration
}

// New creates a lease handle. The owner token is random per handle, so two
// handles in one process still exclude each other.
func New(rdb redis.UniversalClient, name string, ttl time.Duration) *Lease {
	return &Lease{
		rdb:   rdb,
		key:   keys.Lease(name),
		owner: uuid.NewString(),
		ttl:   ttl,
	}
}

// Owner returns the owner token of this handle.
func (l *Lease) Owner() string { return l.owner }

// TTL returns the configured lease duration.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire attempts to take the lease. It returns ErrHeld when another
// instance currently owns it.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Renew extends the lease TTL. It returns ErrLost when the lease expired or
// was acquired by another instance since the last renewal.
func (l *Lease) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return ErrLost
	}
	return nil
}

// Release gives up the lease. Releasing a lease that already lapsed returns
// ErrLost, which shutdown paths may ignore.
func (l *Lease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Result()
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		return ErrLost
	}
	return nil
}
