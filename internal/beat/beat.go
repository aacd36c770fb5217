// Package beat runs the periodic scheduler tick loop. A cluster may run
// several beat processes; a Redis lease gates dispatch so only the holder
// evaluates the schedule table, and per-entry last_run_at updates are
// compare-and-set so an instance that lost its lease mid-tick cannot
// double-dispatch behind the new holder's back.
package beat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/relayq/relayq-go/internal/keys"
	"github.com/relayq/relayq-go/internal/lease"
)

// Logger is a minimal logging interface used internally by the beat loop.
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

// Entry is one runnable line of the schedule table.
type Entry struct {
	Name     string
	Schedule cron.Schedule
	// Dispatch publishes exactly one envelope for this entry.
	Dispatch func(ctx context.Context) error
}

// Config for the beat loop.
type Config struct {
	// Tick is the evaluation cadence.
	Tick time.Duration
	// LeaseName scopes the dispatch lease; instances sharing a schedule
	// table must share a lease name.
	LeaseName string
	// LeaseTTL bounds how long a crashed holder blocks failover.
	LeaseTTL time.Duration
	Logger   Logger
}

// casScript updates last_run_at only if it still holds the expected value
// (missing counts as "0"). A failed swap means another instance dispatched.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = '0' end
if cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// Due reports whether an entry is due at now given its persisted last run.
// A zero lastRun means the entry has never been initialized and is not due;
// the loop seeds last_run_at on first sight instead of firing immediately.
func Due(sched cron.Schedule, lastRun, now time.Time) bool {
	if lastRun.IsZero() {
		return false
	}
	return !now.Before(sched.Next(lastRun))
}

// Beat evaluates the schedule table on a fixed cadence under a lease.
type Beat struct {
	rdb     redis.UniversalClient
	entries []Entry
	cfg     Config
	ls      *lease.Lease
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     Logger
}

// New creates a beat loop over the given entries.
func New(rdb redis.UniversalClient, entries []Entry, cfg Config) *Beat {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = "beat"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Beat{
		rdb:     rdb,
		entries: entries,
		cfg:     cfg,
		ls:      lease.New(rdb, cfg.LeaseName, cfg.LeaseTTL),
		ctx:     ctx,
		cancel:  cancel,
		log:     lg,
	}
}

// Start launches the tick loop. Non-blocking and idempotent.
func (b *Beat) Start() {
	b.mu.Lock()
	if b.started {
		b.log.Warnf("beat already started; ignoring Start()")
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	b.log.Infof("beat starting: entries=%d tick=%s lease=%s ttl=%s",
		len(b.entries), b.cfg.Tick, b.cfg.LeaseName, b.cfg.LeaseTTL)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
}

// Stop halts the loop, releasing the lease if held.
func (b *Beat) Stop() {
	b.mu.Lock()
	if !b.started {
		b.log.Warnf("beat not started; ignoring Stop()")
		b.mu.Unlock()
		return
	}
	b.started = false
	b.mu.Unlock()
	b.log.Infof("beat stopping")

	b.cancel()
	b.wg.Wait()
}

func (b *Beat) run() {
	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()

	held := false
	lastRenew := time.Time{}
	defer func() {
		if held {
			if err := b.ls.Release(context.Background()); err != nil && !errors.Is(err, lease.ErrLost) {
				b.log.Warnf("lease release failed: %v", err)
			}
		}
	}()

	for {
		select {
		case <-b.ctx.Done():
			return
		case now := <-ticker.C:
			if !held {
				switch err := b.ls.Acquire(b.ctx); {
				case err == nil:
					held = true
					lastRenew = now
					b.log.Infof("lease acquired: %s", b.cfg.LeaseName)
				case errors.Is(err, lease.ErrHeld):
					continue
				default:
					b.log.Warnf("lease acquire failed: %v", err)
					continue
				}
			} else if now.Sub(lastRenew) >= b.cfg.LeaseTTL/2 {
				if err := b.ls.Renew(b.ctx); err != nil {
					// Another instance owns dispatch now; stop immediately
					// and go back to competing for the lease.
					b.log.Warnf("lease lost: %s err=%v", b.cfg.LeaseName, err)
					held = false
					continue
				}
				lastRenew = now
			}

			b.tick(now)
		}
	}
}

// tick evaluates every entry once. Dispatch first, persist last_run_at
// immediately after the confirmed publish: a crash between the two yields
// a duplicate fire on recovery, never a missed one.
func (b *Beat) tick(now time.Time) {
	for i := range b.entries {
		e := &b.entries[i]
		lastMs, err := b.lastRun(e.Name)
		if err != nil {
			b.log.Warnf("beat: last_run read failed entry=%s err=%v", e.Name, err)
			continue
		}
		if lastMs == 0 {
			// First sight: seed the clock, do not fire a backlog.
			if err := b.seedLastRun(e.Name, now); err != nil {
				b.log.Warnf("beat: seed failed entry=%s err=%v", e.Name, err)
			}
			continue
		}

		last := time.UnixMilli(lastMs)
		if !Due(e.Schedule, last, now) {
			continue
		}

		if err := e.Dispatch(b.ctx); err != nil {
			b.log.Errorf("beat: dispatch failed entry=%s err=%v", e.Name, err)
			continue
		}
		swapped, err := b.casLastRun(e.Name, lastMs, now)
		if err != nil {
			b.log.Warnf("beat: last_run update failed entry=%s err=%v", e.Name, err)
			continue
		}
		if !swapped {
			b.log.Warnf("beat: concurrent dispatch detected entry=%s", e.Name)
			continue
		}
		b.log.Debugf("beat: dispatched entry=%s", e.Name)
	}
}

func (b *Beat) lastRun(entry string) (int64, error) {
	v, err := b.rdb.Get(b.ctx, keys.ScheduleLastRun(entry)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (b *Beat) seedLastRun(entry string, now time.Time) error {
	return b.rdb.SetNX(b.ctx, keys.ScheduleLastRun(entry), strconv.FormatInt(now.UnixMilli(), 10), 0).Err()
}

func (b *Beat) casLastRun(entry string, expectMs int64, now time.Time) (bool, error) {
	res, err := casScript.Run(b.ctx, b.rdb, []string{keys.ScheduleLastRun(entry)},
		strconv.FormatInt(expectMs, 10), strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
