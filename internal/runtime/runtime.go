// Package runtime drives the worker pool: it pulls envelopes off the
// broker, claims their execution records, invokes task bodies with bounded
// time, and settles every delivery with exactly one of ack, retry
// re-publish, or dead-letter.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/relayq/relayq-go/internal/broker"
	"github.com/relayq/relayq-go/internal/store"
	"github.com/relayq/relayq-go/internal/taskmeta"
	"github.com/relayq/relayq-go/internal/wire"
)

// Logger is a minimal logging interface used internally by the runtime.
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

// Error kinds stored on failure records. They mirror the public taxonomy.
const (
	kindMalformed     = "MALFORMED_ENVELOPE"
	kindUnknownTask   = "UNKNOWN_TASK"
	kindTimeout       = "TIMEOUT"
	kindTaskException = "TASK_EXCEPTION"
	kindExpired       = "EXPIRED"
)

// stateRevoked mirrors the REVOKED record state used by the store.
const stateRevoked = "REVOKED"

// Task is the executable view of a registry entry.
type Task struct {
	// Run is the middleware-wrapped task body.
	Run func(ctx context.Context, args []byte) ([]byte, error)
	// Timeout bounds one attempt. Zero falls back to the pool default.
	Timeout time.Duration
	// Backoff returns the delay before retry attempt n (1-based).
	Backoff func(n int) time.Duration
}

// Resolver looks up a task by name. A miss fails the envelope with
// UNKNOWN_TASK and no retry.
type Resolver func(name string) (Task, bool)

type Config struct {
	Queues map[string]int
	// Concurrency is the number of concurrent task executions.
	Concurrency int
	// Visibility is how long a claimed delivery stays hidden from other
	// consumers. It must exceed the worst-case task runtime, otherwise the
	// reclaimer redelivers a still-running task and the record claim is the
	// only thing standing between it and a duplicate execution.
	Visibility time.Duration
	// DefaultTimeout bounds attempts of tasks that set no timeout of their own.
	DefaultTimeout time.Duration
	// DefaultResultTTL is the record retention (seconds) when the envelope
	// carries none.
	DefaultResultTTL int64
	// DeadRetention is how long (seconds) dead-lettered envelopes are kept.
	// Negative keeps them forever; zero drops them.
	DeadRetention int64
	Logger        Logger
}

var envPool = sync.Pool{New: func() any { return new(wire.Envelope) }}

func recycle(e *wire.Envelope) {
	if e == nil {
		return
	}
	*e = wire.Envelope{}
	envPool.Put(e)
}

// Runtime owns the worker goroutines and per-queue maintenance loops.
type Runtime struct {
	brk       *broker.Broker
	rec       store.Store
	resolve   Resolver
	cfg       Config
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	queueList []string
	log       Logger
}

// New creates a runtime. It does not touch the broker until Start.
func New(brk *broker.Broker, rec store.Store, resolve Resolver, cfg Config) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		brk:       brk,
		rec:       rec,
		resolve:   resolve,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		queueList: expandQueues(cfg.Queues),
		log:       lg,
	}
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d queues=%d visibility=%s",
		rt.cfg.Concurrency, len(rt.cfg.Queues), rt.cfg.Visibility)

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		seed := time.Now().UnixNano() + int64(i)
		rng := rand.New(rand.NewSource(seed))
		go func(r *rand.Rand) {
			defer rt.wg.Done()
			rt.workerLoop(r)
		}(rng)
	}

	for q := range rt.cfg.Queues {
		// Delayed mover: due envelopes (eta reached, retry backoff elapsed)
		// become runnable.
		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			rt.maintenanceLoop(queue, 100*time.Millisecond, func(now time.Time) (int, error) {
				return rt.brk.MoveDue(rt.ctx, queue, now, 256)
			}, "mover")
		}(q)

		// Visibility reclaimer: unacknowledged deliveries past their window
		// become redeliverable. Redelivery of live work is the documented
		// consequence of a visibility window shorter than the task runtime.
		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			rt.maintenanceLoop(queue, 200*time.Millisecond, func(now time.Time) (int, error) {
				return rt.brk.ReclaimExpired(rt.ctx, queue, now, 256)
			}, "reclaimer")
		}(q)

		// Expirer: envelopes whose start deadline passed while queued are
		// dead-lettered with an EXPIRED failure before any attempt begins.
		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			rt.maintenanceLoop(queue, 100*time.Millisecond, func(now time.Time) (int, error) {
				return rt.expireOverdue(queue, now)
			}, "expirer")
		}(q)

		// Dead cleaner: purge dead-letter entries past retention.
		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			rt.maintenanceLoop(queue, time.Second, func(now time.Time) (int, error) {
				return rt.brk.PurgeDead(rt.ctx, queue, now, 256)
			}, "dead-cleaner")
		}(q)
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

func (rt *Runtime) maintenanceLoop(queue string, every time.Duration, fn func(now time.Time) (int, error), name string) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := fn(now); err != nil && rt.ctx.Err() == nil {
				rt.log.Warnf("%s: sweep failed queue=%s err=%v", name, queue, err)
			}
		}
	}
}

func (rt *Runtime) workerLoop(rng *rand.Rand) {
	ql := rt.queueList
	if len(ql) == 0 {
		return
	}
	// Transport errors are retried here with exponential backoff; they are
	// broker unavailability, not task failures, and never consume retries.
	idleWait := 50 * time.Millisecond
	brokerWait := idleWait
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		queue := ql[rng.Intn(len(ql))]
		raw, err := rt.brk.Dequeue(rt.ctx, queue, rt.cfg.Visibility)
		if err != nil {
			if rt.ctx.Err() != nil {
				return
			}
			rt.log.Warnf("broker unavailable: queue=%s err=%v retry_in=%s", queue, err, brokerWait)
			rt.sleep(brokerWait)
			brokerWait *= 2
			if brokerWait > 5*time.Second {
				brokerWait = 5 * time.Second
			}
			continue
		}
		brokerWait = idleWait
		if raw == nil {
			rt.sleep(idleWait)
			continue
		}

		rt.process(queue, raw)
	}
}

func (rt *Runtime) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-rt.ctx.Done():
	case <-t.C:
	}
}

// process settles exactly one delivery.
func (rt *Runtime) process(queue string, raw []byte) {
	env := envPool.Get().(*wire.Envelope)
	defer recycle(env)

	if err := sonic.Unmarshal(raw, env); err != nil || env.ID == "" || env.Name == "" {
		// Decode failure is non-retriable: dead-letter, never requeue. The
		// failure record is best-effort since the ID may be unrecoverable.
		if env.ID != "" {
			_ = rt.rec.MarkFailure(rt.ctx, env.ID, kindMalformed, fmt.Sprintf("undecodable payload: %v", err),
				env.RetriesDone, time.Now().UnixMilli(), rt.resultTTL(env))
		}
		if e := rt.brk.Nack(rt.ctx, queue, raw, false, rt.cfg.DeadRetention); e != nil {
			rt.log.Errorf("deadletter failed: queue=%s err=%v", queue, e)
		}
		rt.log.Warnf("malformed envelope: queue=%s bytes=%d", queue, len(raw))
		return
	}

	// Claim before side effects. A terminal record means this delivery is a
	// duplicate (redelivery after visibility expiry) or the envelope was
	// revoked; either way the body must not run again.
	prev, claimed, err := rt.rec.Claim(rt.ctx, env.ID, time.Now().UnixMilli())
	if err != nil {
		// Leave the delivery in active; the reclaimer redelivers it once the
		// record store is reachable again.
		rt.log.Warnf("claim failed: id=%s queue=%s err=%v", env.ID, queue, err)
		return
	}
	if !claimed {
		if e := rt.brk.Ack(rt.ctx, queue, raw); e != nil {
			rt.log.Errorf("ack failed: id=%s queue=%s err=%v", env.ID, queue, e)
		}
		if prev == stateRevoked {
			// Draining a revoked envelope settles it; the ID becomes
			// reusable like any other terminal outcome.
			rt.releaseID(queue, env.ID)
		}
		rt.log.Debugf("skipping %s delivery: id=%s queue=%s", prev, env.ID, queue)
		return
	}

	if env.Deadline > 0 && time.Now().UnixMilli() > env.Deadline {
		// The expirer usually retires these before delivery; this guard
		// covers envelopes dequeued in the same sweep interval.
		rt.failTerminal(queue, env, raw, kindExpired, "start deadline passed")
		return
	}

	task, ok := rt.resolve(env.Name)
	if !ok {
		rt.failTerminal(queue, env, raw, kindUnknownTask, "no handler registered for "+env.Name)
		return
	}

	result, execErr, kind := rt.execute(task, env)
	if execErr != nil && rt.ctx.Err() != nil {
		// Shutdown interrupted the attempt. Leave the delivery unacked so
		// the visibility reclaimer redelivers it; no retry is consumed.
		return
	}
	if execErr == nil {
		if e := rt.rec.MarkSuccess(rt.ctx, env.ID, result, time.Now().UnixMilli(), rt.resultTTL(env)); e != nil {
			rt.log.Warnf("record success failed: id=%s queue=%s err=%v", env.ID, queue, e)
		}
		if e := rt.brk.Ack(rt.ctx, queue, raw); e != nil {
			rt.log.Errorf("ack failed: id=%s queue=%s err=%v", env.ID, queue, e)
		}
		rt.releaseID(queue, env.ID)
		rt.log.Debugf("processed: id=%s name=%s queue=%s", env.ID, env.Name, queue)
		return
	}

	if env.RetriesDone < env.MaxRetries {
		rt.retry(queue, env, raw, task, kind, execErr)
		return
	}
	rt.failTerminal(queue, env, raw, kind, execErr.Error())
}

// execute runs one bounded attempt. A timed-out task body is abandoned, not
// force-killed; its goroutine exits when it observes the canceled context.
func (rt *Runtime) execute(task Task, env *wire.Envelope) ([]byte, error, string) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = rt.cfg.DefaultTimeout
	}
	ctx := rt.ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = taskmeta.WithMeta(ctx, &taskmeta.Meta{
		ID:          env.ID,
		Name:        env.Name,
		Queue:       env.Queue,
		RetriesDone: env.RetriesDone,
		MaxRetries:  env.MaxRetries,
		Kwargs:      env.Kwargs,
	})

	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)
	args := env.Args
	go func() {
		defer func() {
			// A panic in one task body must not take down sibling
			// executions or the pool process.
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := task.Run(ctx, args)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err, kindTaskException
		}
		return out.result, nil, ""
	case <-ctx.Done():
		if rt.ctx.Err() != nil {
			// Pool shutdown, not a task fault. Leave the delivery
			// unacknowledged; the reclaimer hands it to the next worker.
			return nil, ctx.Err(), kindTaskException
		}
		return nil, fmt.Errorf("attempt exceeded %s", timeout), kindTimeout
	}
}

// retry re-publishes a successor envelope with backoff and acknowledges the
// original delivery, so a retried envelope always takes a fresh queue
// position instead of being requeued in place.
func (rt *Runtime) retry(queue string, env *wire.Envelope, raw []byte, task Task, kind string, execErr error) {
	env.RetriesDone++
	var delay time.Duration
	if task.Backoff != nil {
		delay = task.Backoff(env.RetriesDone)
	}
	if delay <= 0 {
		delay = time.Second
	}
	env.ETA = time.Now().Add(delay).UnixMilli()

	if e := rt.rec.MarkRetry(rt.ctx, env.ID, env.RetriesDone, kind, execErr.Error()); e != nil {
		rt.log.Warnf("record retry failed: id=%s queue=%s err=%v", env.ID, queue, e)
	}
	successor, err := json.Marshal(env)
	if err != nil {
		rt.failTerminal(queue, env, raw, kindTaskException, "re-encode failed: "+err.Error())
		return
	}
	if e := rt.brk.Requeue(rt.ctx, queue, raw, successor, env.ETA, env.Deadline); e != nil {
		rt.log.Errorf("retry requeue failed: id=%s queue=%s err=%v", env.ID, queue, e)
		return
	}
	rt.log.Warnf("retrying: id=%s name=%s queue=%s attempt=%d/%d delay=%s err=%v",
		env.ID, env.Name, queue, env.RetriesDone, env.MaxRetries, delay, execErr)
}

// failTerminal records a FAILURE and dead-letters the envelope.
func (rt *Runtime) failTerminal(queue string, env *wire.Envelope, raw []byte, kind, msg string) {
	now := time.Now().UnixMilli()
	if e := rt.rec.MarkFailure(rt.ctx, env.ID, kind, msg, env.RetriesDone, now, rt.resultTTL(env)); e != nil {
		rt.log.Warnf("record failure failed: id=%s queue=%s err=%v", env.ID, queue, e)
	}
	final, err := json.Marshal(env)
	if err != nil {
		final = raw
	}
	if e := rt.brk.DeadLetter(rt.ctx, queue, raw, final, rt.cfg.DeadRetention); e != nil {
		rt.log.Errorf("deadletter failed: id=%s queue=%s err=%v", env.ID, queue, e)
	}
	rt.releaseID(queue, env.ID)
	rt.log.Warnf("failed: id=%s name=%s queue=%s kind=%s err=%s", env.ID, env.Name, queue, kind, msg)
}

// expireOverdue sweeps one queue for envelopes past their start deadline
// and records an EXPIRED failure for each one retired.
func (rt *Runtime) expireOverdue(queue string, now time.Time) (int, error) {
	expired, err := rt.brk.ExpireOverdue(rt.ctx, queue, now, 256, rt.cfg.DeadRetention)
	for _, raw := range expired {
		env := envPool.Get().(*wire.Envelope)
		if e := sonic.Unmarshal(raw, env); e != nil || env.ID == "" {
			recycle(env)
			continue
		}
		if e := rt.rec.MarkFailure(rt.ctx, env.ID, kindExpired, "start deadline passed",
			env.RetriesDone, now.UnixMilli(), rt.resultTTL(env)); e != nil {
			rt.log.Warnf("record expiry failed: id=%s queue=%s err=%v", env.ID, queue, e)
		}
		rt.releaseID(queue, env.ID)
		rt.log.Warnf("expired: id=%s name=%s queue=%s", env.ID, env.Name, queue)
		recycle(env)
	}
	return len(expired), err
}

func (rt *Runtime) releaseID(queue, id string) {
	if err := rt.brk.ReleaseID(rt.ctx, queue, id); err != nil {
		rt.log.Warnf("unique unlock failed: id=%s queue=%s err=%v", id, queue, err)
	}
}

func (rt *Runtime) resultTTL(env *wire.Envelope) int64 {
	if env.ResultTTL > 0 {
		return env.ResultTTL
	}
	return rt.cfg.DefaultResultTTL
}

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgQueues exposes configured queues mapping.
func (rt *Runtime) CfgQueues() map[string]int { return rt.cfg.Queues }

func expandQueues(q map[string]int) []string {
	n := 0
	for _, w := range q {
		n += w
	}
	out := make([]string, 0, n)
	for name, weight := range q {
		if weight < 1 {
			weight = 1
		}
		for i := 0; i < weight; i++ {
			out = append(out, name)
		}
	}
	return out
}
