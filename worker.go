package relayq

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	ibroker "github.com/relayq/relayq-go/internal/broker"
	rtm "github.com/relayq/relayq-go/internal/runtime"
	istore "github.com/relayq/relayq-go/internal/store"
)

// WorkerConfig defines the configuration for a worker pool process.
type WorkerConfig struct {
	// Queues defines the queues to consume and their relative weights.
	Queues map[string]int
	// Concurrency is the number of concurrent task executions.
	Concurrency int
	// Visibility is the window during which a claimed delivery is hidden
	// from other consumers. This is a deployment-time trade-off: it must be
	// longer than the worst-case task runtime, or a still-running task is
	// redelivered and executes concurrently.
	Visibility time.Duration
	// DefaultTimeout bounds attempts of tasks registered without WithTimeout.
	// Zero leaves such tasks unbounded.
	DefaultTimeout time.Duration
	// ResultTTL is the default retention of terminal execution records.
	// Zero means one hour.
	ResultTTL time.Duration
	// DeadRetention is how long dead-lettered envelopes are kept for
	// inspection and RetryDead. Negative keeps them forever (default).
	DeadRetention time.Duration
	// Records overrides the execution record store. Nil uses Redis.
	Records ExecutionStore
	// Logger is the logger used for worker events.
	Logger Logger
}

// DefaultResultTTL is the record retention applied when none is configured,
// mirroring the common one-hour result expiry of broker-backed queues.
const DefaultResultTTL = time.Hour

// Worker consumes envelopes from Redis queues and executes registered tasks.
type Worker struct {
	rt      *rtm.Runtime
	reg     *Registry
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewWorker creates a worker pool bound to a registry.
func NewWorker(rdb redis.UniversalClient, cfg WorkerConfig, reg *Registry) *Worker {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	resultTTL := cfg.ResultTTL
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	deadRetention := int64(-1)
	if cfg.DeadRetention != 0 {
		deadRetention = int64(cfg.DeadRetention / time.Second)
	}

	records := cfg.Records
	if records == nil {
		records = istore.NewRedis(rdb)
	}

	resolve := func(name string) (rtm.Task, bool) {
		def, ok := reg.Resolve(name)
		if !ok {
			return rtm.Task{}, false
		}
		h := reg.Handler(def)
		run := h
		if def.Validate != nil {
			validate := def.Validate
			run = func(ctx context.Context, args []byte) ([]byte, error) {
				if err := validate(args); err != nil {
					return nil, err
				}
				return h(ctx, args)
			}
		}
		return rtm.Task{
			Run:     run,
			Timeout: def.Timeout,
			Backoff: def.Retry.Backoff,
		}, true
	}

	rtc := rtm.Config{
		Queues:           cfg.Queues,
		Concurrency:      cfg.Concurrency,
		Visibility:       cfg.Visibility,
		DefaultTimeout:   cfg.DefaultTimeout,
		DefaultResultTTL: int64(resultTTL / time.Second),
		DeadRetention:    deadRetention,
		Logger:           rtLogger{Logger: l},
	}
	brk := ibroker.New(rdb, rtLogger{Logger: l})
	return &Worker{rt: rtm.New(brk, records, resolve, rtc), reg: reg, log: l}
}

// Start launches the worker pool and background maintenance routines.
// It is idempotent and non-blocking.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		if w.log != nil {
			w.log.Warnf("worker already started; ignoring Start()")
		}
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	if w.log != nil {
		w.log.Infof("starting worker: concurrency=%d queues=%d tasks=%d",
			w.rt.CfgConcurrency(), len(w.rt.CfgQueues()), len(w.reg.Names()))
	}
	w.rt.Start()
}

// Stop gracefully shuts down the pool, waiting for in-flight executions.
// Interrupted attempts stay unacknowledged and are redelivered elsewhere.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		if w.log != nil {
			w.log.Warnf("worker not started; ignoring Stop()")
		}
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()
	if w.log != nil {
		w.log.Infof("stopping worker")
	}
	w.rt.Stop()
}

// rtLogger adapts the public Logger to the internal logger interfaces.
type rtLogger struct{ Logger }
