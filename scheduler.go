package relayq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/relayq/relayq-go/internal/beat"
)

// ScheduleEntry is one configuration-time line of the periodic schedule.
// The entry's last_run_at lives in Redis, not in-process, so any instance
// holding the dispatch lease can pick up where another left off.
type ScheduleEntry struct {
	// Name identifies the entry; it keys the persisted last_run_at.
	Name string
	// Task is the task name dispatched on each fire.
	Task string
	// Spec is the trigger expression: a five-field cron line ("0 4 * * *")
	// or an interval descriptor ("@every 24h", "@hourly").
	Spec string
	// Args is the argument bundle encoded into each dispatched envelope.
	Args any
	// Queue routes fires to a queue other than the default.
	Queue string
	// MaxRetries overrides the default retry budget of dispatched envelopes.
	// Zero means the default.
	MaxRetries int
	// ExpireIn sets a start deadline on each fire, relative to dispatch
	// time. A fire that has not started when the next one lands should
	// expire rather than pile up. Zero means no deadline.
	ExpireIn time.Duration
	// Disabled entries are parsed but never evaluated.
	Disabled bool
}

// SchedulerConfig defines the configuration for a scheduler process.
type SchedulerConfig struct {
	Entries []ScheduleEntry
	// Tick is the schedule evaluation cadence. Zero means one second.
	Tick time.Duration
	// LeaseName scopes the dispatch lease. Instances that share a schedule
	// table must share a lease name. Empty means "beat".
	LeaseName string
	// LeaseTTL bounds failover time after a holder crash. Zero means 15s.
	LeaseTTL time.Duration
	// Logger is the logger used for scheduler events.
	Logger Logger
}

// Scheduler periodically dispatches due schedule entries onto the broker.
// Run any number of instances; a lease serializes dispatch to one at a time.
type Scheduler struct {
	bt      *beat.Beat
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewScheduler parses the schedule table and builds a scheduler that
// dispatches through the given client. Invalid trigger expressions are
// reported here, at startup, not at tick time.
func NewScheduler(rdb redis.UniversalClient, cfg SchedulerConfig, client *Client) (*Scheduler, error) {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}

	entries := make([]beat.Entry, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		if e.Disabled {
			continue
		}
		if e.Name == "" || e.Task == "" {
			return nil, fmt.Errorf("relayq: schedule entry needs a name and a task (got name=%q task=%q)", e.Name, e.Task)
		}
		sched, err := cron.ParseStandard(e.Spec)
		if err != nil {
			return nil, fmt.Errorf("relayq: schedule entry %s: invalid spec %q: %w", e.Name, e.Spec, err)
		}

		opts := make([]Option, 0, 3)
		if e.Queue != "" {
			opts = append(opts, Queue(e.Queue))
		}
		if e.MaxRetries > 0 {
			opts = append(opts, MaxRetries(e.MaxRetries))
		}
		if e.ExpireIn > 0 {
			// The option computes the deadline when it runs, which is at
			// dispatch time inside Enqueue, not here at parse time.
			opts = append(opts, ExpireIn(e.ExpireIn))
		}
		task, args := e.Task, e.Args
		entries = append(entries, beat.Entry{
			Name:     e.Name,
			Schedule: sched,
			Dispatch: func(ctx context.Context) error {
				_, err := client.Enqueue(ctx, task, args, opts...)
				return err
			},
		})
	}

	bt := beat.New(rdb, entries, beat.Config{
		Tick:      cfg.Tick,
		LeaseName: cfg.LeaseName,
		LeaseTTL:  cfg.LeaseTTL,
		Logger:    rtLogger{Logger: l},
	})
	return &Scheduler{bt: bt, log: l}, nil
}

// Start launches the tick loop. It is idempotent and non-blocking; the
// instance competes for the lease and dispatches only while holding it.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		if s.log != nil {
			s.log.Warnf("scheduler already started; ignoring Start()")
		}
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.bt.Start()
}

// Stop halts the tick loop and releases the lease if held.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		if s.log != nil {
			s.log.Warnf("scheduler not started; ignoring Stop()")
		}
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	s.bt.Stop()
}
