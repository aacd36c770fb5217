// relayq-beat evaluates the configured schedule table and dispatches due
// entries onto the broker. Any number of instances may run; a Redis lease
// keeps a single dispatcher active.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relayq/relayq-go"
	"github.com/relayq/relayq-go/internal/config"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if len(cfg.Beat.Entries) == 0 {
		log.Fatal().Msg("no schedule entries configured")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	entries := make([]relayq.ScheduleEntry, 0, len(cfg.Beat.Entries))
	for _, e := range cfg.Beat.Entries {
		entries = append(entries, relayq.ScheduleEntry{
			Name:       e.Name,
			Task:       e.Task,
			Spec:       e.Spec,
			Args:       e.Args,
			Queue:      e.Queue,
			MaxRetries: e.MaxRetries,
			ExpireIn:   e.ExpireIn,
			Disabled:   e.Disabled,
		})
	}

	sched, err := relayq.NewScheduler(rdb, relayq.SchedulerConfig{
		Entries:   entries,
		Tick:      cfg.Beat.Tick,
		LeaseName: cfg.Beat.LeaseName,
		LeaseTTL:  cfg.Beat.LeaseTTL,
		Logger:    relayq.NewZerologLogger(log.Logger),
	}, relayq.NewClient(rdb))
	if err != nil {
		log.Fatal().Err(err).Msg("build scheduler")
	}

	sched.Start()
	log.Info().Int("entries", len(entries)).Msg("beat started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	sched.Stop()
}
