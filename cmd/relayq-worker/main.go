// relayq-worker runs a worker pool consuming the configured queues. Task
// handlers are registered here; the built-in set mirrors the demo tasks
// the api binary enqueues.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	wcfg := relayq.WorkerConfig{
		Queues:         cfg.Worker.Queues,
		Concurrency:    cfg.Worker.Concurrency,
		Visibility:     cfg.Worker.Visibility,
		DefaultTimeout: cfg.Worker.Timeout,
		ResultTTL:      cfg.Worker.ResultTTL,
		DeadRetention:  cfg.Worker.DeadRetention,
		Logger:         relayq.NewZerologLogger(log.Logger),
	}

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pool.Close()
		store := relayq.NewPostgresStore(pool)
		if err := store.InitSchema(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("init postgres schema")
		}
		wcfg.Records = store
		log.Info().Msg("execution records backed by postgres")
	}

	reg := relayq.NewRegistry()
	registerTasks(reg)

	w := relayq.NewWorker(rdb, wcfg, reg)
	w.Start()
	log.Info().Int("concurrency", wcfg.Concurrency).Msg("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	w.Stop()
}

func registerTasks(reg *relayq.Registry) {
	reg.Register("emails.send", func(ctx context.Context, args []byte) ([]byte, error) {
		var recipients []string
		if len(args) > 0 {
			if err := json.Unmarshal(args, &recipients); err != nil {
				return nil, fmt.Errorf("decode recipients: %w", err)
			}
		}
		meta, _ := relayq.MetaFrom(ctx)
		log.Info().Str("id", meta.ID).Strs("to", recipients).Msg("sending email")
		return json.Marshal(map[string]any{"sent": len(recipients)})
	}, relayq.WithTimeout(30*time.Second))

	reg.Register("reports.generate", func(ctx context.Context, args []byte) ([]byte, error) {
		meta, _ := relayq.MetaFrom(ctx)
		log.Info().Str("id", meta.ID).Msg("generating report")
		return json.Marshal(map[string]string{"status": "generated", "at": time.Now().UTC().Format(time.RFC3339)})
	}, relayq.WithTimeout(5*time.Minute))

	reg.Register("maintenance.cleanup", func(ctx context.Context, args []byte) ([]byte, error) {
		log.Info().Msg("running cleanup")
		return nil, nil
	})
}
