// Package config loads process configuration for the relayq binaries from
// environment variables (RELAYQ_ prefix) and an optional YAML file. The
// file is the natural home of the beat schedule table; everything else is
// usually supplied through the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all settings shared by the relayq process types.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	API      APIConfig      `mapstructure:"api"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Beat     BeatConfig     `mapstructure:"beat"`
	LogLevel string         `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// RedisConfig names the broker (and default record store) endpoint.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// PostgresConfig is optional: when URL is set, execution records live in
// the relational store instead of Redis.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// APIConfig configures the HTTP facade process.
type APIConfig struct {
	Port int `mapstructure:"port" validate:"gt=0,lt=65536"`
}

// WorkerConfig configures the worker pool process.
type WorkerConfig struct {
	// Queues maps queue name to consumption weight.
	Queues      map[string]int `mapstructure:"queues" validate:"required,min=1"`
	Concurrency int            `mapstructure:"concurrency" validate:"gt=0"`
	// Visibility must exceed the worst-case task runtime; it is a
	// deployment-time trade-off, deliberately not defaulted to anything
	// clever.
	Visibility    time.Duration `mapstructure:"visibility" validate:"gt=0"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ResultTTL     time.Duration `mapstructure:"result_ttl"`
	DeadRetention time.Duration `mapstructure:"dead_retention"`
}

// BeatConfig configures the scheduler process.
type BeatConfig struct {
	Tick      time.Duration   `mapstructure:"tick"`
	LeaseName string          `mapstructure:"lease_name"`
	LeaseTTL  time.Duration   `mapstructure:"lease_ttl"`
	Entries   []ScheduleEntry `mapstructure:"entries" validate:"dive"`
}

// ScheduleEntry is one line of the configured schedule table.
type ScheduleEntry struct {
	Name       string         `mapstructure:"name" validate:"required"`
	Task       string         `mapstructure:"task" validate:"required"`
	Spec       string         `mapstructure:"spec" validate:"required"`
	Queue      string         `mapstructure:"queue"`
	Args       map[string]any `mapstructure:"args"`
	MaxRetries int            `mapstructure:"max_retries" validate:"gte=0"`
	ExpireIn   time.Duration  `mapstructure:"expire_in" validate:"gte=0"`
	Disabled   bool           `mapstructure:"disabled"`
}

// Load reads configuration from the environment and, when RELAYQ_CONFIG
// points at a file (or relayq.yaml exists in the working directory), from
// that file. Environment variables win over file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("api.port", 8080)
	v.SetDefault("worker.queues", map[string]int{"default": 1})
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.visibility", "30s")
	v.SetDefault("worker.result_ttl", "1h")
	v.SetDefault("beat.tick", "1s")
	v.SetDefault("beat.lease_name", "beat")
	v.SetDefault("beat.lease_ttl", "15s")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("RELAYQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("relayq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("config: read relayq.yaml: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}
