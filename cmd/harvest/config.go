package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/input"
	"github.com/Sternrassler/profile-harvester/pkg/ledger"
	"github.com/Sternrassler/profile-harvester/pkg/logging"
	"github.com/Sternrassler/profile-harvester/pkg/provider"
	"github.com/Sternrassler/profile-harvester/pkg/retry"
	"github.com/Sternrassler/profile-harvester/pkg/scheduler"
	"github.com/Sternrassler/profile-harvester/pkg/sink"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var errInvalidConfig = errors.New("invalid configuration")

// config is the process configuration. Defaults come from the environment
// and are overridden by flags.
type config struct {
	Input  string
	Column string

	BatchSize      int
	Delay          time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration

	Output     string
	Sink       string
	Ledger     string
	Checkpoint string

	Provider  string
	BaseURL   string
	UserAgent string
	RPS       float64

	RedisURL string
	CacheTTL time.Duration

	MetricsAddr string
	LogLevel    string
	LogPretty   bool

	Fresh bool
}

// loadConfig reads defaults from the environment.
func loadConfig() config {
	sched := scheduler.DefaultConfig()
	rcfg := retry.DefaultConfig()
	pcfg := provider.DefaultConfig()
	lcfg := ledger.DefaultConfig()

	return config{
		Input:          getEnv("HARVEST_INPUT", ""),
		Column:         getEnv("HARVEST_COLUMN", input.DefaultColumn),
		BatchSize:      getEnvInt("HARVEST_BATCH_SIZE", sched.BatchSize),
		Delay:          getEnvDuration("HARVEST_DELAY", sched.Delay),
		MaxAttempts:    getEnvInt("HARVEST_MAX_ATTEMPTS", rcfg.MaxAttempts),
		AttemptTimeout: getEnvDuration("HARVEST_ATTEMPT_TIMEOUT", rcfg.AttemptTimeout),
		Output:         getEnv("HARVEST_OUTPUT", "all_profiles.csv"),
		Sink:           getEnv("HARVEST_SINK", string(sink.BackendCSV)),
		Ledger:         getEnv("HARVEST_LEDGER", string(lcfg.Mode)),
		Checkpoint:     getEnv("HARVEST_CHECKPOINT", lcfg.CheckpointPath),
		Provider:       getEnv("HARVEST_PROVIDER", string(provider.KindHTTP)),
		BaseURL:        getEnv("HARVEST_BASE_URL", pcfg.BaseURL),
		UserAgent:      getEnv("USER_AGENT", pcfg.UserAgent),
		RPS:            getEnvFloat("HARVEST_RPS", pcfg.RequestsPerSecond),
		RedisURL:       getEnv("REDIS_URL", ""),
		CacheTTL:       getEnvDuration("HARVEST_CACHE_TTL", 24*time.Hour),
		MetricsAddr:    getEnv("HARVEST_METRICS_ADDR", ""),
		LogLevel:       getEnv("LOG_LEVEL", string(logging.LevelInfo)),
		LogPretty:      getEnvBool("LOG_PRETTY", false),
	}
}

func (c *config) bindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&c.Input, "input", "i", c.Input, "input table (.csv or .xlsx) with one identifier per row")
	f.StringVar(&c.Column, "column", c.Column, "name of the identifier column")
	f.IntVarP(&c.BatchSize, "batch-size", "b", c.BatchSize, "identifiers per batch, also the concurrency ceiling")
	f.DurationVar(&c.Delay, "delay", c.Delay, "pause between batches")
	f.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "fetch attempts per identifier including the first")
	f.DurationVar(&c.AttemptTimeout, "attempt-timeout", c.AttemptTimeout, "deadline of a single fetch attempt (0 disables)")
	f.StringVarP(&c.Output, "output", "o", c.Output, "result table path")
	f.StringVar(&c.Sink, "sink", c.Sink, "result table backend: csv or sqlite")
	f.StringVar(&c.Ledger, "ledger", c.Ledger, "progress ledger: derived or ordinal")
	f.StringVar(&c.Checkpoint, "checkpoint", c.Checkpoint, "checkpoint file for the ordinal ledger")
	f.StringVar(&c.Provider, "provider", c.Provider, "fetch provider: http, page or mock")
	f.StringVar(&c.BaseURL, "base-url", c.BaseURL, "profile endpoint prefix; the identifier is appended")
	f.StringVar(&c.UserAgent, "user-agent", c.UserAgent, "User-Agent header for remote providers")
	f.Float64Var(&c.RPS, "rps", c.RPS, "request rate ceiling across all workers (0 disables pacing)")
	f.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis address or URL for the profile cache and shared rate-limit state")
	f.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "profile cache lifetime (0 disables the cache)")
	f.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	f.BoolVar(&c.LogPretty, "log-pretty", c.LogPretty, "human-readable log output")
	f.BoolVar(&c.Fresh, "fresh", c.Fresh, "discard previous results and progress before starting")
}

func (c config) validate() error {
	var problems []string
	if strings.TrimSpace(c.Input) == "" {
		problems = append(problems, "--input is required")
	}
	if c.BatchSize < 1 {
		problems = append(problems, "--batch-size must be at least 1")
	}
	if c.MaxAttempts < 1 {
		problems = append(problems, "--max-attempts must be at least 1")
	}
	if c.Delay < 0 {
		problems = append(problems, "--delay must not be negative")
	}
	if c.RPS < 0 {
		problems = append(problems, "--rps must not be negative")
	}
	if c.Output == "" {
		problems = append(problems, "--output is required")
	}
	switch sink.Backend(c.Sink) {
	case sink.BackendCSV, sink.BackendSQLite:
	default:
		problems = append(problems, fmt.Sprintf("unknown --sink %q", c.Sink))
	}
	switch ledger.Mode(c.Ledger) {
	case ledger.ModeDerived, ledger.ModeOrdinal:
	default:
		problems = append(problems, fmt.Sprintf("unknown --ledger %q", c.Ledger))
	}
	switch provider.Kind(c.Provider) {
	case provider.KindHTTP, provider.KindPage, provider.KindMock:
	default:
		problems = append(problems, fmt.Sprintf("unknown --provider %q", c.Provider))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c config) schedulerConfig() scheduler.Config {
	return scheduler.Config{BatchSize: c.BatchSize, Delay: c.Delay}
}

func (c config) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.MaxAttempts
	cfg.AttemptTimeout = c.AttemptTimeout
	return cfg
}

func (c config) providerConfig() provider.Config {
	cfg := provider.DefaultConfig()
	cfg.BaseURL = c.BaseURL
	cfg.UserAgent = c.UserAgent
	cfg.RequestsPerSecond = c.RPS
	if c.AttemptTimeout > 0 {
		cfg.Timeout = c.AttemptTimeout
	}
	return cfg
}

func (c config) ledgerConfig() ledger.Config {
	return ledger.Config{Mode: ledger.Mode(c.Ledger), CheckpointPath: c.Checkpoint, BatchSize: c.BatchSize}
}

// redisOptions accepts a redis:// URL or a bare host:port.
func (c config) redisOptions() (*redis.Options, error) {
	if strings.Contains(c.RedisURL, "://") {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: --redis-url: %w", errInvalidConfig, err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.RedisURL}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}
