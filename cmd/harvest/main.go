// Command harvest fetches profile records for a list of handles into a
// result table, resuming where a previous run stopped.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/cache"
	"github.com/Sternrassler/profile-harvester/pkg/input"
	"github.com/Sternrassler/profile-harvester/pkg/ledger"
	"github.com/Sternrassler/profile-harvester/pkg/logging"
	"github.com/Sternrassler/profile-harvester/pkg/metrics"
	"github.com/Sternrassler/profile-harvester/pkg/provider"
	"github.com/Sternrassler/profile-harvester/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvester/pkg/retry"
	"github.com/Sternrassler/profile-harvester/pkg/scheduler"
	"github.com/Sternrassler/profile-harvester/pkg/sink"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Exit codes. exitInput also covers configuration that fails pre-flight
// checks, such as an unreachable Redis or a checkpoint from another batch size.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInput       = 2
	exitPersistence = 3
	exitInterrupted = 130
)

var errInput = errors.New("input error")

func main() {
	// .env is optional; variables already set win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	stop()
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "harvest",
		Short:         "harvest fetches profile records into a resumable result table.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cfg := loadConfig()
	cmd := &cobra.Command{
		Use:   "run --input <file> [flags]",
		Short: "Fetches every identifier not yet in the result table.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("%w: %w", errInput, err)
			}
			_, err := runHarvest(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return err
		},
	}
	cfg.bindFlags(cmd)
	return cmd
}

// runHarvest wires the components named by cfg and runs one harvest.
func runHarvest(ctx context.Context, cfg config, stdout, stderr io.Writer) (scheduler.Summary, error) {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.Setup(logging.Config{Level: level, Pretty: cfg.LogPretty, Output: stderr})

	ids, err := input.Load(cfg.Input, cfg.Column)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("%w: %w", errInput, err)
	}
	logger.Info().Str("input", cfg.Input).Int("identifiers", len(ids)).Msg("Loaded input")

	if cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, logging.NewLogger("metrics")); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg)
		if err != nil {
			return scheduler.Summary{}, err
		}
		defer redisClient.Close()
	}

	out, err := sink.Open(ctx, sink.Backend(cfg.Sink), cfg.Output, logging.NewLogger("sink"))
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("%w: open result table: %w", scheduler.ErrPersistence, err)
	}
	defer out.Close()

	progress, err := ledger.New(cfg.ledgerConfig(), out, logging.NewLogger("ledger"))
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("%w: %w", errInput, err)
	}

	if cfg.Fresh {
		if err := out.Overwrite(ctx, nil); err != nil {
			return scheduler.Summary{}, fmt.Errorf("%w: clear result table: %w", scheduler.ErrPersistence, err)
		}
		if err := progress.Reset(ctx); err != nil {
			return scheduler.Summary{}, fmt.Errorf("%w: reset progress: %w", scheduler.ErrPersistence, err)
		}
		logger.Info().Msg("Starting fresh, previous results discarded")
	}

	fetcher, err := buildProvider(cfg, redisClient)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("%w: %w", errInput, err)
	}

	policy := retry.NewPolicy(cfg.retryConfig(), logging.NewLogger("retry"))
	s := scheduler.New(cfg.schedulerConfig(), fetcher, out, progress, policy, logging.NewLogger("scheduler"))
	s.OnBatch = func(r scheduler.BatchReport) {
		fmt.Fprintf(stdout, "batch %d/%d: %d saved, %d failed (%s)\n",
			r.Index, r.Count, r.Written, r.Failed, r.Duration.Round(time.Millisecond))
	}

	summary, err := s.Run(ctx, ids)
	printSummary(stdout, summary)
	return summary, err
}

func connectRedis(ctx context.Context, cfg config) (*redis.Client, error) {
	opts, err := cfg.redisOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInput, err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: connect to Redis at %s: %w", errInput, opts.Addr, err)
	}
	return client, nil
}

// buildProvider returns the configured provider. With Redis available the
// remote providers share rate-limit state and cache their records.
func buildProvider(cfg config, redisClient *redis.Client) (provider.Provider, error) {
	kind := provider.Kind(cfg.Provider)

	var tracker *ratelimit.Tracker
	if redisClient != nil && kind != provider.KindMock {
		tracker = ratelimit.NewTracker(redisClient, ratelimit.DefaultConfig(), logging.NewLogger("ratelimit"))
	}

	p, err := provider.New(kind, cfg.providerConfig(), tracker, logging.NewLogger("provider"))
	if err != nil {
		return nil, err
	}

	if redisClient != nil && cfg.CacheTTL > 0 && kind != provider.KindMock {
		p = provider.NewCached(p, cache.NewManager(redisClient), string(kind), cfg.CacheTTL, logging.NewLogger("provider"))
	}
	return p, nil
}

func printSummary(w io.Writer, s scheduler.Summary) {
	fmt.Fprintf(w, "done: %d identifiers, %d already saved, %d fetched, %d failed in %d batches (%s)\n",
		s.Total, s.Skipped, s.Succeeded, s.Failed, s.Batches, s.Duration.Round(time.Millisecond))
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  failed %s: %s (%s after %d attempts)\n", f.ID, f.Class, f.Kind, f.Attempts)
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, errInput), errors.Is(err, scheduler.ErrBatchSizeChanged):
		return exitInput
	case errors.Is(err, scheduler.ErrPersistence):
		return exitPersistence
	default:
		return exitFailure
	}
}
