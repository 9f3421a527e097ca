// Package scheduler drives a resumable harvest: it filters identifiers
// against the progress ledger, runs them in bounded-concurrency batches,
// appends each batch's successes to the sink, advances the ledger and
// pauses between batches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/ledger"
	"github.com/Sternrassler/profile-harvester/pkg/provider"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/Sternrassler/profile-harvester/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrPersistence wraps sink and ledger failures. They end the run; per-item
// fetch failures never do.
var ErrPersistence = errors.New("persistence failure")

// ErrBatchSizeChanged is returned when an ordinal checkpoint counts batches
// of a different size than the run. Resuming would skip or repeat work.
var ErrBatchSizeChanged = errors.New("batch size differs from checkpoint")

// Prometheus metrics for batch orchestration.
var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_batches_total",
		Help: "Total number of batches completed",
	})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_items_total",
		Help: "Total number of identifiers processed by outcome",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_batch_duration_seconds",
		Help:    "Wall time of one batch including persistence",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// Sink receives each batch's successful records.
type Sink interface {
	Append(ctx context.Context, records []record.Record) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	// BatchSize is both the batch length and the concurrency ceiling.
	BatchSize int

	// Delay is the pause between consecutive batches.
	Delay time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize: 50,
		Delay:     2 * time.Second,
	}
}

// Failure describes one identifier that produced no record.
type Failure struct {
	ID       identifier.ID
	Kind     retry.Kind
	Class    retry.Class
	Attempts int
	Err      error
}

// BatchReport is passed to OnBatch after a batch is durably persisted.
type BatchReport struct {
	// Ordinal is the batch index within the full identifier list.
	Ordinal int

	// Index and Count locate the batch within this run (1-based Index).
	Index int
	Count int

	Size      int
	Succeeded int
	Failed    int
	Written   int
	Duration  time.Duration
}

// Summary reports a run.
type Summary struct {
	Total     int
	Skipped   int
	Attempted int
	Succeeded int
	Failed    int
	Written   int
	Batches   int
	Failures  []Failure
	Duration  time.Duration
}

// Scheduler runs harvests. A Scheduler is not safe for concurrent Run calls.
type Scheduler struct {
	provider provider.Provider
	sink     Sink
	ledger   ledger.Ledger
	policy   *retry.Policy
	config   Config
	logger   zerolog.Logger

	// OnBatch, if set, is called from the coordinating goroutine after each batch.
	OnBatch func(BatchReport)

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler. BatchSize below 1 is raised to 1.
func New(cfg Config, p provider.Provider, s Sink, l ledger.Ledger, policy *retry.Policy, logger zerolog.Logger) *Scheduler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &Scheduler{
		provider: p,
		sink:     s,
		ledger:   l,
		policy:   policy,
		config:   cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		sleep:    sleepContext,
	}
}

// Partition splits ids into consecutive batches of at most size, preserving
// order. size below 1 is treated as 1.
func Partition(ids []identifier.ID, size int) [][]identifier.ID {
	if size < 1 {
		size = 1
	}
	batches := make([][]identifier.ID, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end:end])
	}
	return batches
}

// Run harvests ids. It returns the summary so far together with any error:
// a wrapped ErrPersistence for sink or ledger failures, or the context error
// when ctx is cancelled between batches. Writes of a batch that finished
// fetching are always completed before Run returns.
func (s *Scheduler) Run(ctx context.Context, ids []identifier.ID) (Summary, error) {
	start := time.Now()
	summary, err := s.run(ctx, ids)
	summary.Duration = time.Since(start)
	return summary, err
}

func (s *Scheduler) run(ctx context.Context, ids []identifier.ID) (Summary, error) {
	summary := Summary{Total: len(ids)}

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	state, err := s.ledger.Load(ctx)
	if err != nil {
		return summary, fmt.Errorf("%w: load progress: %w", ErrPersistence, err)
	}
	if state.Mode == ledger.ModeOrdinal && state.BatchSize > 0 && state.BatchSize != s.config.BatchSize {
		return summary, fmt.Errorf("%w: checkpoint counts batches of %d, run uses %d",
			ErrBatchSizeChanged, state.BatchSize, s.config.BatchSize)
	}

	pending, firstOrdinal := s.pending(ids, state)
	summary.Skipped = len(ids) - len(pending)
	itemsTotal.WithLabelValues("skipped").Add(float64(summary.Skipped))

	if len(pending) == 0 {
		s.logger.Info().
			Int("total", len(ids)).
			Msg("Nothing to fetch, all identifiers already processed")
		return summary, nil
	}

	batches := Partition(pending, s.config.BatchSize)
	s.logger.Info().
		Str("ledger", string(state.Mode)).
		Int("total", len(ids)).
		Int("done", summary.Skipped).
		Int("pending", len(pending)).
		Int("batches", len(batches)).
		Msg("Starting harvest")

	// Persistence of a fetched batch is not interrupted by cancellation.
	persistCtx := context.WithoutCancel(ctx)

	for i, batch := range batches {
		batchStart := time.Now()
		ordinal := firstOrdinal + i

		s.logger.Info().
			Int("batch", i+1).
			Int("of", len(batches)).
			Int("size", len(batch)).
			Msg("Processing batch")

		records, failures := s.runBatch(ctx, batch)

		written, err := s.sink.Append(persistCtx, records)
		if err != nil {
			s.logger.Error().Err(err).Int("batch", i+1).Msg("Failed to persist batch")
			return summary, fmt.Errorf("%w: append batch %d: %w", ErrPersistence, ordinal, err)
		}
		if err := s.ledger.Advance(persistCtx, ordinal+1); err != nil {
			s.logger.Error().Err(err).Int("batch", i+1).Msg("Failed to advance progress ledger")
			return summary, fmt.Errorf("%w: advance ledger to %d: %w", ErrPersistence, ordinal+1, err)
		}

		summary.Batches++
		summary.Attempted += len(batch)
		summary.Succeeded += len(records)
		summary.Failed += len(failures)
		summary.Written += written
		summary.Failures = append(summary.Failures, failures...)

		elapsed := time.Since(batchStart)
		batchesTotal.Inc()
		batchDuration.Observe(elapsed.Seconds())
		itemsTotal.WithLabelValues("succeeded").Add(float64(len(records)))
		itemsTotal.WithLabelValues("failed").Add(float64(len(failures)))

		s.logger.Info().
			Int("batch", i+1).
			Int("of", len(batches)).
			Int("succeeded", len(records)).
			Int("failed", len(failures)).
			Int("written", written).
			Dur("duration", elapsed).
			Msg("Batch saved")

		if s.OnBatch != nil {
			s.OnBatch(BatchReport{
				Ordinal:   ordinal,
				Index:     i + 1,
				Count:     len(batches),
				Size:      len(batch),
				Succeeded: len(records),
				Failed:    len(failures),
				Written:   written,
				Duration:  elapsed,
			})
		}

		if i == len(batches)-1 {
			break
		}
		if err := ctx.Err(); err != nil {
			s.logger.Warn().Int("completed_batches", summary.Batches).Msg("Harvest interrupted between batches")
			return summary, err
		}
		if err := s.sleep(ctx, s.config.Delay); err != nil {
			s.logger.Warn().Int("completed_batches", summary.Batches).Msg("Harvest interrupted during pacing delay")
			return summary, err
		}
	}

	s.logger.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("batches", summary.Batches).
		Msg("Harvest complete")

	return summary, nil
}

// pending returns the identifiers still to fetch and the ordinal of the
// first batch they form.
func (s *Scheduler) pending(ids []identifier.ID, state ledger.State) ([]identifier.ID, int) {
	if state.Mode == ledger.ModeOrdinal {
		start := state.NextBatch * s.config.BatchSize
		if start >= len(ids) {
			return nil, state.NextBatch
		}
		return ids[start:], state.NextBatch
	}
	if state.Completed == nil {
		return ids, 0
	}
	return state.Completed.Filter(ids), 0
}

type itemResult struct {
	id      identifier.ID
	record  record.Record
	outcome retry.Outcome
}

// runBatch fetches every identifier of batch concurrently and returns the
// successes in batch order plus the failures.
func (s *Scheduler) runBatch(ctx context.Context, batch []identifier.ID) ([]record.Record, []Failure) {
	// Fetches observe only their per-attempt deadlines.
	fetchCtx := context.WithoutCancel(ctx)

	results := make([]itemResult, len(batch))
	var wg sync.WaitGroup
	for i, id := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var rec record.Record
			out := s.policy.Execute(fetchCtx, string(id), func(ctx context.Context) error {
				r, err := s.provider.Fetch(ctx, id)
				if err != nil {
					return err
				}
				rec = r
				return nil
			})
			results[i] = itemResult{id: id, record: rec, outcome: out}
		}()
	}
	wg.Wait()

	records := make([]record.Record, 0, len(batch))
	var failures []Failure
	for _, res := range results {
		if res.outcome.OK() {
			records = append(records, res.record.WithIdentity(string(res.id), provider.ProfileURL(res.id)))
			continue
		}
		s.logger.Warn().
			Str("identifier", string(res.id)).
			Str("outcome", res.outcome.Kind.String()).
			Str("class", string(res.outcome.Class)).
			Int("attempts", res.outcome.Attempts).
			Err(res.outcome.Err).
			Msg("Skipping identifier, no record")
		failures = append(failures, Failure{
			ID:       res.id,
			Kind:     res.outcome.Kind,
			Class:    res.outcome.Class,
			Attempts: res.outcome.Attempts,
			Err:      res.outcome.Err,
		})
	}
	return records, failures
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
