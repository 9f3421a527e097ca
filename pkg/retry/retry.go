// Package retry wraps a single flaky fetch with a bounded number of attempts,
// jittered exponential backoff and failure classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts by failure class",
	}, []string{"class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by failure class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by failure class",
	}, []string{"class"})
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the pause before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the pause between attempts.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the fraction by which each pause is randomized (0.2 = ±20%).
	Jitter float64

	// AttemptTimeout bounds a single attempt. Zero disables the per-attempt deadline.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		AttemptTimeout:    30 * time.Second,
	}
}

// ConfigForClass returns the backoff schedule to use after a failure of the given class.
func ConfigForClass(base Config, class Class) Config {
	cfg := base
	switch class {
	case ClassRateLimit:
		// rate limits - longer backoff
		cfg.InitialBackoff = base.InitialBackoff * 5
		cfg.MaxBackoff = base.MaxBackoff * 2
	case ClassNetwork, ClassTimeout:
		cfg.InitialBackoff = base.InitialBackoff * 2
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return cfg
}

// Kind is the final disposition of an Execute call.
type Kind int

const (
	// Success means an attempt returned no error.
	Success Kind = iota

	// Terminal means an attempt failed with a non-retryable class.
	Terminal

	// Exhausted means every attempt failed with a retryable class.
	Exhausted

	// Cancelled means the caller's context ended during backoff.
	Cancelled
)

// String returns the outcome label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Terminal:
		return "terminal"
	case Exhausted:
		return "exhausted"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of Execute. It is never returned as an error.
type Outcome struct {
	Kind     Kind
	Attempts int
	Class    Class
	Err      error
}

// OK reports whether the operation succeeded.
func (o Outcome) OK() bool {
	return o.Kind == Success
}

// Policy runs operations under a retry configuration. It is safe for
// concurrent use.
type Policy struct {
	config Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a retry policy. MaxAttempts below 1 is raised to 1.
func NewPolicy(cfg Config, logger zerolog.Logger) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return &Policy{
		config: cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.config
}

// Execute invokes op up to MaxAttempts times. Each attempt receives its own
// context bounded by AttemptTimeout. key identifies the work item in logs.
func (p *Policy) Execute(ctx context.Context, key string, op func(ctx context.Context) error) Outcome {
	var (
		lastErr   error
		lastClass Class
		backoff   time.Duration
	)

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		err := p.attempt(ctx, op)
		if err == nil {
			if attempt > 1 {
				p.logger.Info().
					Str("key", key).
					Str("class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			return Outcome{Kind: Success, Attempts: attempt}
		}

		class := Classify(err)
		lastErr, lastClass = err, class

		if !class.Retryable() {
			p.logger.Debug().
				Str("key", key).
				Str("class", string(class)).
				Int("attempt", attempt).
				Err(err).
				Msg("Terminal failure, not retrying")
			return Outcome{Kind: Terminal, Attempts: attempt, Class: class, Err: err}
		}

		// If this was the last attempt, don't wait
		if attempt >= p.config.MaxAttempts {
			break
		}

		cfg := ConfigForClass(p.config, class)
		if backoff == 0 || backoff < cfg.InitialBackoff {
			backoff = cfg.InitialBackoff
		}

		retriesTotal.WithLabelValues(string(class)).Inc()

		wait := p.jitter(backoff)
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

		p.logger.Debug().
			Str("key", key).
			Str("class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("Retrying fetch after backoff")

		if err := p.sleep(ctx, wait); err != nil {
			p.logger.Warn().
				Str("key", key).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return Outcome{
				Kind:     Cancelled,
				Attempts: attempt,
				Class:    class,
				Err:      fmt.Errorf("%w: %v", ErrContextCancelled, err),
			}
		}

		// Calculate next backoff (exponential)
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	p.logger.Debug().
		Str("key", key).
		Str("class", string(lastClass)).
		Int("max_attempts", p.config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return Outcome{
		Kind:     Exhausted,
		Attempts: p.config.MaxAttempts,
		Class:    lastClass,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.config.MaxAttempts, lastErr),
	}
}

func (p *Policy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.config.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout)
	defer cancel()

	err := op(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return NewError(ClassTimeout, "attempt deadline exceeded", err)
		}
	}
	return err
}

// jitter randomizes d within ±Jitter to avoid synchronized retries.
func (p *Policy) jitter(d time.Duration) time.Duration {
	if p.config.Jitter <= 0 {
		return d
	}
	f := 1 - p.config.Jitter + rand.Float64()*2*p.config.Jitter
	return time.Duration(float64(d) * f)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
