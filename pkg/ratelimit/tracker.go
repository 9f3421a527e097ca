package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Response headers carrying the remote quota.
const (
	HeaderRemaining = "x-rate-limit-remaining"
	HeaderReset     = "x-rate-limit-reset"
)

// epochCutoff separates a reset given as seconds-from-now from one given as
// a Unix timestamp.
const epochCutoff = 1_000_000_000

// Prometheus metrics for rate limit tracking.
var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_rate_limit_remaining",
		Help: "Requests remaining in the current remote rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_rate_limit_blocks_total",
		Help: "Total number of fetches held until the rate limit window reset",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_rate_limit_throttles_total",
		Help: "Total number of fetches throttled in the warning range",
	})
)

// Tracker monitors the remote quota and gates requests.
type Tracker struct {
	redis  *redis.Client
	config Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		config: cfg,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		sleep:  sleepContext,
	}
}

func (t *Tracker) key(suffix string) string {
	return t.config.KeyPrefix + ":" + suffix
}

// GetState retrieves the current rate limit state from Redis.
// Returns a healthy default when nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	vals, err := t.redis.MGet(ctx, t.key(keyRemaining), t.key(keyResetAt), t.key(keyLastUpdate)).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if vals[0] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		state := &State{
			Remaining:  t.config.HealthyThreshold,
			ResetAt:    time.Now(),
			LastUpdate: time.Now(),
		}
		state.UpdateHealth(t.config)
		return state, nil
	}

	remaining, err := parseInt(vals[0])
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	resetUnix, err := parseInt(vals[1])
	if err != nil {
		return nil, fmt.Errorf("parse reset timestamp: %w", err)
	}
	var lastUpdate time.Time
	if s, ok := vals[2].(string); ok {
		if lastUpdate, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &State{
		Remaining:  int(remaining),
		ResetAt:    time.Unix(resetUnix, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth(t.config)
	return state, nil
}

// UpdateFromHeaders parses the quota headers of a response and stores them.
// Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	now := time.Now()
	resetAt := time.Unix(reset, 0)
	if reset < epochCutoff {
		resetAt = now.Add(time.Duration(reset) * time.Second)
	}

	state := &State{
		Remaining:  remain,
		ResetAt:    resetAt,
		LastUpdate: now,
	}
	state.UpdateHealth(t.config)

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, t.key(keyRemaining), remain, 0)
	pipe.Set(ctx, t.key(keyResetAt), resetAt.Unix(), 0)
	pipe.Set(ctx, t.key(keyLastUpdate), now.Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	quotaRemaining.Set(float64(remain))

	switch {
	case state.NeedsBlock(t.config):
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", resetAt).
			Msg("Rate limit CRITICAL - fetches will wait for reset")
	case state.NeedsThrottling(t.config):
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", resetAt).
			Msg("Rate limit WARNING - fetches will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", resetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

// Wait blocks until a request may be sent. In the critical range it sleeps
// until the window resets (capped by MaxWait); in the warning range it
// sleeps ThrottleDelay. It returns early with the context error.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsBlock(t.config) {
		wait := state.TimeUntilReset()
		if t.config.MaxWait > 0 && wait > t.config.MaxWait {
			wait = t.config.MaxWait
		}
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("Rate limit critical - holding fetch until reset")
		rateLimitBlocksTotal.Inc()
		return t.sleep(ctx, wait)
	}

	if state.NeedsThrottling(t.config) {
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Rate limit warning - throttling fetch")
		rateLimitThrottlesTotal.Inc()
		return t.sleep(ctx, t.config.ThrottleDelay)
	}

	return nil
}

func parseInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("missing value")
	}
	return strconv.ParseInt(s, 10, 64)
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
