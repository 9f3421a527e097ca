// Package ratelimit tracks the remote source's request quota and gates
// fetches on it. It reads the x-rate-limit-remaining and x-rate-limit-reset
// response headers and shares the state through Redis so that concurrent
// workers and separate processes back off together.
package ratelimit

import (
	"time"
)

// Redis key suffixes for rate limit state storage. Keys are prefixed with
// Config.KeyPrefix.
const (
	keyRemaining  = "remaining"
	keyResetAt    = "reset_at"
	keyLastUpdate = "last_update"
)

// Config holds thresholds and timing for request gating.
type Config struct {
	// KeyPrefix namespaces the Redis keys.
	KeyPrefix string

	// CriticalThreshold blocks requests until reset when remaining falls below it.
	CriticalThreshold int

	// WarningThreshold throttles requests when remaining falls below it.
	WarningThreshold int

	// HealthyThreshold marks the state healthy at or above it.
	HealthyThreshold int

	// ThrottleDelay is the pause applied in the warning range.
	ThrottleDelay time.Duration

	// MaxWait caps a single block-until-reset pause.
	MaxWait time.Duration
}

// DefaultConfig returns the default gating configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "harvest:rate_limit",
		CriticalThreshold: 2,
		WarningThreshold:  10,
		HealthyThreshold:  50,
		ThrottleDelay:     1 * time.Second,
		MaxWait:           15 * time.Minute,
	}
}

// State represents the remote quota as last reported.
type State struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= HealthyThreshold.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsBlock returns true if requests should wait for the window to reset.
// A window that has already reset never blocks.
func (s *State) NeedsBlock(cfg Config) bool {
	return s.Remaining < cfg.CriticalThreshold && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling(cfg Config) bool {
	return s.Remaining < cfg.WarningThreshold && s.Remaining >= cfg.CriticalThreshold
}

// TimeUntilReset returns the duration until the window resets, or 0 if it
// already passed.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *State) UpdateHealth(cfg Config) {
	s.IsHealthy = s.Remaining >= cfg.HealthyThreshold
}
