package ratelimit

import (
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *State
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &State{LastUpdate: time.Now()},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &State{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
		{
			name:     "just under max age",
			state:    &State{LastUpdate: time.Now().Add(-4 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsStale(tt.maxAge); got != tt.expected {
				t.Errorf("IsStale() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_Gating(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name           string
		remaining      int
		resetIn        time.Duration
		expectBlock    bool
		expectThrottle bool
		expectHealthy  bool
	}{
		{"healthy", 100, time.Minute, false, false, true},
		{"at healthy threshold", cfg.HealthyThreshold, time.Minute, false, false, true},
		{"between warning and healthy", 20, time.Minute, false, false, false},
		{"warning", 5, time.Minute, false, true, false},
		{"at critical threshold", cfg.CriticalThreshold, time.Minute, false, true, false},
		{"critical", 0, time.Minute, true, false, false},
		{"critical but window already reset", 0, -time.Second, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &State{Remaining: tt.remaining, ResetAt: time.Now().Add(tt.resetIn)}
			s.UpdateHealth(cfg)

			if got := s.NeedsBlock(cfg); got != tt.expectBlock {
				t.Errorf("NeedsBlock() = %v, want %v (remaining=%d)", got, tt.expectBlock, tt.remaining)
			}
			if got := s.NeedsThrottling(cfg); got != tt.expectThrottle {
				t.Errorf("NeedsThrottling() = %v, want %v (remaining=%d)", got, tt.expectThrottle, tt.remaining)
			}
			if s.IsHealthy != tt.expectHealthy {
				t.Errorf("IsHealthy = %v, want %v", s.IsHealthy, tt.expectHealthy)
			}
		})
	}
}

func TestState_TimeUntilReset(t *testing.T) {
	past := &State{ResetAt: time.Now().Add(-time.Minute)}
	if got := past.TimeUntilReset(); got != 0 {
		t.Errorf("TimeUntilReset() for past reset = %v, want 0", got)
	}

	future := &State{ResetAt: time.Now().Add(30 * time.Second)}
	got := future.TimeUntilReset()
	if got <= 25*time.Second || got > 30*time.Second {
		t.Errorf("TimeUntilReset() = %v, want about 30s", got)
	}
}
