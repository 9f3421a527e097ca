// Package provider fetches one profile record per handle from a remote
// source. Every implementation is safe for concurrent use and reports
// failures as *retry.Error so the retry policy can classify them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ProfileBaseURL is the public profile location used to fill the url field.
const ProfileBaseURL = "https://twitter.com"

// ErrUnsupportedProvider is returned by New for an unknown kind.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Prometheus metrics for remote fetches.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_provider_requests_total",
		Help: "Total remote profile requests by provider and status",
	}, []string{"provider", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_provider_request_duration_seconds",
		Help:    "Remote profile request duration in seconds by provider",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider"})
)

// Provider fetches the record for one identifier.
type Provider interface {
	Fetch(ctx context.Context, id identifier.ID) (record.Record, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, id identifier.ID) (record.Record, error)

// Fetch implements Provider.
func (f Func) Fetch(ctx context.Context, id identifier.ID) (record.Record, error) {
	return f(ctx, id)
}

// ProfileURL returns the public profile URL of id.
func ProfileURL(id identifier.ID) string {
	return ProfileBaseURL + "/" + string(id)
}

// Kind names a provider implementation.
type Kind string

const (
	KindHTTP Kind = "http"
	KindPage Kind = "page"
	KindMock Kind = "mock"
)

// Config holds the settings shared by the remote providers.
type Config struct {
	// BaseURL is prefixed to the identifier to form the request URL.
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// RequestsPerSecond paces requests across all workers. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the token bucket size when pacing is enabled.
	Burst int
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8080/profiles",
		UserAgent:         "profile-harvester/1.0",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 0,
		Burst:             1,
	}
}

// New builds the provider named by kind. tracker may be nil.
func New(kind Kind, cfg Config, tracker *ratelimit.Tracker, logger zerolog.Logger) (Provider, error) {
	switch kind {
	case KindHTTP, "":
		return NewHTTP(cfg, tracker, logger), nil
	case KindPage:
		return NewPage(cfg, tracker, logger), nil
	case KindMock:
		return NewMock(MockConfig{}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, kind)
	}
}
