// Package metrics exposes the harvester's Prometheus metrics over HTTP.
// Metrics are defined in their owning packages (scheduler, retry, sink,
// provider, cache, ratelimit) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer every harvester metric lives in.
var Registry = prometheus.DefaultRegisterer

// Handler returns a mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	}
}

// Metrics Documentation
//
// Scheduler (pkg/scheduler):
//   - harvest_batches_total (Counter): Batches completed and persisted
//   - harvest_items_total{outcome} (Counter): Identifiers by outcome (succeeded, failed, skipped)
//   - harvest_batch_duration_seconds (Histogram): Batch wall time including persistence
//
// Retry (pkg/retry):
//   - harvest_retries_total{class} (Counter): Retry attempts by failure class
//   - harvest_retry_backoff_seconds{class} (Histogram): Backoff duration by failure class
//   - harvest_retry_exhausted_total{class} (Counter): Identifiers that exhausted all attempts
//
// Sink (pkg/sink):
//   - harvest_sink_rows_written_total{backend} (Counter): Rows durably written
//   - harvest_sink_duplicates_skipped_total{backend} (Counter): Rows refused as duplicates
//
// Provider (pkg/provider):
//   - harvest_provider_requests_total{provider, status} (Counter): Remote requests by HTTP status
//   - harvest_provider_request_duration_seconds{provider} (Histogram): Remote request latency
//
// Cache (pkg/cache):
//   - harvest_cache_lookups_total{result} (Counter): Lookups by hit, miss or expired
//   - harvest_cache_written_bytes_total (Counter): Bytes written to the cache
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit (pkg/ratelimit):
//   - harvest_rate_limit_remaining (Gauge): Remote quota remaining in the current window
//   - harvest_rate_limit_blocks_total (Counter): Waits until quota reset
//   - harvest_rate_limit_throttles_total (Counter): Throttle delays applied
//
// Example Prometheus Queries:
//
//   # Failure ratio
//   sum(rate(harvest_items_total{outcome="failed"}[5m])) /
//   sum(rate(harvest_items_total{outcome!="skipped"}[5m]))
//
//   # Retries by class
//   sum by (class) (rate(harvest_retries_total[5m]))
//
//   # P95 batch duration
//   histogram_quantile(0.95, rate(harvest_batch_duration_seconds_bucket[15m]))
