// Package sink persists profile records into a durable table with the fixed
// record schema. Writes are append-only and durable before they return.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ErrSchemaMismatch is returned when an existing table has a different header.
	ErrSchemaMismatch = errors.New("existing table header does not match record schema")

	// ErrUnsupportedBackend is returned by Open for an unknown backend name.
	ErrUnsupportedBackend = errors.New("unsupported sink backend")

	// ErrClosed is returned when writing to a closed sink.
	ErrClosed = errors.New("sink closed")
)

var (
	rowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_sink_rows_written_total",
		Help: "Total number of rows durably written by backend",
	}, []string{"backend"})

	duplicatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_sink_duplicates_skipped_total",
		Help: "Total number of records refused because their user_name was already stored",
	}, []string{"backend"})
)

// Sink is an append-only durable result table.
type Sink interface {
	// Append writes records after any existing rows. Records whose user_name
	// is already stored are skipped. It returns the number of rows written.
	Append(ctx context.Context, records []record.Record) (int, error)

	// Overwrite replaces every data row with records in one atomic write.
	Overwrite(ctx context.Context, records []record.Record) error

	// Identifiers returns the user_name values currently stored.
	Identifiers(ctx context.Context) (identifier.Set, error)

	// Records returns every stored row in write order.
	Records(ctx context.Context) ([]record.Record, error)

	Close() error
}

// Backend names a sink implementation.
type Backend string

const (
	BackendCSV    Backend = "csv"
	BackendSQLite Backend = "sqlite"
)

// Open creates the sink for backend at path.
func Open(ctx context.Context, backend Backend, path string, logger zerolog.Logger) (Sink, error) {
	switch backend {
	case BackendCSV, "":
		return NewCSV(path, logger)
	case BackendSQLite:
		return NewSQLite(ctx, path, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}
}

// dedupe drops records whose user_name is in known or repeated within
// records, preserving order.
func dedupe(records []record.Record, known identifier.Set) (keep []record.Record, skipped int) {
	seen := identifier.NewSet()
	keep = make([]record.Record, 0, len(records))
	for _, r := range records {
		id := identifier.ID(r.UserName())
		if known.Has(id) || seen.Has(id) {
			skipped++
			continue
		}
		seen.Add(id)
		keep = append(keep, r)
	}
	return keep, skipped
}
