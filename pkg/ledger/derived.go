package ledger

import (
	"context"
	"fmt"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/rs/zerolog"
)

// IdentifierSource reports the identifiers already persisted.
// sink.Sink satisfies it.
type IdentifierSource interface {
	Identifiers(ctx context.Context) (identifier.Set, error)
}

// Derived reads progress from the result table.
type Derived struct {
	source IdentifierSource
	logger zerolog.Logger
	next   int
}

// NewDerived creates a ledger backed by source.
func NewDerived(source IdentifierSource, logger zerolog.Logger) *Derived {
	return &Derived{
		source: source,
		logger: logger.With().Str("component", "ledger").Str("mode", string(ModeDerived)).Logger(),
	}
}

// Load implements Ledger.
func (d *Derived) Load(ctx context.Context) (State, error) {
	done, err := d.source.Identifiers(ctx)
	if err != nil {
		return State{}, fmt.Errorf("read completed identifiers: %w", err)
	}
	d.logger.Debug().Int("completed", done.Len()).Msg("Loaded progress from result table")
	return State{Mode: ModeDerived, Completed: done}, nil
}

// Advance implements Ledger. The sink append already made the batch durable,
// so only the ordinal is kept for reporting.
func (d *Derived) Advance(_ context.Context, next int) error {
	d.next = next
	return nil
}

// Reset implements Ledger. Derived progress lives in the table, so clearing
// the table is the caller's job.
func (d *Derived) Reset(context.Context) error {
	d.next = 0
	return nil
}

// Mode implements Ledger.
func (d *Derived) Mode() Mode { return ModeDerived }

// Next returns the last ordinal passed to Advance.
func (d *Derived) Next() int { return d.next }
