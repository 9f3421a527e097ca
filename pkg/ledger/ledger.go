// Package ledger tracks which work a harvest has durably completed, so a
// restarted run resumes instead of starting over.
//
// Two forms exist and a run uses exactly one of them:
//
//   - Derived: the completed set is read back from the result table's
//     user_name column. The sink write is itself the durable marker.
//   - Ordinal: a small checkpoint file holds the index of the next batch.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/rs/zerolog"
)

// Mode names a ledger form.
type Mode string

const (
	ModeDerived Mode = "derived"
	ModeOrdinal Mode = "ordinal"
)

// ErrUnsupportedMode is returned by New for an unknown mode.
var ErrUnsupportedMode = errors.New("unsupported ledger mode")

// State is the resume point returned by Load. Completed is set for the
// derived form, NextBatch for the ordinal form.
type State struct {
	Mode      Mode
	Completed identifier.Set
	NextBatch int

	// BatchSize is the batch size an ordinal checkpoint was written with,
	// 0 when the checkpoint does not record it.
	BatchSize int
}

// Ledger is a durable record of completed work.
type Ledger interface {
	// Load returns the current resume point.
	Load(ctx context.Context) (State, error)

	// Advance records that every batch before next is durably complete.
	Advance(ctx context.Context, next int) error

	// Reset forgets all progress held by the ledger itself.
	Reset(ctx context.Context) error

	Mode() Mode
}

// Config selects and configures a ledger.
type Config struct {
	Mode Mode

	// CheckpointPath is the ordinal checkpoint file.
	CheckpointPath string

	// BatchSize is stored next to the ordinal so a resume can detect a
	// changed batch size.
	BatchSize int
}

// DefaultConfig returns the derived ledger with the conventional checkpoint path.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeDerived,
		CheckpointPath: "checkpoint.txt",
	}
}

// New builds the ledger named by cfg. The derived form reads from s.
func New(cfg Config, s IdentifierSource, logger zerolog.Logger) (Ledger, error) {
	switch cfg.Mode {
	case ModeDerived, "":
		return NewDerived(s, logger), nil
	case ModeOrdinal:
		return NewOrdinal(cfg.CheckpointPath, cfg.BatchSize, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, cfg.Mode)
	}
}
