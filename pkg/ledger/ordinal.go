package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Ordinal persists the index of the next unprocessed batch in a text file,
// followed by the batch size it counts in: "<next> <size>". A bare "<next>"
// is read with an unknown size.
type Ordinal struct {
	path      string
	batchSize int
	logger    zerolog.Logger
}

// NewOrdinal creates a checkpoint-file ledger at path. batchSize is written
// with every checkpoint; 0 writes the bare ordinal.
func NewOrdinal(path string, batchSize int, logger zerolog.Logger) *Ordinal {
	return &Ordinal{
		path:      path,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "ledger").Str("mode", string(ModeOrdinal)).Logger(),
	}
}

// Load implements Ledger. A missing, empty or unreadable checkpoint means
// start from batch 0; it is logged, never returned as an error.
func (o *Ordinal) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	state := State{Mode: ModeOrdinal}

	data, err := os.ReadFile(o.path)
	if errors.Is(err, os.ErrNotExist) {
		o.logger.Debug().Str("path", o.path).Msg("No checkpoint, starting from first batch")
		return state, nil
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("path", o.path).Msg("Cannot read checkpoint, starting from first batch")
		return state, nil
	}

	text := strings.TrimSpace(string(data))
	next, size, ok := parseCheckpoint(text)
	if !ok {
		o.logger.Warn().Str("path", o.path).Str("content", text).Msg("Invalid checkpoint, starting from first batch")
		return state, nil
	}

	state.NextBatch = next
	state.BatchSize = size
	o.logger.Debug().Int("next_batch", next).Int("batch_size", size).Msg("Loaded checkpoint")
	return state, nil
}

func parseCheckpoint(text string) (next, size int, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, 0, false
	}
	next, err := strconv.Atoi(fields[0])
	if err != nil || next < 0 {
		return 0, 0, false
	}
	if len(fields) == 2 {
		size, err = strconv.Atoi(fields[1])
		if err != nil || size <= 0 {
			return 0, 0, false
		}
	}
	return next, size, true
}

// Advance implements Ledger. The file is replaced atomically.
func (o *Ordinal) Advance(ctx context.Context, next int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if next < 0 {
		return fmt.Errorf("invalid batch ordinal %d", next)
	}

	dir := filepath.Dir(o.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(o.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	line := strconv.Itoa(next)
	if o.batchSize > 0 {
		line += " " + strconv.Itoa(o.batchSize)
	}
	if _, err := tmp.WriteString(line + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, o.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Reset implements Ledger by removing the checkpoint file.
func (o *Ordinal) Reset(context.Context) error {
	if err := os.Remove(o.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// Mode implements Ledger.
func (o *Ordinal) Mode() Mode { return ModeOrdinal }

// Path returns the checkpoint file location.
func (o *Ordinal) Path() string { return o.path }
