package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/rs/zerolog"
)

// utf8BOM prefixes the file so spreadsheet tools detect the encoding.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSV is a delimited-file sink. The file starts with a UTF-8 BOM and a header
// row matching record.Header.
type CSV struct {
	path   string
	logger zerolog.Logger
	known  identifier.Set
	closed bool
}

// NewCSV opens the table at path. An existing file is scanned for stored
// identifiers; a missing file is created on the first write.
func NewCSV(path string, logger zerolog.Logger) (*CSV, error) {
	s := &CSV{
		path:   path,
		logger: logger.With().Str("component", "sink").Str("backend", "csv").Logger(),
		known:  identifier.NewSet(),
	}

	if err := s.repairTail(); err != nil {
		return nil, err
	}
	rows, err := s.readRows()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		s.known.Add(identifier.ID(row.UserName()))
	}

	s.logger.Debug().
		Str("path", path).
		Int("rows", s.known.Len()).
		Msg("Opened result table")

	return s, nil
}

// Path returns the table location.
func (s *CSV) Path() string {
	return s.path
}

// Append implements Sink.
func (s *CSV) Append(ctx context.Context, records []record.Record) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	keep, skipped := dedupe(records, s.known)
	if skipped > 0 {
		duplicatesSkipped.WithLabelValues(string(BackendCSV)).Add(float64(skipped))
		s.logger.Warn().Int("skipped", skipped).Msg("Refused records already present in table")
	}

	if err := s.ensureHeader(); err != nil {
		return 0, err
	}
	if len(keep) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open table for append: %w", err)
	}
	defer f.Close()

	if err := writeRows(f, keep); err != nil {
		return 0, fmt.Errorf("append rows: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync table: %w", err)
	}

	for _, r := range keep {
		s.known.Add(identifier.ID(r.UserName()))
	}
	rowsWritten.WithLabelValues(string(BackendCSV)).Add(float64(len(keep)))

	return len(keep), nil
}

// Overwrite implements Sink. The new table is written to a temporary file in
// the same directory, synced, then renamed over the old one.
func (s *CSV) Overwrite(ctx context.Context, records []record.Record) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	keep, _ := dedupe(records, identifier.NewSet())

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create table directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeTable(tmp, keep); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp table: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace table: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	s.known = identifier.NewSet()
	for _, r := range keep {
		s.known.Add(identifier.ID(r.UserName()))
	}
	rowsWritten.WithLabelValues(string(BackendCSV)).Add(float64(len(keep)))

	return nil
}

// Identifiers implements Sink.
func (s *CSV) Identifiers(ctx context.Context) (identifier.Set, error) {
	out := make(identifier.Set, s.known.Len())
	for id := range s.known {
		out.Add(id)
	}
	return out, ctx.Err()
}

// Records implements Sink by re-reading the file.
func (s *CSV) Records(ctx context.Context) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readRows()
}

// Close implements Sink. Every write is already synced, so Close only marks
// the sink unusable.
func (s *CSV) Close() error {
	s.closed = true
	return nil
}

// ensureHeader creates the file with BOM and header when it is missing or empty.
func (s *CSV) ensureHeader() error {
	if fi, err := os.Stat(s.path); err == nil && fi.Size() > 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create table directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if err := writeTable(f, nil); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync header: %w", err)
	}
	return f.Close()
}

// repairTail makes the table end on a terminated row so the next append
// starts a fresh line. A final row without a line terminator is completed
// when it has the full width and cut off otherwise. A quoted field left open
// at end of file is cut off as well.
func (s *CSV) repairTail() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open table: %w", err)
	}

	body := bytes.TrimPrefix(data, utf8BOM)
	bom := int64(len(data) - len(body))
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1

	var end int64 // just past the last terminated row
	for rows := 0; ; rows++ {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		off := r.InputOffset()

		var pe *csv.ParseError
		if errors.As(err, &pe) {
			if rows > 0 && errors.Is(pe.Err, csv.ErrQuote) && off == int64(len(body)) {
				return s.cutTail(bom+end, len(body)-int(end))
			}
			return nil // readRows reports it
		}
		if err != nil {
			return fmt.Errorf("scan table: %w", err)
		}

		if off > 0 && body[off-1] == '\n' {
			end = off
			continue
		}
		if len(row) == record.NumFields {
			return s.terminateTail()
		}
		if rows == 0 {
			return nil
		}
		return s.cutTail(bom+end, len(body)-int(end))
	}
}

func (s *CSV) cutTail(size int64, dropped int) error {
	f, err := os.OpenFile(s.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open table for repair: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate table: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync table: %w", err)
	}
	s.logger.Warn().
		Str("path", s.path).
		Int("bytes", dropped).
		Msg("Discarded incomplete trailing row")
	return nil
}

func (s *CSV) terminateTail() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open table for repair: %w", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("terminate last row: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync table: %w", err)
	}
	s.logger.Warn().Str("path", s.path).Msg("Terminated last row missing a line break")
	return nil
}

// readRows parses the whole table, validating the header. A missing or empty
// file yields no rows.
func (s *CSV) readRows() ([]record.Record, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(skipBOM(f))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read table header: %w", err)
	}
	if !slices.Equal(header, record.Header()) {
		return nil, fmt.Errorf("%w: %s has %v", ErrSchemaMismatch, s.path, header)
	}

	var out []record.Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read table row: %w", err)
		}
		rec, err := record.FromRow(row)
		if err != nil {
			s.logger.Warn().Err(err).Int("cells", len(row)).Msg("Skipping malformed row")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func writeTable(w io.Writer, records []record.Record) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(record.Header()); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return writeRows(w, records)
}

func writeRows(w io.Writer, records []record.Record) error {
	bw := bufio.NewWriterSize(w, 1<<16)
	cw := csv.NewWriter(bw)
	for _, r := range records {
		if err := cw.Write(r.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// skipBOM drops a leading UTF-8 BOM if present.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open table directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync table directory: %w", err)
	}
	return nil
}
