package sink

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLite stores records in a single profiles table. user_name is UNIQUE, so
// duplicates are refused by the database as well as by the sink.
type SQLite struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	insertSQL string
	selectSQL string
}

// NewSQLite opens or creates the database at path.
func NewSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps the pragmas below in effect for every statement
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLite{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "sink").Str("backend", "sqlite").Logger(),
	}
	if err := s.checkColumns(ctx); err != nil {
		db.Close()
		return nil, err
	}

	cols := quotedColumns()
	s.insertSQL = fmt.Sprintf(
		"INSERT INTO profiles (%s) VALUES (%s) ON CONFLICT(user_name) DO NOTHING",
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
	)
	s.selectSQL = fmt.Sprintf("SELECT %s FROM profiles ORDER BY seq", strings.Join(cols, ", "))

	s.logger.Debug().Str("path", path).Msg("Opened result database")
	return s, nil
}

// Append implements Sink. All rows of one call commit in a single transaction.
func (s *SQLite) Append(ctx context.Context, records []record.Record) (int, error) {
	known, err := s.Identifiers(ctx)
	if err != nil {
		return 0, err
	}
	keep, skipped := dedupe(records, known)
	if skipped > 0 {
		duplicatesSkipped.WithLabelValues(string(BackendSQLite)).Add(float64(skipped))
		s.logger.Warn().Int("skipped", skipped).Msg("Refused records already present in table")
	}
	if len(keep) == 0 {
		return 0, nil
	}

	written, err := s.inTx(ctx, false, keep)
	if err != nil {
		return 0, err
	}
	rowsWritten.WithLabelValues(string(BackendSQLite)).Add(float64(written))
	return written, nil
}

// Overwrite implements Sink by deleting and reinserting inside one transaction.
func (s *SQLite) Overwrite(ctx context.Context, records []record.Record) error {
	keep, _ := dedupe(records, identifier.NewSet())
	written, err := s.inTx(ctx, true, keep)
	if err != nil {
		return err
	}
	rowsWritten.WithLabelValues(string(BackendSQLite)).Add(float64(written))
	return nil
}

// Identifiers implements Sink.
func (s *SQLite) Identifiers(ctx context.Context) (identifier.Set, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_name FROM profiles")
	if err != nil {
		return nil, fmt.Errorf("query identifiers: %w", err)
	}
	defer rows.Close()

	set := identifier.NewSet()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		set.Add(identifier.ID(name))
	}
	return set, rows.Err()
}

// Records implements Sink.
func (s *SQLite) Records(ctx context.Context) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.selectSQL)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		cells := make([]string, record.NumFields)
		dest := make([]any, record.NumFields)
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := record.FromRow(cells)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Sink.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *SQLite) inTx(ctx context.Context, truncate bool, records []record.Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if truncate {
		if _, err := tx.ExecContext(ctx, "DELETE FROM profiles"); err != nil {
			return 0, fmt.Errorf("clear profiles: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, s.insertSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, r := range records {
		row := r.Row()
		args := make([]any, len(row))
		for i, cell := range row {
			args[i] = cell
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", r.UserName(), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			written += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}

// checkColumns verifies an existing profiles table has the record schema.
func (s *SQLite) checkColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info('profiles') ORDER BY cid")
	if err != nil {
		return fmt.Errorf("inspect profiles table: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		if name != "seq" {
			cols = append(cols, name)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !slices.Equal(cols, record.Header()) {
		return fmt.Errorf("%w: %s has %v", ErrSchemaMismatch, s.path, cols)
	}
	return nil
}

func quotedColumns() []string {
	h := record.Header()
	for i, c := range h {
		h[i] = `"` + c + `"`
	}
	return h
}
