// Package input loads the identifiers to harvest from a tabular file.
package input

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned for a file extension that is neither CSV nor XLSX.
	ErrUnsupportedFormat = errors.New("unsupported input format")

	// ErrColumnNotFound is returned when the header lacks the identifier column.
	ErrColumnNotFound = errors.New("identifier column not found")

	// ErrNoIdentifiers is returned when the file yields no usable identifiers.
	ErrNoIdentifiers = errors.New("no identifiers in input")
)

// Format is a supported input file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DefaultColumn is the header of the identifier column when none is configured.
const DefaultColumn = "user_name"

// FormatOf maps a file name to its format by extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Load reads identifiers from the named column of the file at path.
func Load(path, column string) ([]identifier.ID, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	ids, err := Read(f, format, column)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ids, nil
}

// Read parses r as format and returns the normalized identifiers of column,
// deduplicated in first-seen order.
func Read(r io.Reader, format Format, column string) ([]identifier.ID, error) {
	if column == "" {
		column = DefaultColumn
	}

	var (
		rows [][]string
		err  error
	)
	switch format {
	case FormatCSV:
		rows, err = readCSV(r)
	case FormatXLSX:
		rows, err = readXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %q (empty file)", ErrColumnNotFound, column)
	}
	col := -1
	for i, h := range rows[0] {
		if strings.TrimSpace(h) == column {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}

	raw := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if col < len(row) {
			raw = append(raw, row[col])
		}
	}

	ids := identifier.NormalizeAll(raw)
	if len(ids) == 0 {
		return nil, ErrNoIdentifiers
	}
	return ids, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	bom := []byte{0xEF, 0xBB, 0xBF}
	if head, err := br.Peek(len(bom)); err == nil && bytes.Equal(head, bom) {
		_, _ = br.Discard(len(bom))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return rows, nil
}

// readXLSX returns the rows of the first sheet.
func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}
