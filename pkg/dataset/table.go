// Package dataset reads tabular input, selects the rows to process and
// writes results back next to the original columns.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrColumnNotFound is returned when a named column is not in the header.
var ErrColumnNotFound = errors.New("column not found")

// Table is a CSV file held in memory. Records are padded to the header
// width.
type Table struct {
	Header  []string
	Records [][]string
}

// ReadCSV loads a CSV file with a header line.
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

// Read parses CSV from r. Ragged records are allowed.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("missing header")
	}
	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	body := records[1:]
	for i, rec := range body {
		if len(rec) < len(header) {
			body[i] = append(rec, make([]string, len(header)-len(rec))...)
		}
	}
	return &Table{Header: header, Records: body}, nil
}

// Column returns the position of name in the header.
func (t *Table) Column(name string) (int, error) {
	if i := slices.Index(t.Header, name); i >= 0 {
		return i, nil
	}
	return -1, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
}

// Rows builds one Row per record. Index is the record's position, Text
// comes from inputCol and ID from idCol when set. Every cell is also
// available through Row.Columns.
func (t *Table) Rows(inputCol, idCol string) ([]models.Row, error) {
	in, err := t.Column(inputCol)
	if err != nil {
		return nil, err
	}
	id := -1
	if idCol != "" {
		if id, err = t.Column(idCol); err != nil {
			return nil, err
		}
	}

	rows := make([]models.Row, 0, len(t.Records))
	for i, rec := range t.Records {
		cols := make(map[string]string, len(t.Header))
		for j, h := range t.Header {
			cols[h] = rec[j]
		}
		row := models.Row{Index: i, Text: rec[in], Columns: cols}
		if id >= 0 {
			row.ID = rec[id]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteCSV writes t to path atomically: a temporary file in the same
// directory is renamed over the target.
func WriteCSV(path string, t *Table) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".llmbatch-*.csv")
	if err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if err := Write(tmp, t); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write csv: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// Write encodes t as CSV.
func Write(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Records); err != nil {
		return err
	}
	return cw.Error()
}
