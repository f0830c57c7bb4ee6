// Package table reads and writes the CSV sample table. The first column is
// the row index; the table must carry the study, view, dicom_uuid and
// valid_segmentation columns. Unknown columns are kept so a rewritten table
// only differs in the split column.
package table

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"volprep/internal/models"
)

// Column names the pipeline reads.
const (
	ColStudy             = "study"
	ColView              = "view"
	ColSampleID          = "dicom_uuid"
	ColValidSegmentation = "valid_segmentation"
)

var requiredColumns = []string{ColStudy, ColView, ColSampleID, ColValidSegmentation}

// Table is an in-memory copy of the CSV file.
type Table struct {
	Header []string
	Rows   [][]string

	columns map[string]int
}

// New builds a table from a header and rows, checking the required columns.
func New(header []string, rows [][]string) (*Table, error) {
	t := &Table{Header: header, Rows: rows}
	t.reindex()
	for _, c := range requiredColumns {
		if _, ok := t.columns[c]; !ok {
			return nil, fmt.Errorf("table is missing column %q", c)
		}
	}
	for i, row := range rows {
		if len(row) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", i, len(row), len(header))
		}
	}
	return t, nil
}

// Load reads a CSV table from path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse table %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("table %s is empty", path)
	}
	t, err := New(records[0], records[1:])
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", path, err)
	}
	return t, nil
}

// Save writes the table to path through a temporary file and a rename, so
// readers never observe a partial table.
func (t *Table) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(t.Header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (t *Table) reindex() {
	t.columns = make(map[string]int, len(t.Header))
	for i, name := range t.Header {
		if _, dup := t.columns[name]; !dup {
			t.columns[name] = i
		}
	}
}

// HasColumn reports whether the table has a column called name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Records converts every row. When splitsColumn is present its values fill
// SampleRecord.Split; unknown labels leave the split empty.
func (t *Table) Records(splitsColumn string) ([]models.SampleRecord, error) {
	splitIdx, hasSplit := -1, false
	if splitsColumn != "" {
		splitIdx, hasSplit = t.columns[splitsColumn]
	}

	out := make([]models.SampleRecord, 0, len(t.Rows))
	for i, row := range t.Rows {
		valid, err := parseBool(row[t.columns[ColValidSegmentation]])
		if err != nil {
			return nil, fmt.Errorf("row %d: %s: %w", i, ColValidSegmentation, err)
		}
		rec := models.SampleRecord{
			Index:             row[0],
			Study:             row[t.columns[ColStudy]],
			View:              row[t.columns[ColView]],
			SampleID:          row[t.columns[ColSampleID]],
			ValidSegmentation: valid,
		}
		if hasSplit {
			if s := models.Split(strings.TrimSpace(row[splitIdx])); s.Valid() {
				rec.Split = s
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// SetColumn writes values keyed by the row index (the first column),
// appending the column when it does not exist. Rows without a value get an
// empty cell.
func (t *Table) SetColumn(name string, values map[string]string) {
	idx, ok := t.columns[name]
	if !ok {
		t.Header = append(t.Header, name)
		idx = len(t.Header) - 1
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], "")
		}
		t.reindex()
	}
	for i, row := range t.Rows {
		if v, found := values[row[0]]; found {
			t.Rows[i][idx] = v
		} else if !ok {
			t.Rows[i][idx] = ""
		}
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no", "":
		return false, nil
	}
	return strconv.ParseBool(s)
}
