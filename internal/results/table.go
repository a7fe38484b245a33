// Package results holds the per-configuration image quality metrics derived
// from a ray tracing analysis and their on-disk tabular representation.
package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// ErrUnknownColumn is returned when a query names a column that is not part
// of the results table.
var ErrUnknownColumn = errors.New("unknown column")

// Column names, matching the reference results table.
const (
	ColOffAxis = "off_axis"
	ColD80Cm   = "d80_cm"
	ColD80Deg  = "d80_deg"
	ColEffArea = "eff_area"
	ColEffFlen = "eff_flen"
	ColMirror  = "mirror_no"
)

// Row is the set of metrics derived for one configuration.
type Row struct {
	OffAxisDeg float64
	D80Cm      float64
	D80Deg     float64
	EffAreaCm2 float64

	// EffFlenCm is NaN for the on-axis configuration, where the effective
	// focal length is undefined.
	EffFlenCm float64

	// MirrorNumber is set only in single-mirror mode.
	MirrorNumber int
}

// Table is an ordered collection of result rows. Row order is the
// configuration matrix iteration order and is preserved across write/read
// round trips.
type Table struct {
	singleMirror bool
	rows         []Row
}

// NewTable creates an empty table. With singleMirror set, the mirror number
// column is part of the schema.
func NewTable(singleMirror bool) *Table {
	return &Table{singleMirror: singleMirror}
}

// Append adds a row at the end of the table.
func (t *Table) Append(r Row) {
	t.rows = append(t.rows, r)
}

// Rows returns the rows in insertion order.
func (t *Table) Rows() []Row {
	return t.rows
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// SingleMirror reports whether the table carries a mirror number column.
func (t *Table) SingleMirror() bool {
	return t.singleMirror
}

// Columns returns the column names in schema order.
func (t *Table) Columns() []string {
	cols := []string{ColOffAxis, ColD80Cm, ColD80Deg, ColEffArea, ColEffFlen}
	if t.singleMirror {
		cols = append(cols, ColMirror)
	}
	return cols
}

// Column returns the values of a named column.
func (t *Table) Column(name string) ([]float64, error) {
	values := make([]float64, len(t.rows))
	for i, r := range t.rows {
		switch name {
		case ColOffAxis:
			values[i] = r.OffAxisDeg
		case ColD80Cm:
			values[i] = r.D80Cm
		case ColD80Deg:
			values[i] = r.D80Deg
		case ColEffArea:
			values[i] = r.EffAreaCm2
		case ColEffFlen:
			values[i] = r.EffFlenCm
		case ColMirror:
			if !t.singleMirror {
				return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
			}
			values[i] = float64(r.MirrorNumber)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
		}
	}
	return values, nil
}

// Mean returns the mean of a named column.
func (t *Table) Mean(name string) (float64, error) {
	values, err := t.Column(name)
	if err != nil {
		return 0, err
	}
	return stat.Mean(values, nil), nil
}

// StdDev returns the population standard deviation of a named column.
func (t *Table) StdDev(name string) (float64, error) {
	values, err := t.Column(name)
	if err != nil {
		return 0, err
	}
	return stat.PopStdDev(values, nil), nil
}

// Write persists the table as CSV at path, overwriting any existing file.
// Floats are written in shortest exact form so a read back reproduces the
// values bit for bit.
func (t *Table) Write(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating results file: %w", err)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing results file: %w", cErr)
		}
	}()

	w := csv.NewWriter(f)
	if err = w.Write(t.Columns()); err != nil {
		return fmt.Errorf("writing results header: %w", err)
	}

	for _, r := range t.rows {
		record := []string{
			formatFloat(r.OffAxisDeg),
			formatFloat(r.D80Cm),
			formatFloat(r.D80Deg),
			formatFloat(r.EffAreaCm2),
			formatFloat(r.EffFlenCm),
		}
		if t.singleMirror {
			record = append(record, strconv.Itoa(r.MirrorNumber))
		}
		if err = w.Write(record); err != nil {
			return fmt.Errorf("writing results row: %w", err)
		}
	}

	w.Flush()
	if err = w.Error(); err != nil {
		return fmt.Errorf("flushing results file: %w", err)
	}
	return nil
}

// Read loads a table previously persisted with Write.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening results file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading results file: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("results file %s is empty", path)
	}

	header := records[0]
	singleMirror := len(header) > 0 && header[len(header)-1] == ColMirror

	t := NewTable(singleMirror)
	want := len(t.Columns())

	for i, record := range records[1:] {
		if len(record) != want {
			return nil, fmt.Errorf("results row %d: expected %d fields, got %d", i+1, want, len(record))
		}

		var r Row
		if r.OffAxisDeg, err = strconv.ParseFloat(record[0], 64); err != nil {
			return nil, fmt.Errorf("results row %d: %w", i+1, err)
		}
		if r.D80Cm, err = strconv.ParseFloat(record[1], 64); err != nil {
			return nil, fmt.Errorf("results row %d: %w", i+1, err)
		}
		if r.D80Deg, err = strconv.ParseFloat(record[2], 64); err != nil {
			return nil, fmt.Errorf("results row %d: %w", i+1, err)
		}
		if r.EffAreaCm2, err = strconv.ParseFloat(record[3], 64); err != nil {
			return nil, fmt.Errorf("results row %d: %w", i+1, err)
		}
		if r.EffFlenCm, err = strconv.ParseFloat(record[4], 64); err != nil {
			return nil, fmt.Errorf("results row %d: %w", i+1, err)
		}
		if singleMirror {
			if r.MirrorNumber, err = strconv.Atoi(record[5]); err != nil {
				return nil, fmt.Errorf("results row %d: %w", i+1, err)
			}
		}
		t.Append(r)
	}

	return t, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
