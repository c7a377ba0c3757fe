// Package model defines the tabular subject records shared by the assigner,
// the scorer, and the connectors.
package model

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// Record is a single subject row keyed by column name.
type Record map[string]string

// Table is an ordered, column-named record set. Cells are kept as strings
// exactly as they were read from the source; typed access goes through
// Floats and Normalize.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Record `json:"rows"`
}

var nullTokens = map[string]bool{
	"":      true,
	"na":    true,
	"nan":   true,
	"null":  true,
	"none":  true,
	"<nil>": true,
}

// IsNull reports whether a cell holds no value.
func IsNull(v string) bool {
	return nullTokens[strings.ToLower(strings.TrimSpace(v))]
}

// Normalize coerces a categorical cell to its canonical label: trimmed and
// NFC-normalized so visually identical labels land in the same block.
func Normalize(v string) string {
	return norm.NFC.String(strings.TrimSpace(v))
}

// NullLabel is the single category every null spelling collapses to when a
// cell is used as a block key or contingency label.
const NullLabel = "<null>"

// Label is Normalize for categorical features: null cells of any spelling
// map to NullLabel.
func Label(v string) string {
	if IsNull(v) {
		return NullLabel
	}
	return Normalize(v)
}

// NewTable creates an empty table with the given columns.
func NewTable(columns ...string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// HasColumn reports whether the table declares the column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// MissingColumns returns the subset of names the table does not declare,
// in the order given.
func (t *Table) MissingColumns(names ...string) []string {
	var missing []string
	for _, n := range names {
		if !t.HasColumn(n) {
			missing = append(missing, n)
		}
	}
	return missing
}

// AddColumn declares a new column. Existing rows read it as null.
func (t *Table) AddColumn(name string) {
	if !t.HasColumn(name) {
		t.Columns = append(t.Columns, name)
	}
}

// Append adds a row. Keys not declared as columns are kept on the record but
// ignored by writers.
func (t *Table) Append(r Record) {
	t.Rows = append(t.Rows, r)
}

// Get returns the cell at row i, column col.
func (t *Table) Get(i int, col string) string {
	return t.Rows[i][col]
}

// Set writes the cell at row i, column col.
func (t *Table) Set(i int, col, v string) {
	if t.Rows[i] == nil {
		t.Rows[i] = Record{}
	}
	t.Rows[i][col] = v
}

// Column returns a copy of every cell in a column, in row order.
func (t *Table) Column(name string) []string {
	out := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[name]
	}
	return out
}

// Floats parses a continuous column. Null cells become NaN; any other
// unparseable cell is an error.
func (t *Table) Floats(name string) ([]float64, error) {
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		v := r[name]
		if IsNull(v) {
			out[i] = math.NaN()
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "model: column %q row %d: parse %q as number", name, i, v)
		}
		out[i] = f
	}
	return out, nil
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{
		Columns: make([]string, len(t.Columns)),
		Rows:    make([]Record, len(t.Rows)),
	}
	copy(c.Columns, t.Columns)
	for i, r := range t.Rows {
		c.Rows[i] = r.Clone()
	}
	return c
}

// Select returns a deep copy holding only the rows for which keep is true.
// Row order is preserved.
func (t *Table) Select(keep func(Record) bool) *Table {
	c := NewTable(t.Columns...)
	for _, r := range t.Rows {
		if keep(r) {
			c.Rows = append(c.Rows, r.Clone())
		}
	}
	return c
}

// Index maps each non-null value of col to its first row position.
func (t *Table) Index(col string) map[string]int {
	idx := make(map[string]int, len(t.Rows))
	for i, r := range t.Rows {
		v := r[col]
		if IsNull(v) {
			continue
		}
		if _, ok := idx[v]; !ok {
			idx[v] = i
		}
	}
	return idx
}

// Values returns the row as a slice ordered by the table's columns.
func (t *Table) Values(i int) []string {
	out := make([]string, len(t.Columns))
	for j, c := range t.Columns {
		out[j] = t.Rows[i][c]
	}
	return out
}

// Clone returns a copy of the record.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// FromRows builds a table from a header row and data rows. Short rows are
// padded with nulls; extra cells beyond the header are dropped.
func FromRows(header []string, rows [][]string) (*Table, error) {
	if len(header) == 0 {
		return nil, eris.New("model: empty header")
	}
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		if h == "" {
			return nil, eris.New("model: empty column name in header")
		}
		if seen[h] {
			return nil, eris.Errorf("model: duplicate column %q", h)
		}
		seen[h] = true
	}

	t := NewTable(header...)
	for _, row := range rows {
		r := make(Record, len(header))
		for j, h := range header {
			if j < len(row) {
				r[h] = row[j]
			} else {
				r[h] = ""
			}
		}
		t.Rows = append(t.Rows, r)
	}
	return t, nil
}
