package tabular

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Table is an ordered collection of rows sharing a schema.
//
// Tables are not safe for concurrent use. All operations except
// AddOrUpdateRecords return a new Table and leave the receiver unchanged.
type Table struct {
	schema  *Schema
	columns []string
	rows    []Row
}

// New returns an empty table whose columns are the schema's fields.
func New(schema *Schema) *Table {
	return &Table{
		schema:  schema,
		columns: schema.FieldNames(),
		rows:    []Row{},
	}
}

// FromRecords builds an unvalidated table. Columns are the schema's fields
// followed by any other record keys in first-seen order.
func FromRecords(schema *Schema, records []Record) *Table {
	t := New(schema)
	seen := make(map[string]bool, len(t.columns))
	for _, c := range t.columns {
		seen[c] = true
	}
	for _, rec := range records {
		// Sorted so that extra columns do not depend on map iteration order.
		for _, k := range slices.Sorted(maps.Keys(rec)) {
			if !seen[k] {
				seen[k] = true
				t.columns = append(t.columns, k)
			}
		}
		t.rows = append(t.rows, cloneRow(Row(rec)))
	}
	return t
}

// Schema returns the table's schema.
func (t *Table) Schema() *Schema {
	return t.schema
}

// Keys returns the key columns.
func (t *Table) Keys() []string {
	return slices.Clone(t.schema.Keys)
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	return slices.Clone(t.columns)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Rows returns copies of all rows.
func (t *Table) Rows() []Row {
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = cloneRow(r)
	}
	return out
}

// Row returns a copy of the i-th row.
func (t *Table) Row(i int) Row {
	return cloneRow(t.rows[i])
}

// Column returns the values of one column, nil for absent cells.
func (t *Table) Column(name string) []any {
	out := make([]any, len(t.rows))
	for i, r := range t.rows {
		out[i] = cloneValue(r[name])
	}
	return out
}

// Filter returns the rows for which keep returns true.
func (t *Table) Filter(keep func(Row) bool) *Table {
	out := t.derive(nil)
	for _, r := range t.rows {
		if keep(r) {
			out.rows = append(out.rows, cloneRow(r))
		}
	}
	return out
}

// Validate re-runs schema validation on every row and checks key uniqueness.
// It returns a new table; every invalid field of every row is reported.
func (t *Table) Validate() (*Table, error) {
	out := &Table{schema: t.schema, columns: t.schema.FieldNames(), rows: make([]Row, 0, len(t.rows))}
	if t.schema.FreeForm() {
		out.columns = slices.Clone(t.columns)
	}
	var errs []FieldError
	for i, r := range t.rows {
		row, fieldErrs := t.schema.validateRecord(Record(r), i)
		if len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}
		out.rows = append(out.rows, row)
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Table: t.schema.Name, Errors: errs}
	}
	if err := out.checkUnique(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Table) checkUnique() error {
	keys := t.schema.Keys
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(t.rows))
	var dups []Row
	for _, r := range t.rows {
		k := keyOf(r, keys)
		if seen[k] {
			dups = append(dups, cloneRow(r))
			continue
		}
		seen[k] = true
	}
	if len(dups) > 0 {
		return &DuplicateKeyError{
			Table:   t.schema.Name,
			Keys:    slices.Clone(keys),
			Columns: slices.Clone(t.columns),
			Rows:    dups,
		}
	}
	return nil
}

// Diff returns the rows of t whose values across columns do not appear as a
// combination in other. Columns default to t's key columns.
//
// Only the given columns are compared: a row present in both tables with the
// same key but different other values is not part of the difference.
func (t *Table) Diff(other *Table, columns ...string) (*Table, error) {
	if len(columns) == 0 {
		columns = t.schema.Keys
	}
	if len(columns) == 0 {
		return nil, ErrNoKeyColumns
	}
	if err := t.requireColumns(columns, "self"); err != nil {
		return nil, err
	}
	if err := other.requireColumns(columns, "other"); err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(other.rows))
	for _, r := range other.rows {
		present[keyOf(r, columns)] = true
	}
	out := t.derive(nil)
	for _, r := range t.rows {
		if !present[keyOf(r, columns)] {
			out.rows = append(out.rows, cloneRow(r))
		}
	}
	return out, nil
}

// AddOrUpdateRecords upserts records by key tuple, in place.
//
// For each record, every non-key column present in the record overwrites the
// matching row; a record with a new key tuple is appended, with null for the
// columns it lacks. Keys not among the table's columns are ignored. When
// validate is true all records are validated first and nothing is applied if
// any of them fails.
func (t *Table) AddOrUpdateRecords(records []Record, validate bool) error {
	keys := t.schema.Keys
	if len(keys) == 0 {
		return ErrNoKeyColumns
	}
	if err := t.requireColumns(keys, "self"); err != nil {
		return err
	}

	prepared := make([]Row, 0, len(records))
	var errs []FieldError
	for i, rec := range records {
		if !validate {
			prepared = append(prepared, cloneRow(Row(rec)))
			continue
		}
		row, fieldErrs := t.schema.validateRecord(rec, i)
		if len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}
		prepared = append(prepared, row)
	}
	if len(errs) > 0 {
		return &ValidationError{Table: t.schema.Name, Errors: errs}
	}
	for i, row := range prepared {
		var missing []string
		for _, k := range keys {
			if _, ok := row[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return &ColumnMismatchError{Columns: slices.Clone(keys), Missing: missing, Operand: fmt.Sprintf("record %d", i)}
		}
	}

	index := make(map[string][]int, len(t.rows))
	for i, r := range t.rows {
		k := keyOf(r, keys)
		index[k] = append(index[k], i)
	}
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	for _, rec := range prepared {
		k := keyOf(rec, keys)
		if matches, ok := index[k]; ok {
			for _, i := range matches {
				for _, col := range t.columns {
					if isKey[col] {
						continue
					}
					if v, ok := rec[col]; ok {
						t.rows[i][col] = cloneValue(v)
					}
				}
			}
			continue
		}
		row := make(Row, len(t.columns))
		for _, col := range t.columns {
			row[col] = cloneValue(rec[col])
		}
		index[k] = []int{len(t.rows)}
		t.rows = append(t.rows, row)
	}
	return nil
}

// Concatenate returns the rows of t followed by the rows of other. Columns
// are t's followed by other's extra columns. When validate is true the result
// is validated, which fails if the union duplicates a key.
func (t *Table) Concatenate(other *Table, validate bool) (*Table, error) {
	out := t.derive(nil)
	have := make(map[string]bool, len(out.columns))
	for _, c := range out.columns {
		have[c] = true
	}
	for _, c := range other.columns {
		if !have[c] {
			have[c] = true
			out.columns = append(out.columns, c)
		}
	}
	out.rows = make([]Row, 0, len(t.rows)+len(other.rows))
	for _, r := range t.rows {
		out.rows = append(out.rows, cloneRow(r))
	}
	for _, r := range other.rows {
		out.rows = append(out.rows, cloneRow(r))
	}
	if validate {
		return out.Validate()
	}
	return out, nil
}

// Equals reports whether both tables have the same set of columns and the
// same multiset of rows, ignoring row and column order.
func (t *Table) Equals(other *Table) bool {
	if other == nil || len(t.columns) != len(other.columns) || len(t.rows) != len(other.rows) {
		return false
	}
	cols := slices.Sorted(slices.Values(t.columns))
	if !slices.Equal(cols, slices.Sorted(slices.Values(other.columns))) {
		return false
	}
	counts := make(map[string]int, len(t.rows))
	for _, r := range t.rows {
		counts[keyOf(r, cols)]++
	}
	for _, r := range other.rows {
		k := keyOf(r, cols)
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}

// SortValues returns the rows stably sorted by columns. Columns default to
// the key columns, or to every column when there are no key columns.
func (t *Table) SortValues(columns ...string) (*Table, error) {
	if len(columns) == 0 {
		columns = t.schema.Keys
	}
	if len(columns) == 0 {
		columns = t.columns
	}
	if err := t.requireColumns(columns, "self"); err != nil {
		return nil, err
	}
	out := t.derive(t.Rows())
	slices.SortStableFunc(out.rows, func(a, b Row) int {
		for _, c := range columns {
			if r := compareValues(a[c], b[c]); r != 0 {
				return r
			}
		}
		return 0
	})
	return out, nil
}

// derive returns a table with t's schema and columns and the given rows.
func (t *Table) derive(rows []Row) *Table {
	if rows == nil {
		rows = []Row{}
	}
	return &Table{schema: t.schema, columns: slices.Clone(t.columns), rows: rows}
}

func (t *Table) requireColumns(columns []string, operand string) error {
	var missing []string
	for _, c := range columns {
		if !slices.Contains(t.columns, c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &ColumnMismatchError{Columns: slices.Clone(columns), Missing: missing, Operand: operand}
	}
	return nil
}

// keyOf joins the canonical text of the given cells. Null and empty text
// share a representation, as they do once written to CSV.
func keyOf(r Row, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = FormatValue(r[c])
	}
	return strings.Join(parts, "\x1f")
}

func cloneRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}
