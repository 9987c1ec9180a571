// Error kinds returned by schema validation and table operations.

package tabular

import (
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/nipoppy/nipoppy/internal/errors"
)

// ErrAlreadyExists is returned when creating a snapshot at a path that is
// already populated.
var ErrAlreadyExists = apperrors.New(apperrors.ErrAlreadyExists, "already exists")

// ErrNoKeyColumns is returned by operations that need row identity on a table
// whose schema declares no key columns.
var ErrNoKeyColumns = errors.New("table has no key columns")

// FieldError describes one invalid field of one record.
type FieldError struct {
	// Row is the 0-based position of the record in its batch.
	Row    int
	Field  string
	Value  any
	Reason string
}

func (e FieldError) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "row %d", e.Row)
	if e.Field != "" {
		fmt.Fprintf(&b, ", field %q", e.Field)
	}
	if e.Value != nil {
		fmt.Fprintf(&b, " (value %q)", FormatValue(e.Value))
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// ValidationError lists every field that failed validation in a batch.
type ValidationError struct {
	Table  string
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "error when validating the %s: %d invalid field(s)", tableName(e.Table), len(e.Errors))
	for _, fe := range e.Errors {
		b.WriteString("\n  ")
		b.WriteString(fe.String())
	}
	return b.String()
}

// Code implements apperrors.Coded.
func (e *ValidationError) Code() apperrors.ErrorCode {
	return apperrors.ErrValidationFailed
}

// Details implements apperrors.Coded.
func (e *ValidationError) Details() map[string]any {
	return map[string]any{"table": e.Table, "errors": len(e.Errors)}
}

// DuplicateKeyError is returned when key columns do not uniquely identify
// the rows of a table.
type DuplicateKeyError struct {
	Table   string
	Keys    []string
	Columns []string
	// Rows holds every occurrence after the first of each duplicated key.
	Rows []Row
}

func (e *DuplicateKeyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "duplicate records found in %s: columns %v must uniquely identify a record; got duplicates:", tableName(e.Table), e.Keys)
	for _, row := range e.Rows {
		b.WriteString("\n  ")
		b.WriteString(formatRow(e.Columns, row))
	}
	return b.String()
}

// Code implements apperrors.Coded.
func (e *DuplicateKeyError) Code() apperrors.ErrorCode {
	return apperrors.ErrDuplicateKey
}

// Details implements apperrors.Coded.
func (e *DuplicateKeyError) Details() map[string]any {
	return map[string]any{"table": e.Table, "keys": e.Keys, "duplicates": len(e.Rows)}
}

// ColumnMismatchError is returned when an operation references columns that
// are absent from one of its operands.
type ColumnMismatchError struct {
	Columns []string
	Missing []string
	// Operand names the table lacking the columns ("self", "other", or a record).
	Operand string
}

func (e *ColumnMismatchError) Error() string {
	return fmt.Sprintf("the columns %v are not present in %s (missing %v)", e.Columns, e.Operand, e.Missing)
}

// Code implements apperrors.Coded.
func (e *ColumnMismatchError) Code() apperrors.ErrorCode {
	return apperrors.ErrColumnMismatch
}

// Details implements apperrors.Coded.
func (e *ColumnMismatchError) Details() map[string]any {
	return map[string]any{"columns": e.Columns, "missing": e.Missing, "operand": e.Operand}
}

// FormatError is returned when tabular text cannot be parsed.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid tabular file: %v", e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Code implements apperrors.Coded.
func (e *FormatError) Code() apperrors.ErrorCode {
	return apperrors.ErrInvalidFormat
}

// Details implements apperrors.Coded.
func (e *FormatError) Details() map[string]any {
	return nil
}

// isContentError reports whether err means the file was read but its content
// is unusable, as opposed to an I/O failure.
func isContentError(err error) bool {
	var fe *FormatError
	var ve *ValidationError
	var de *DuplicateKeyError
	var ce *ColumnMismatchError
	return errors.As(err, &fe) || errors.As(err, &ve) || errors.As(err, &de) || errors.As(err, &ce)
}

func tableName(name string) string {
	if name == "" {
		return "table"
	}
	return name
}

func formatRow(columns []string, row Row) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, col+"="+FormatValue(row[col]))
	}
	return strings.Join(parts, ", ")
}
