// Handles schema definition and per-record validation.

package tabular

import (
	"fmt"
	"math"
	"slices"
)

// Record is a raw input record, typically CSV cells keyed by header name.
type Record map[string]any

// Row is a record that went through schema validation, or a raw record held
// by an unvalidated table.
type Row map[string]any

// Field declares one column of a schema.
type Field struct {
	Name string
	Type FieldType
	// Required fields must carry a non-empty value. Optional fields fall back
	// to Default when missing or empty.
	Required bool
	Default  any
	// Check runs after coercion on non-null values.
	Check       func(value any) error
	Description string
}

// Schema declares the rows of one kind of table.
//
// A Schema is defined once per table kind and must not be modified after
// tables have been created from it.
type Schema struct {
	// Name is used in error messages, e.g. "manifest".
	Name   string
	Fields []Field
	// Keys are the columns whose combined values identify a row.
	Keys []string
	// Normalize may rewrite a record after missing values were dropped and
	// before field validation, e.g. to derive one field from another.
	Normalize func(rec Record) (Record, error)
}

// FieldNames returns the field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FreeForm reports whether the schema declares no fields, in which case
// validation passes every column through unchanged.
func (s *Schema) FreeForm() bool {
	return len(s.Fields) == 0
}

// Check verifies that the schema is well formed.
func (s *Schema) Check() error {
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field %d: name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("field %q: declared twice", f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeText, TypeInteger, TypeNumber, TypeBool, TypeDate, TypeList:
		default:
			return fmt.Errorf("field %q: unknown type %q", f.Name, string(f.Type))
		}
		if !f.Required && f.Default != nil {
			if _, err := f.Type.Coerce(f.Default); err != nil {
				return fmt.Errorf("field %q: invalid default: %w", f.Name, err)
			}
		}
	}
	for _, k := range s.Keys {
		if !s.FreeForm() && !seen[k] {
			return fmt.Errorf("key column %q is not a field", k)
		}
	}
	return nil
}

// Validate validates a single record and returns the typed row.
func (s *Schema) Validate(rec Record) (Row, error) {
	row, errs := s.validateRecord(rec, 0)
	if len(errs) > 0 {
		return nil, &ValidationError{Table: s.Name, Errors: errs}
	}
	return row, nil
}

// validateRecord never fails fast: it returns every field error of the record.
func (s *Schema) validateRecord(rec Record, index int) (Row, []FieldError) {
	in := make(Record, len(rec))
	for k, v := range rec {
		in[k] = v
	}

	if s.FreeForm() {
		row := make(Row, len(in))
		for k, v := range in {
			row[k] = cloneValue(v)
		}
		return row, nil
	}

	// Optional fields with missing values are dropped so that the default
	// applies; required ones become an explicit null.
	for k, v := range in {
		if !isMissing(v) {
			continue
		}
		if f, ok := s.Field(k); ok && !f.Required {
			delete(in, k)
		} else {
			in[k] = nil
		}
	}

	if s.Normalize != nil {
		out, err := s.Normalize(in)
		if err != nil {
			return nil, []FieldError{{Row: index, Reason: err.Error()}}
		}
		in = out
	}

	row := make(Row, len(s.Fields))
	var errs []FieldError
	for _, f := range s.Fields {
		v, ok := in[f.Name]
		if !ok || v == nil {
			if f.Required {
				errs = append(errs, FieldError{Row: index, Field: f.Name, Reason: "field required"})
				continue
			}
			row[f.Name] = cloneValue(f.Default)
			continue
		}
		cv, err := f.Type.Coerce(v)
		if err != nil {
			errs = append(errs, FieldError{Row: index, Field: f.Name, Value: v, Reason: err.Error()})
			continue
		}
		if f.Check != nil {
			if err := f.Check(cv); err != nil {
				errs = append(errs, FieldError{Row: index, Field: f.Name, Value: cv, Reason: err.Error()})
				continue
			}
		}
		row[f.Name] = cv
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return row, nil
}

func isMissing(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case float64:
		return math.IsNaN(t)
	default:
		return false
	}
}

// OneOf returns a Check accepting only the listed text values. An empty list
// accepts everything.
func OneOf(allowed []string) func(any) error {
	return func(v any) error {
		if len(allowed) == 0 {
			return nil
		}
		s := FormatValue(v)
		if slices.Contains(allowed, s) {
			return nil
		}
		return fmt.Errorf("value %q is not one of %v", s, allowed)
	}
}
