package tabular

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Type coercion maps raw cell values to typed row values.
//
// Raw value (CSV text or Go value) → field type → stored Go type:
//
//	"abc"          → text    → string
//	"12", 12, 12.0 → integer → int64
//	"1.5", 1       → number  → float64
//	"true", "1"    → bool    → bool
//	"2024-01-31"   → date    → time.Time
//	"['a', 'b']"   → list    → []string
//
// Text is never produced from non-text values; a number where text is
// expected is an error, not a conversion.

// FieldType is the semantic type of a schema field.
type FieldType string

const (
	// TypeText stores strings.
	TypeText FieldType = "text"
	// TypeInteger stores int64 values.
	TypeInteger FieldType = "integer"
	// TypeNumber stores float64 values.
	TypeNumber FieldType = "number"
	// TypeBool stores bool values.
	TypeBool FieldType = "bool"
	// TypeDate stores time.Time values.
	TypeDate FieldType = "date"
	// TypeList stores []string values.
	TypeList FieldType = "list"
)

const dateLayout = "2006-01-02"

var dateLayouts = []string{dateLayout, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// Coerce converts a non-null raw value to the field type's Go representation.
func (ft FieldType) Coerce(value any) (any, error) {
	switch ft {
	case TypeText:
		return coerceToText(value)
	case TypeInteger:
		return coerceToInteger(value)
	case TypeNumber:
		return coerceToNumber(value)
	case TypeBool:
		return coerceToBool(value)
	case TypeDate:
		return coerceToDate(value)
	case TypeList:
		return coerceToList(value)
	default:
		return nil, fmt.Errorf("unknown field type %q", string(ft))
	}
}

func coerceToText(value any) (any, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	return nil, fmt.Errorf("input should be a valid string, got %T", value)
}

func coerceToInteger(value any) (any, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		if isWhole(v) {
			return int64(v), nil
		}
		return nil, fmt.Errorf("input should be a valid integer, got a number with a fractional part")
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && isWhole(f) {
			return int64(f), nil
		}
		return nil, fmt.Errorf("input should be a valid integer, unable to parse string as an integer")
	default:
		return nil, fmt.Errorf("input should be a valid integer, got %T", value)
	}
}

func coerceToNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("input should be a valid number, unable to parse string as a number")
		}
		return f, nil
	default:
		return nil, fmt.Errorf("input should be a valid number, got %T", value)
	}
}

func coerceToBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case int:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "on", "1":
			return true, nil
		case "false", "f", "no", "n", "off", "0":
			return false, nil
		}
	}
	return nil, fmt.Errorf("input should be a valid boolean")
}

func coerceToDate(value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("input should be a valid date in YYYY-MM-DD format")
	default:
		return nil, fmt.Errorf("input should be a valid date, got %T", value)
	}
}

func coerceToList(value any) (any, error) {
	switch v := value.(type) {
	case []string:
		return append([]string{}, v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list items should be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return parseListLiteral(v)
	default:
		return nil, fmt.Errorf("input should be a valid list, got %T", value)
	}
}

// parseListLiteral parses "['a', \"b\", c]". Bare items are accepted inside
// the brackets; a value without brackets is rejected. Quoted items accept the
// backslash escapes written by quoteListItem.
func parseListLiteral(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("invalid list %q: must be a list or left empty", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	out := []string{}
	if inner == "" {
		return out, nil
	}
	var cur strings.Builder
	var quote rune
	quoted := false
	escaped := false
	flush := func() error {
		item := cur.String()
		if !quoted {
			item = strings.TrimSpace(item)
			if item == "" {
				return fmt.Errorf("invalid list %q: empty item", s)
			}
		}
		out = append(out, item)
		cur.Reset()
		quoted = false
		return nil
	}
	for _, r := range inner {
		switch {
		case escaped:
			escaped = false
			switch r {
			case 'n':
				cur.WriteByte('\n')
			case 'r':
				cur.WriteByte('\r')
			case 't':
				cur.WriteByte('\t')
			default:
				cur.WriteRune(r)
			}
		case quote != 0:
			switch r {
			case '\\':
				escaped = true
			case quote:
				quote = 0
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			if strings.TrimSpace(cur.String()) != "" || quoted {
				return nil, fmt.Errorf("invalid list %q: unexpected quote", s)
			}
			cur.Reset()
			quote = r
			quoted = true
		case r == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			if quoted {
				if r != ' ' {
					return nil, fmt.Errorf("invalid list %q: text after quoted item", s)
				}
				continue
			}
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("invalid list %q: unterminated quote", s)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatValue returns the canonical text of a cell. It is used for CSV
// output, equality and key tuples, so two cells with the same text are the
// same cell.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		if isWhole(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 && v.Location() == time.UTC {
			return v.Format(dateLayout)
		}
		return v.Format(time.RFC3339Nano)
	case []string:
		quoted := make([]string, len(v))
		for i, item := range v {
			quoted[i] = quoteListItem(item)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// quoteListItem quotes like a Python string repr: single quotes unless the
// item holds a single quote and no double quote.
func quoteListItem(item string) string {
	quote := '\''
	if strings.ContainsRune(item, '\'') && !strings.ContainsRune(item, '"') {
		quote = '"'
	}
	var b strings.Builder
	b.WriteRune(quote)
	for _, r := range item {
		switch r {
		case '\\', quote:
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteRune(quote)
	return b.String()
}

// compareValues orders two cells: nulls last, then numbers before booleans
// before dates before everything else. Within a kind, numbers compare
// numerically, dates chronologically, false before true, everything else by
// canonical text.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if c := cmp.Compare(kindRank(a), kindRank(b)); c != 0 {
		return c
	}
	switch va := a.(type) {
	case bool:
		vb := b.(bool)
		switch {
		case va == vb:
			return 0
		case !va:
			return -1
		default:
			return 1
		}
	case time.Time:
		return va.Compare(b.(time.Time))
	}
	if fa, ok := asFloat(a); ok {
		fb, _ := asFloat(b)
		return cmp.Compare(fa, fb)
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}

func kindRank(v any) int {
	switch v.(type) {
	case int64, int, float64:
		return 0
	case bool:
		return 1
	case time.Time:
		return 2
	default:
		return 3
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func isWhole(f float64) bool {
	return f == math.Trunc(f) && f >= -(1<<63) && f < 1<<63
}

func cloneValue(v any) any {
	if l, ok := v.([]string); ok {
		return append([]string{}, l...)
	}
	return v
}
