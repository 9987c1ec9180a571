package tabular

import (
	"github.com/invopop/jsonschema"
)

// JSONSchema describes one row of the schema as a JSON Schema object, the
// way rows look after validation. Dates are strings in "date" format and lists
// are arrays of strings.
func (s *Schema) JSONSchema() *jsonschema.Schema {
	out := &jsonschema.Schema{
		Version:    jsonschema.Version,
		Type:       "object",
		Title:      s.Name,
		Properties: jsonschema.NewProperties(),
	}
	for _, f := range s.Fields {
		p := fieldJSONSchema(f.Type)
		p.Description = f.Description
		if !f.Required && f.Default != nil {
			p.Default = f.Default
		}
		if f.Required {
			out.Required = append(out.Required, f.Name)
		}
		out.Properties.Set(f.Name, p)
	}
	if len(s.Keys) > 0 {
		out.Extras = map[string]any{"x-primary-key": s.Keys}
	}
	return out
}

func fieldJSONSchema(ft FieldType) *jsonschema.Schema {
	switch ft {
	case TypeInteger:
		return &jsonschema.Schema{Type: "integer"}
	case TypeNumber:
		return &jsonschema.Schema{Type: "number"}
	case TypeBool:
		return &jsonschema.Schema{Type: "boolean"}
	case TypeDate:
		return &jsonschema.Schema{Type: "string", Format: "date"}
	case TypeList:
		return &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "string"}}
	default:
		return &jsonschema.Schema{Type: "string"}
	}
}
