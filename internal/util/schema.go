package util

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// ValidationError describes the first argument that does not match a tool's
// input schema. Field is a path such as "filter.tags[2]".
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

var kindTypes = map[reflect.Kind]string{
	reflect.String:  "string",
	reflect.Bool:    "boolean",
	reflect.Float32: "number",
	reflect.Float64: "number",
	reflect.Slice:   "array",
	reflect.Array:   "array",
	reflect.Map:     "object",
	reflect.Struct:  "object",
}

func jsonType(t reflect.Type) string {
	t = derefType(t)
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	}
	if s, ok := kindTypes[t.Kind()]; ok {
		return s
	}
	return "string"
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// CreateSchema derives the JSON schema of a tool argument struct.
//
// Property names follow the json tag. A description tag documents the
// property and an enum tag ("a,b,c") restricts string values. Fields that are
// neither pointers nor tagged omitempty are required. Nested structs become
// nested object schemas.
func CreateSchema(v any) map[string]any {
	t := reflect.TypeOf(v)
	if t == nil {
		return objectSchema(nil, nil)
	}
	return structSchema(derefType(t))
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func structSchema(t reflect.Type) map[string]any {
	if t.Kind() != reflect.Struct {
		return objectSchema(nil, nil)
	}

	props := make(map[string]any, t.NumField())
	var required []string
	for i := range t.NumField() {
		f := t.Field(i)
		name, opts, ok := fieldName(f)
		if !ok {
			continue
		}

		props[name] = fieldSchema(f)
		if !slices.Contains(opts, "omitempty") && f.Type.Kind() != reflect.Pointer {
			required = append(required, name)
		}
	}
	return objectSchema(props, required)
}

func fieldName(f reflect.StructField) (string, []string, bool) {
	if !f.IsExported() {
		return "", nil, false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", nil, false
	}
	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = f.Name
	}
	return name, parts[1:], true
}

func fieldSchema(f reflect.StructField) map[string]any {
	ft := derefType(f.Type)

	var s map[string]any
	switch ft.Kind() {
	case reflect.Struct:
		s = structSchema(ft)
	case reflect.Slice, reflect.Array:
		s = map[string]any{"type": "array", "items": map[string]any{"type": jsonType(ft.Elem())}}
	default:
		s = map[string]any{"type": jsonType(ft)}
	}

	if d := f.Tag.Get("description"); d != "" {
		s["description"] = d
	}
	if e := f.Tag.Get("enum"); e != "" {
		s["enum"] = strings.Split(e, ",")
	}
	return s
}

// ValidateParameters checks tool arguments against a JSON schema. Schemas
// built by CreateSchema and schemas decoded from JSON are both accepted.
// Properties the schema does not mention are allowed.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	return validateObject("", params, schema)
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func validateObject(path string, obj map[string]any, schema map[string]any) error {
	for _, name := range stringList(schema["required"]) {
		if v, ok := obj[name]; !ok || v == nil {
			return &ValidationError{Field: join(path, name), Message: "required field is missing"}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, value := range obj {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if err := validateValue(join(path, name), value, prop); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(field string, value any, schema map[string]any) error {
	if value == nil {
		return nil
	}

	typ, _ := schema["type"].(string)
	if !matchesType(value, typ) {
		return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("expected type %s, got %T", typ, value)}
	}

	if enum := schema["enum"]; enum != nil {
		if !slices.ContainsFunc(anyList(enum), func(e any) bool { return reflect.DeepEqual(e, value) }) {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be one of %v", enum)}
		}
	}

	if n, ok := toFloat(value); ok {
		if lo, ok := toFloat(schema["minimum"]); ok && n < lo {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be at least %v", lo)}
		}
		if hi, ok := toFloat(schema["maximum"]); ok && n > hi {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be at most %v", hi)}
		}
	}

	switch v := value.(type) {
	case map[string]any:
		if _, nested := schema["properties"]; nested {
			return validateObject(field, v, schema)
		}
	case []any:
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			return nil
		}
		for i, item := range v {
			if err := validateValue(fmt.Sprintf("%s[%d]", field, i), item, items); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchesType(value any, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "integer":
		n, ok := toFloat(value)
		return ok && n == float64(int64(n))
	case "number":
		_, ok := toFloat(value)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

// toFloat accepts the numeric types of decoded JSON and of arguments built
// in Go.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func anyList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func stringList(v any) []string {
	var out []string
	for _, e := range anyList(v) {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DecodeArguments converts validated arguments into the struct pointed to by out.
func DecodeArguments(params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// SchemaMap converts a typed schema, e.g. mcp.ToolInputSchema, into its
// generic map form.
func SchemaMap(schema any) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
