package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// OptionType is the declared type of an agent option.
type OptionType string

const (
	OptionString OptionType = "string"
	OptionNumber OptionType = "number"
	// OptionSecret is a string option that is always required and never has
	// a default.
	OptionSecret OptionType = "secret"
)

// OptionValue is a concrete option value. Secrets are carried as strings.
type OptionValue struct {
	Type   OptionType
	String string
	Number float64
}

// StringValue returns a string option value.
func StringValue(s string) OptionValue { return OptionValue{Type: OptionString, String: s} }

// NumberValue returns a number option value.
func NumberValue(n float64) OptionValue { return OptionValue{Type: OptionNumber, Number: n} }

// AsString renders the value the way it is exported to agent environments.
func (v OptionValue) AsString() string {
	if v.Type == OptionNumber {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	return v.String
}

type optionValueJSON struct {
	Type  OptionType      `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}.
func (v OptionValue) MarshalJSON() ([]byte, error) {
	if v.Type == OptionNumber {
		return json.Marshal(struct {
			Type  OptionType `json:"type"`
			Value float64    `json:"value"`
		}{v.Type, v.Number})
	}
	return json.Marshal(struct {
		Type  OptionType `json:"type"`
		Value string     `json:"value"`
	}{OptionString, v.String})
}

// UnmarshalJSON decodes {"type": ..., "value": ...}.
func (v *OptionValue) UnmarshalJSON(data []byte) error {
	var raw optionValueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Type {
	case OptionString, OptionSecret:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return fmt.Errorf("option value: %w", err)
		}
		*v = StringValue(s)
	case OptionNumber:
		var n float64
		if err := json.Unmarshal(raw.Value, &n); err != nil {
			return fmt.Errorf("option value: %w", err)
		}
		*v = NumberValue(n)
	default:
		return fmt.Errorf("unknown option value type %q", raw.Type)
	}
	return nil
}

// ValueOf converts a decoded TOML/JSON scalar into an OptionValue.
func ValueOf(x any) (OptionValue, error) {
	switch t := x.(type) {
	case string:
		return StringValue(t), nil
	case float64:
		return NumberValue(t), nil
	case int64:
		return NumberValue(float64(t)), nil
	case int:
		return NumberValue(float64(t)), nil
	default:
		return OptionValue{}, fmt.Errorf("unsupported option value %v (%T)", x, x)
	}
}

// Option declares an option an agent accepts.
type Option struct {
	Type        OptionType   `json:"type"`
	Description string       `json:"description,omitempty"`
	Default     *OptionValue `json:"-"`
}

// Required reports whether a value must be supplied for this option.
func (o Option) Required() bool {
	return o.Type == OptionSecret || o.Default == nil
}

// MarshalJSON encodes the option with a plain default.
func (o Option) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": o.Type}
	if o.Description != "" {
		out["description"] = o.Description
	}
	if o.Default != nil && o.Type != OptionSecret {
		if o.Default.Type == OptionNumber {
			out["default"] = o.Default.Number
		} else {
			out["default"] = o.Default.String
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an option with a plain default.
func (o *Option) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        OptionType `json:"type"`
		Description string     `json:"description"`
		Default     any        `json:"default"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	opt, err := NewOption(raw.Type, raw.Description, raw.Default)
	if err != nil {
		return err
	}
	*o = opt
	return nil
}

// NewOption builds an Option, checking that def matches typ. def may be nil.
func NewOption(typ OptionType, description string, def any) (Option, error) {
	o := Option{Type: typ, Description: description}

	switch typ {
	case OptionSecret:
		if def != nil {
			return Option{}, fmt.Errorf("secret options cannot have a default")
		}
	case OptionString:
		if def != nil {
			s, ok := def.(string)
			if !ok {
				return Option{}, fmt.Errorf("string option default must be a string, got %T", def)
			}
			v := StringValue(s)
			o.Default = &v
		}
	case OptionNumber:
		if def != nil {
			v, err := ValueOf(def)
			if err != nil || v.Type != OptionNumber {
				return Option{}, fmt.Errorf("number option default must be a number, got %T", def)
			}
			o.Default = &v
		}
	default:
		return Option{}, fmt.Errorf("unknown option type %q", typ)
	}
	return o, nil
}
