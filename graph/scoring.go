package graph

import (
	"encoding/json"
	"fmt"
)

// AttributeType is what a server attribute describes.
type AttributeType string

const (
	AttributeGeographicLocation AttributeType = "geographic_location"
	AttributeAttestedBy         AttributeType = "attested_by"
)

// AttributeFormat discriminates the value of an Attribute.
type AttributeFormat string

const (
	FormatString  AttributeFormat = "string"
	FormatNumber  AttributeFormat = "number"
	FormatBoolean AttributeFormat = "boolean"
)

// Attribute is a typed fact about a remote server. Exactly one value field
// is meaningful, selected by Format.
type Attribute struct {
	Format AttributeFormat `json:"format"`
	Type   AttributeType   `json:"type"`
	String string          `json:"-"`
	Number float64         `json:"-"`
	Bool   bool            `json:"-"`
}

// MarshalJSON encodes {"format", "type", "value"}.
func (a Attribute) MarshalJSON() ([]byte, error) {
	var value any
	switch a.Format {
	case FormatString:
		value = a.String
	case FormatNumber:
		value = a.Number
	case FormatBoolean:
		value = a.Bool
	default:
		return nil, fmt.Errorf("unknown attribute format %q", a.Format)
	}
	return json.Marshal(struct {
		Format AttributeFormat `json:"format"`
		Type   AttributeType   `json:"type"`
		Value  any             `json:"value"`
	}{a.Format, a.Type, value})
}

// UnmarshalJSON decodes {"format", "type", "value"}.
func (a *Attribute) UnmarshalJSON(data []byte) error {
	var raw struct {
		Format AttributeFormat `json:"format"`
		Type   AttributeType   `json:"type"`
		Value  json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Attribute{Format: raw.Format, Type: raw.Type}
	var err error
	switch raw.Format {
	case FormatString:
		err = json.Unmarshal(raw.Value, &out.String)
	case FormatNumber:
		err = json.Unmarshal(raw.Value, &out.Number)
	case FormatBoolean:
		err = json.Unmarshal(raw.Value, &out.Bool)
	default:
		return fmt.Errorf("unknown attribute format %q", raw.Format)
	}
	if err != nil {
		return fmt.Errorf("attribute %s: %w", raw.Type, err)
	}
	*a = out
	return nil
}

// EffectType selects how a scorer weight is applied.
type EffectType string

const (
	// EffectFlat adds Weight.
	EffectFlat EffectType = "flat"
	// EffectMultiplier adds Weight times the attribute's number value.
	EffectMultiplier EffectType = "multiplier"
)

// Effect is the score contribution of a matching attribute.
type Effect struct {
	Type   EffectType `json:"type"`
	Weight float64    `json:"weight"`
}

func (e Effect) apply(a *Attribute) float64 {
	if e.Type == EffectMultiplier {
		if a == nil || a.Format != FormatNumber {
			return 0
		}
		return a.Number * e.Weight
	}
	return e.Weight
}

// ScorerOp is the condition of a custom scorer.
type ScorerOp string

const (
	OpIsTrue         ScorerOp = "is_true"
	OpIsFalse        ScorerOp = "is_false"
	OpIsPresent      ScorerOp = "is_present"
	OpIsNotPresent   ScorerOp = "is_not_present"
	OpStringEqual    ScorerOp = "string_equal"
	OpStringNotEqual ScorerOp = "string_not_equal"
)

// Scorer applies Effect for every attribute of Type matching Op. Only
// is_present accepts a multiplier effect.
type Scorer struct {
	Op     ScorerOp      `json:"op"`
	Type   AttributeType `json:"type"`
	String string        `json:"string,omitempty"`
	Effect Effect        `json:"effect"`
}

// Validate checks the operator and effect combination.
func (s Scorer) Validate() error {
	switch s.Op {
	case OpIsTrue, OpIsFalse, OpIsNotPresent, OpStringEqual, OpStringNotEqual:
		if s.Effect.Type != EffectFlat {
			return fmt.Errorf("scorer %s only supports flat effects", s.Op)
		}
	case OpIsPresent:
		if s.Effect.Type != EffectFlat && s.Effect.Type != EffectMultiplier {
			return fmt.Errorf("unknown effect %q", s.Effect.Type)
		}
	default:
		return fmt.Errorf("unknown scorer op %q", s.Op)
	}
	return nil
}

// Score returns the scorer's contribution for server.
func (s Scorer) Score(server Server) float64 {
	if s.Op == OpIsNotPresent {
		for _, a := range server.Attributes {
			if a.Type == s.Type {
				return 0
			}
		}
		return s.Effect.apply(nil)
	}

	total := 0.0
	for i := range server.Attributes {
		a := &server.Attributes[i]
		if a.Type != s.Type {
			continue
		}

		var match bool
		switch s.Op {
		case OpIsTrue:
			match = a.Format == FormatBoolean && a.Bool
		case OpIsFalse:
			match = a.Format == FormatBoolean && !a.Bool
		case OpIsPresent:
			match = true
		case OpStringEqual:
			match = a.Format == FormatString && a.String == s.String
		case OpStringNotEqual:
			match = a.Format == FormatString && a.String != s.String
		}
		if match {
			total += s.Effect.apply(a)
		}
	}
	return total
}

// ScoringType selects the scoring strategy.
type ScoringType string

const (
	// ScoringDefault scores every server 1.
	ScoringDefault ScoringType = "default"
	// ScoringCustom sums the scores of Scorers.
	ScoringCustom ScoringType = "custom"
)

// Scoring ranks candidate servers for a remote request.
type Scoring struct {
	Type    ScoringType `json:"type"`
	Scorers []Scorer    `json:"scorers,omitempty"`
}

// Validate checks the scoring and every scorer.
func (s *Scoring) Validate() error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case ScoringDefault:
		return nil
	case ScoringCustom:
		for _, sc := range s.Scorers {
			if err := sc.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown scoring type %q", s.Type)
	}
}

// Score returns the score of server. A nil Scoring behaves like the default.
func (s *Scoring) Score(server Server) float64 {
	if s == nil || s.Type != ScoringCustom {
		return 1
	}
	total := 0.0
	for _, sc := range s.Scorers {
		total += sc.Score(server)
	}
	return total
}
