package document

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnsupportedValueType = errors.New("unsupported value type")
	ErrInvalidChangePath    = errors.New("invalid change path")
)

// Kind discriminates the closed set of value types a change may carry.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindMap    Kind = "map"
	KindList   Kind = "list"
)

// Value is a tagged variant over the supported scalar and container
// types. Unsupported types are rejected at construction, never at merge
// time.
type Value struct {
	Kind Kind             `json:"kind"`
	Str  string           `json:"str,omitempty"`
	Num  float64          `json:"num,omitempty"`
	Bool bool             `json:"bool,omitempty"`
	Map  map[string]Value `json:"map,omitempty"`
	List []Value          `json:"list,omitempty"`
}

func String(v string) Value { return Value{Kind: KindString, Str: v} }
func Number(v float64) Value {
	return Value{Kind: KindNumber, Num: v}
}
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// FromJSON converts a value decoded by encoding/json into a Value.
// Supported inputs are string, bool, float64/json numbers, nil-free
// map[string]any, and []any; anything else fails with
// ErrUnsupportedValueType.
func FromJSON(raw any) (Value, error) {
	switch typed := raw.(type) {
	case string:
		return String(typed), nil
	case bool:
		return Bool(typed), nil
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return Value{}, fmt.Errorf("%w: non-finite number", ErrUnsupportedValueType)
		}
		return Number(typed), nil
	case int:
		return Number(float64(typed)), nil
	case int64:
		return Number(float64(typed)), nil
	case map[string]any:
		out := make(map[string]Value, len(typed))
		for key, item := range typed {
			if key == "" {
				return Value{}, fmt.Errorf("%w: empty map key", ErrUnsupportedValueType)
			}
			value, err := FromJSON(item)
			if err != nil {
				return Value{}, err
			}
			out[key] = value
		}
		return Value{Kind: KindMap, Map: out}, nil
	case []any:
		out := make([]Value, 0, len(typed))
		for _, item := range typed {
			value, err := FromJSON(item)
			if err != nil {
				return Value{}, err
			}
			out = append(out, value)
		}
		return Value{Kind: KindList, List: out}, nil
	case nil:
		return Value{}, fmt.Errorf("%w: null", ErrUnsupportedValueType)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValueType, raw)
	}
}

// Validate checks that the kind tag is one of the closed set and that
// containers validate recursively. Values built through the constructors
// or FromJSON always pass; Validate guards values decoded from storage
// or the wire.
func (v Value) Validate() error {
	switch v.Kind {
	case KindString, KindNumber, KindBool:
		return nil
	case KindMap:
		for key, item := range v.Map {
			if key == "" {
				return fmt.Errorf("%w: empty map key", ErrUnsupportedValueType)
			}
			if err := item.Validate(); err != nil {
				return err
			}
		}
		return nil
	case KindList:
		for _, item := range v.List {
			if err := item.Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrUnsupportedValueType, v.Kind)
	}
}

// ToJSON converts the value back to the shape encoding/json produces.
func (v Value) ToJSON() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for key, item := range v.Map {
			out[key] = item.ToJSON()
		}
		return out
	case KindList:
		out := make([]any, 0, len(v.List))
		for _, item := range v.List {
			out = append(out, item.ToJSON())
		}
		return out
	}
	return nil
}

// Copy returns a deep copy.
func (v Value) Copy() Value {
	out := v
	if v.Map != nil {
		out.Map = make(map[string]Value, len(v.Map))
		for key, item := range v.Map {
			out.Map[key] = item.Copy()
		}
	}
	if v.List != nil {
		out.List = make([]Value, len(v.List))
		for i, item := range v.List {
			out.List[i] = item.Copy()
		}
	}
	return out
}

// Equal reports deep equality.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == other.Str
	case KindNumber:
		return v.Num == other.Num
	case KindBool:
		return v.Bool == other.Bool
	case KindMap:
		if len(v.Map) != len(other.Map) {
			return false
		}
		for key, item := range v.Map {
			peer, ok := other.Map[key]
			if !ok || !item.Equal(peer) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i, item := range v.List {
			if !item.Equal(other.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}
