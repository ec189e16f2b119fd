package segmentation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueKind identifies the concrete type stored in a Value.
type ValueKind uint8

const (
	// KindNone is an absent value (is_null / is_not_null criteria).
	KindNone ValueKind = iota
	// KindString is a scalar string.
	KindString
	// KindNumber is a scalar number.
	KindNumber
	// KindList is an ordered list of scalars.
	KindList
)

// Value is the criterion operand: a scalar string or number, or an ordered
// list of scalars for in, not_in and between.
//
// JSON form is a bare string, a bare number, null, or an array of strings
// and numbers. Nested lists are rejected.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	List []Value
}

// String builds a scalar string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number builds a scalar number value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// List builds a list value from scalars.
func List(items ...Value) Value {
	return Value{Kind: KindList, List: append([]Value{}, items...)}
}

// Strings builds a list of string scalars.
func Strings(items ...string) Value {
	v := Value{Kind: KindList, List: make([]Value, len(items))}
	for i, s := range items {
		v.List[i] = String(s)
	}
	return v
}

// Numbers builds a list of number scalars.
func Numbers(items ...float64) Value {
	v := Value{Kind: KindList, List: make([]Value, len(items))}
	for i, n := range items {
		v.List[i] = Number(n)
	}
	return v
}

// IsScalar reports whether v holds a single string or number.
func (v Value) IsScalar() bool {
	return v.Kind == KindString || v.Kind == KindNumber
}

// Text returns the string form of a scalar. Numbers use the shortest
// representation that round-trips ("3", "2.5").
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.Text()
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.Kind == KindList {
		return "[" + v.Text() + "]"
	}
	return v.Text()
}

// operand returns the Go value handed to the coercion helpers.
func (v Value) operand() any {
	if v.Kind == KindNumber {
		return v.Num
	}
	return v.Str
}

func (v Value) clone() Value {
	if v.Kind == KindList {
		v.List = append([]Value(nil), v.List...)
	}
	return v
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNone:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindList:
		items := make([]json.RawMessage, len(v.List))
		for i, item := range v.List {
			if !item.IsScalar() {
				return nil, fmt.Errorf("list value item %d is not a scalar", i)
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			items[i] = b
		}
		return json.Marshal(items)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	if data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := Value{Kind: KindList, List: make([]Value, 0, len(raw))}
		for i, item := range raw {
			s, err := decodeScalar(item)
			if err != nil {
				return fmt.Errorf("list item %d: %w", i, err)
			}
			out.List = append(out.List, s)
		}
		*v = out
		return nil
	}
	s, err := decodeScalar(data)
	if err != nil {
		return err
	}
	*v = s
	return nil
}

func decodeScalar(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Value{}, fmt.Errorf("empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, err
		}
		return String(s), nil
	case '[', '{':
		return Value{}, fmt.Errorf("value must be a string or number")
	case 'n':
		return Value{}, fmt.Errorf("null is not allowed here")
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return Value{}, err
		}
		return String(strconv.FormatBool(b)), nil
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", data)
		}
		return Number(n), nil
	}
}
