package segmentation

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Record is one candidate entity supplied by a corpus provider. Fields hold
// decoded attribute values (strings, numbers, bools, time.Time, slices).
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Lookup returns the attribute named field. The pseudo-field "id" resolves
// to the record id unless the record carries its own "id" attribute.
func (r Record) Lookup(field string) (any, bool) {
	if v, ok := r.Fields[field]; ok {
		return v, true
	}
	if field == "id" {
		return r.ID, true
	}
	return nil, false
}

// toNumber coerces numeric-looking values. Strings are numeric when they
// parse as a finite float or as an RFC 3339 timestamp; times become Unix
// seconds.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case time.Time:
		return float64(n.Unix()), true
	case *time.Time:
		if n == nil {
			return 0, false
		}
		return float64(n.Unix()), true
	case string:
		return parseNumeric(n)
	}
	return 0, false
}

func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return float64(t.Unix()), true
	}
	return 0, false
}

// toText is the string form used by string comparison and substring search.
func toText(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case json.Number:
		return s.String()
	case time.Time:
		return s.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(s, ", ")
	case []any:
		parts := make([]string, len(s))
		for i, item := range s {
			parts[i] = toText(item)
		}
		return strings.Join(parts, ", ")
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

// isNullish reports whether v is the zero or empty representation of its
// type: nil, "", 0, false, or an empty slice or map.
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	switch x := v.(type) {
	case string:
		return x == ""
	case bool:
		return !x
	case time.Time:
		return x.IsZero()
	case *time.Time:
		return x == nil || x.IsZero()
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == 0
	}
	if n, ok := toNumber(v); ok {
		if _, isString := v.(string); !isString {
			return n == 0
		}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// elements flattens list-valued record attributes for in/not_in.
func elements(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

// CompareFields orders two records by field: numerically when both values
// are numeric-looking, otherwise by string form. Records missing the field
// sort after records that have it.
func CompareFields(a, b Record, field string) int {
	av, aok := a.Lookup(field)
	bv, bok := b.Lookup(field)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return 1
	case !bok:
		return -1
	}
	if an, ok := toNumber(av); ok {
		if bn, ok := toNumber(bv); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(toText(av), toText(bv))
}
