package packet

import (
	"encoding/json"
	"fmt"
	"math"
)

// maxDepth bounds STRUCT nesting. It also stops self-referencing maps.
const maxDepth = 32

// Classify maps a Go value onto one of the five tags. Shapes are tried in a
// fixed order: BINARY, BOOLEAN, INTEGER, STRING, STRUCT. Booleans are checked
// before integers so that true never becomes 1.
func Classify(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case []byte:
		return Binary(x), nil
	case bool:
		return Bool(x), nil
	}
	if i, ok, err := asInteger(v); err != nil {
		return Value{}, err
	} else if ok {
		return Int(i), nil
	}
	if s, ok := v.(string); ok {
		return String(s), nil
	}
	if !isComposite(v) {
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValueType, v)
	}
	return Struct(v)
}

func isComposite(v any) bool {
	switch v.(type) {
	case nil, map[string]any, []any, map[string]string, []string:
		return true
	}
	return false
}

// asInteger reports whether v is a whole number that fits in an int64.
// Floats with a fractional part are not integers; unsigned values above
// MaxInt64 are rejected outright.
func asInteger(v any) (int64, bool, error) {
	switch x := v.(type) {
	case int:
		return int64(x), true, nil
	case int8:
		return int64(x), true, nil
	case int16:
		return int64(x), true, nil
	case int32:
		return int64(x), true, nil
	case int64:
		return x, true, nil
	case uint:
		return fromUnsigned(uint64(x))
	case uint8:
		return int64(x), true, nil
	case uint16:
		return int64(x), true, nil
	case uint32:
		return int64(x), true, nil
	case uint64:
		return fromUnsigned(x)
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("%w: number %q", ErrUnsupportedValueType, x.String())
		}
		return fromFloat(f)
	}
	return 0, false, nil
}

func fromUnsigned(u uint64) (int64, bool, error) {
	if u > math.MaxInt64 {
		return 0, false, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValueType, u)
	}
	return int64(u), true, nil
}

func fromFloat(f float64) (int64, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
		return 0, false, fmt.Errorf("%w: %v has no whole-number form", ErrUnsupportedValueType, f)
	}
	// 2^63 itself is not representable as int64.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false, fmt.Errorf("%w: %v overflows int64", ErrUnsupportedValueType, f)
	}
	return int64(f), true, nil
}

// normalizeTree copies a STRUCT tree into its canonical shape: integers as
// int64, floats as float64, maps as map[string]any and sequences as []any.
func normalizeTree(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrUnsupportedValueType, maxDepth)
	}
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return x, nil
	case []byte:
		return append([]byte(nil), x...), nil
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", ErrUnsupportedValueType, x.String())
		}
		return normalizeFloat(f)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := normalizeTree(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalizeTree(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, nil
	}
	if i, ok, err := asInteger(v); err != nil {
		return nil, err
	} else if ok {
		return i, nil
	}
	return nil, fmt.Errorf("%w: %T inside struct", ErrUnsupportedValueType, v)
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite float inside struct", ErrUnsupportedValueType)
	}
	return f, nil
}
