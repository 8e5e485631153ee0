package packet

import (
	"bytes"
	"fmt"
)

// Tag identifies the semantic type of a frame payload.
type Tag byte

const (
	TagBinary Tag = iota
	TagBoolean
	TagInteger
	TagString
	TagStruct
)

func (t Tag) String() string {
	switch t {
	case TagBinary:
		return "binary"
	case TagBoolean:
		return "boolean"
	case TagInteger:
		return "integer"
	case TagString:
		return "string"
	case TagStruct:
		return "struct"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

func (t Tag) valid() bool { return t <= TagStruct }

// Value holds exactly one payload of one of the five tagged shapes.
// The zero Value is an empty BINARY blob.
type Value struct {
	tag Tag
	bin []byte
	b   bool
	i   int64
	s   string
	st  any
}

// Binary returns a BINARY value holding a copy of b.
func Binary(b []byte) Value {
	return Value{tag: TagBinary, bin: append([]byte(nil), b...)}
}

// Bool returns a BOOLEAN value.
func Bool(b bool) Value { return Value{tag: TagBoolean, b: b} }

// Int returns an INTEGER value.
func Int(i int64) Value { return Value{tag: TagInteger, i: i} }

// String returns a STRING value.
func String(s string) Value { return Value{tag: TagString, s: s} }

// Struct returns a STRUCT value for a JSON-like tree made of nil, bool,
// integers, floats, strings, byte slices, []any and map[string]any.
// The tree is copied and validated in full.
func Struct(v any) (Value, error) {
	st, err := normalizeTree(v, 0)
	if err != nil {
		return Value{}, err
	}
	return Value{tag: TagStruct, st: st}, nil
}

// MustStruct is like Struct but panics on unsupported trees.
func MustStruct(v any) Value {
	val, err := Struct(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Tag reports the value's tag.
func (v Value) Tag() Tag { return v.tag }

func (v Value) AsBinary() ([]byte, bool) {
	if v.tag != TagBinary {
		return nil, false
	}
	return append([]byte(nil), v.bin...), true
}

func (v Value) AsBool() (bool, bool) { return v.b, v.tag == TagBoolean }

func (v Value) AsInt() (int64, bool) { return v.i, v.tag == TagInteger }

func (v Value) AsString() (string, bool) { return v.s, v.tag == TagString }

// AsStruct returns the normalized tree. Callers must not mutate it.
func (v Value) AsStruct() (any, bool) { return v.st, v.tag == TagStruct }

// Interface returns the plain Go representation of the value.
func (v Value) Interface() any {
	switch v.tag {
	case TagBoolean:
		return v.b
	case TagInteger:
		return v.i
	case TagString:
		return v.s
	case TagStruct:
		return v.st
	default:
		return append([]byte(nil), v.bin...)
	}
}

// Equal reports whether both values carry the same tag and content.
// STRUCT values are compared structurally.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag {
		return false
	}
	switch v.tag {
	case TagBinary:
		return bytes.Equal(v.bin, o.bin)
	case TagBoolean:
		return v.b == o.b
	case TagInteger:
		return v.i == o.i
	case TagString:
		return v.s == o.s
	default:
		return treeEqual(v.st, o.st)
	}
}

func (v Value) String() string {
	switch v.tag {
	case TagBinary:
		return fmt.Sprintf("binary(%x)", v.bin)
	case TagBoolean:
		return fmt.Sprintf("boolean(%t)", v.b)
	case TagInteger:
		return fmt.Sprintf("integer(%d)", v.i)
	case TagString:
		return fmt.Sprintf("string(%q)", v.s)
	default:
		return fmt.Sprintf("struct(%v)", v.st)
	}
}

// Frame is one decoded unit of wire data.
type Frame struct {
	Event string
	Value Value
}

func treeEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !treeEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !treeEqual(xv, yv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
