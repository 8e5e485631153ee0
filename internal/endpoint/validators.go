package endpoint

import (
	"encoding/base64"
	"encoding/json"
	"slices"
	"unicode/utf8"

	"github.com/kaptinlin/jsonschema"

	"github.com/gaspardpetit/devgate/internal/packet"
)

// BooleanValidator accepts true or false.
type BooleanValidator struct{ base }

func (v *BooleanValidator) Validate(raw []byte) (packet.Value, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return packet.Value{}, err
	}
	b, ok := p.(bool)
	if !ok {
		return packet.Value{}, reject(InvalidType, "expected boolean")
	}
	return packet.Bool(b), nil
}

func (v *BooleanValidator) Descriptor() Descriptor { return v.descriptor(TypeBoolean, nil) }

// IntegerValidator accepts whole numbers within optional bounds. When an
// increment is set, values must be a multiple of it away from Min (or 0).
type IntegerValidator struct {
	base
	Min       *int64
	Max       *int64
	Increment *int64
}

func (v *IntegerValidator) Validate(raw []byte) (packet.Value, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return packet.Value{}, err
	}
	i, ok := jsonInt(p)
	if !ok {
		return packet.Value{}, reject(InvalidType, "expected integer")
	}
	if v.Min != nil && i < *v.Min {
		return packet.Value{}, reject(LowerThanMin, "%d < %d", i, *v.Min)
	}
	if v.Max != nil && i > *v.Max {
		return packet.Value{}, reject(HigherThanMax, "%d > %d", i, *v.Max)
	}
	if v.Increment != nil {
		var origin int64
		if v.Min != nil {
			origin = *v.Min
		}
		if distance(i, origin)%uint64(*v.Increment) != 0 {
			return packet.Value{}, reject(InvalidIncrement, "%d is not a step of %d from %d", i, *v.Increment, origin)
		}
	}
	return packet.Int(i), nil
}

// distance is |a-b| without int64 overflow.
func distance(a, b int64) uint64 {
	if a >= b {
		return uint64(a) - uint64(b)
	}
	return uint64(b) - uint64(a)
}

func (v *IntegerValidator) Descriptor() Descriptor {
	return v.descriptor(TypeInteger, map[string]any{
		"min":       optInt(v.Min),
		"max":       optInt(v.Max),
		"increment": optInt(v.Increment),
	})
}

func optInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// StringValidator accepts text of an exact length, optionally restricted
// by an allow list or a deny list.
type StringValidator struct {
	base
	Length    *int64
	AllowList []string
	DenyList  []string

	// declared list forms, kept for Descriptor
	allowRaw any
	denyRaw  any
}

func (v *StringValidator) Validate(raw []byte) (packet.Value, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return packet.Value{}, err
	}
	s, ok := p.(string)
	if !ok {
		return packet.Value{}, reject(InvalidType, "expected string")
	}
	if v.Length != nil {
		if n := int64(utf8.RuneCountInString(s)); n != *v.Length {
			return packet.Value{}, reject(InvalidLength, "length %d, want %d", n, *v.Length)
		}
	}
	if v.AllowList != nil && !slices.Contains(v.AllowList, s) {
		return packet.Value{}, reject(ViolatesAllowList, "%q not allowed", s)
	}
	if slices.Contains(v.DenyList, s) {
		return packet.Value{}, reject(ViolatesDenyList, "%q denied", s)
	}
	return packet.String(s), nil
}

func (v *StringValidator) Descriptor() Descriptor {
	return v.descriptor(TypeString, map[string]any{
		"length":    optInt(v.Length),
		"allowList": v.allowRaw,
		"denyList":  v.denyRaw,
	})
}

// EnumValidator accepts one of a fixed set of string or integer values.
type EnumValidator struct {
	base
	// Values maps a display name to a string or int64.
	Values map[string]any
}

func (v *EnumValidator) Validate(raw []byte) (packet.Value, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return packet.Value{}, err
	}
	var want any
	var val packet.Value
	switch x := p.(type) {
	case string:
		want, val = x, packet.String(x)
	case json.Number:
		i, ok := jsonInt(x)
		if !ok {
			return packet.Value{}, reject(InvalidType, "expected string or integer")
		}
		want, val = i, packet.Int(i)
	default:
		return packet.Value{}, reject(InvalidType, "expected string or integer")
	}
	for _, allowed := range v.Values {
		if allowed == want {
			return val, nil
		}
	}
	return packet.Value{}, reject(InvalidEnumValue, "%v is not a declared value", want)
}

func (v *EnumValidator) Descriptor() Descriptor {
	values := make(map[string]any, len(v.Values))
	for k, e := range v.Values {
		values[k] = e
	}
	return v.descriptor(TypeEnum, map[string]any{"values": values})
}

// BinaryValidator accepts base64 text and delivers the decoded bytes.
type BinaryValidator struct {
	base
	MaxLength *int64
}

func (v *BinaryValidator) Validate(raw []byte) (packet.Value, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return packet.Value{}, err
	}
	s, ok := p.(string)
	if !ok {
		return packet.Value{}, reject(InvalidType, "expected base64 string")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return packet.Value{}, reject(InvalidType, "expected base64 string: %v", err)
	}
	if v.MaxLength != nil && int64(len(b)) > *v.MaxLength {
		return packet.Value{}, reject(TooLarge, "%d bytes exceeds %d", len(b), *v.MaxLength)
	}
	return packet.Binary(b), nil
}

func (v *BinaryValidator) Descriptor() Descriptor {
	return v.descriptor(TypeBinary, map[string]any{"maxLength": optInt(v.MaxLength)})
}

// StructValidator accepts a JSON object or array, optionally checked
// against a JSON Schema.
type StructValidator struct {
	base
	schemaDoc map[string]any
	schema    *jsonschema.Schema
}

func (v *StructValidator) Validate(raw []byte) (packet.Value, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return packet.Value{}, err
	}
	switch p.(type) {
	case map[string]any, []any:
	default:
		return packet.Value{}, reject(InvalidType, "expected object or array")
	}
	if v.schema != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return packet.Value{}, reject(InvalidJSON, "%v", err)
		}
		if res := v.schema.Validate(doc); !res.IsValid() {
			return packet.Value{}, reject(SchemaViolation, "%s", res.Error())
		}
	}
	val, err := packet.Struct(p)
	if err != nil {
		return packet.Value{}, reject(InvalidType, "%v", err)
	}
	return val, nil
}

func (v *StructValidator) Descriptor() Descriptor {
	var schema any
	if v.schemaDoc != nil {
		schema = v.schemaDoc
	}
	return v.descriptor(TypeStruct, map[string]any{"schema": schema})
}
