package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// ParseCode classifies a rejected endpoint declaration.
type ParseCode string

const (
	IDMustBeString                ParseCode = "id_must_be_string"
	NameMustBeString              ParseCode = "name_must_be_string"
	SpecialIDMustBeString         ParseCode = "special_id_must_be_string"
	UnknownType                   ParseCode = "invalid_type"
	MinMustBeInt                  ParseCode = "constraint_min_must_be_int"
	MaxMustBeInt                  ParseCode = "constraint_max_must_be_int"
	IncrementMustBeInt            ParseCode = "constraint_increment_must_be_int"
	LengthMustBeInt               ParseCode = "constraint_length_must_be_int"
	BothAllowAndDenyList          ParseCode = "constraint_both_allow_list_and_deny_list_specified"
	ListMustBeStringOrList        ParseCode = "constraint_list_must_be_string_or_list"
	ListMustOnlyContainStrings    ParseCode = "constraint_list_must_only_contain_strings"
	EnumRequiresValues            ParseCode = "enum_type_requires_values_constraint"
	ValuesMustBeDict              ParseCode = "constraint_values_must_be_dict"
	ValuesValuesMustBeIntOrString ParseCode = "constraint_values_values_must_be_int_or_string"
	SchemaInvalid                 ParseCode = "constraint_schema_invalid"
	DuplicateID                   ParseCode = "duplicate_id"
	MalformedJSON                 ParseCode = "invalid_json"
)

// ParseError reports why an endpoint declaration was refused.
type ParseError struct {
	Code       ParseCode
	EndpointID string
	Detail     string
}

func (e *ParseError) Error() string {
	msg := string(e.Code)
	if e.EndpointID != "" {
		msg = fmt.Sprintf("endpoint %q: %s", e.EndpointID, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ParseList decodes a JSON array of endpoint declarations. Ids must be
// unique within the list.
func ParseList(raw []byte) ([]Validator, error) {
	doc, err := decodeJSON(raw)
	if err != nil {
		return nil, &ParseError{Code: MalformedJSON, Detail: err.Error()}
	}
	if doc == nil {
		return nil, nil
	}
	items, ok := doc.([]any)
	if !ok {
		return nil, &ParseError{Code: MalformedJSON, Detail: "expected an array of endpoints"}
	}
	out := make([]Validator, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, &ParseError{Code: MalformedJSON, Detail: "endpoint must be an object"}
		}
		v, err := Parse(m)
		if err != nil {
			return nil, err
		}
		id := v.Descriptor().ID
		if seen[id] {
			return nil, &ParseError{Code: DuplicateID, EndpointID: id}
		}
		seen[id] = true
		out = append(out, v)
	}
	return out, nil
}

// FromDescriptors rebuilds validators from stored descriptors.
func FromDescriptors(ds []Descriptor) ([]Validator, error) {
	b, err := json.Marshal(ds)
	if err != nil {
		return nil, &ParseError{Code: MalformedJSON, Detail: err.Error()}
	}
	return ParseList(b)
}

// Descriptors returns the declaration of every validator in vs.
func Descriptors(vs []Validator) []Descriptor {
	out := make([]Descriptor, len(vs))
	for i, v := range vs {
		out[i] = v.Descriptor()
	}
	return out
}

// Parse builds a validator from one decoded declaration. Numbers may be
// json.Number or any Go numeric type.
func Parse(m map[string]any) (Validator, error) {
	b, err := parseBase(m)
	if err != nil {
		return nil, err
	}
	fail := func(c ParseCode) error { return &ParseError{Code: c, EndpointID: b.id} }

	// Constraints that are not an object are treated as absent.
	cons, _ := m["constraints"].(map[string]any)
	t, _ := m["type"].(string)
	switch Type(t) {
	case TypeBoolean:
		return &BooleanValidator{base: b}, nil
	case TypeInteger:
		v := &IntegerValidator{base: b}
		if v.Min, err = intConstraint(cons, "min"); err != nil {
			return nil, fail(MinMustBeInt)
		}
		if v.Max, err = intConstraint(cons, "max"); err != nil {
			return nil, fail(MaxMustBeInt)
		}
		if v.Increment, err = intConstraint(cons, "increment"); err != nil || (v.Increment != nil && *v.Increment <= 0) {
			return nil, fail(IncrementMustBeInt)
		}
		return v, nil
	case TypeString:
		v := &StringValidator{base: b}
		if v.Length, err = intConstraint(cons, "length"); err != nil || (v.Length != nil && *v.Length < 0) {
			return nil, fail(LengthMustBeInt)
		}
		v.allowRaw, v.denyRaw = cons["allowList"], cons["denyList"]
		if v.allowRaw != nil && v.denyRaw != nil {
			return nil, fail(BothAllowAndDenyList)
		}
		var code ParseCode
		if v.AllowList, code = stringList(v.allowRaw); code != "" {
			return nil, fail(code)
		}
		if v.DenyList, code = stringList(v.denyRaw); code != "" {
			return nil, fail(code)
		}
		return v, nil
	case TypeEnum:
		raw, ok := cons["values"]
		if !ok || raw == nil {
			return nil, fail(EnumRequiresValues)
		}
		dict, ok := raw.(map[string]any)
		if !ok {
			return nil, fail(ValuesMustBeDict)
		}
		values := make(map[string]any, len(dict))
		for name, e := range dict {
			switch x := e.(type) {
			case string:
				values[name] = x
			default:
				i, ok := anyInt(x)
				if !ok {
					return nil, fail(ValuesValuesMustBeIntOrString)
				}
				values[name] = i
			}
		}
		return &EnumValidator{base: b, Values: values}, nil
	case TypeBinary:
		v := &BinaryValidator{base: b}
		if v.MaxLength, err = intConstraint(cons, "maxLength"); err != nil {
			return nil, fail(LengthMustBeInt)
		}
		return v, nil
	case TypeStruct:
		v := &StructValidator{base: b}
		raw := cons["schema"]
		if raw == nil {
			return v, nil
		}
		doc, ok := raw.(map[string]any)
		if !ok {
			return nil, &ParseError{Code: SchemaInvalid, EndpointID: b.id, Detail: "schema must be an object"}
		}
		src, err := json.Marshal(doc)
		if err != nil {
			return nil, &ParseError{Code: SchemaInvalid, EndpointID: b.id, Detail: err.Error()}
		}
		schema, err := jsonschema.NewCompiler().Compile(src)
		if err != nil {
			return nil, &ParseError{Code: SchemaInvalid, EndpointID: b.id, Detail: err.Error()}
		}
		v.schemaDoc, v.schema = doc, schema
		return v, nil
	default:
		return nil, &ParseError{Code: UnknownType, EndpointID: b.id, Detail: fmt.Sprintf("%v", m["type"])}
	}
}

func parseBase(m map[string]any) (base, error) {
	id, ok := m["id"].(string)
	if !ok {
		return base{}, &ParseError{Code: IDMustBeString}
	}
	name, ok := m["name"].(string)
	if !ok {
		return base{}, &ParseError{Code: NameMustBeString, EndpointID: id}
	}
	b := base{id: id, name: name}
	switch s := m["specialId"].(type) {
	case nil:
	case string:
		b.specialID = &s
	default:
		return base{}, &ParseError{Code: SpecialIDMustBeString, EndpointID: id}
	}
	return b, nil
}

// stringList accepts nil, a single string or a list of strings. A single
// string is a list of one.
func stringList(v any) ([]string, ParseCode) {
	switch x := v.(type) {
	case nil:
		return nil, ""
	case string:
		return []string{x}, ""
	case []string:
		return append([]string(nil), x...), ""
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, ListMustOnlyContainStrings
			}
			out = append(out, s)
		}
		return out, ""
	default:
		return nil, ListMustBeStringOrList
	}
}

var errNotInt = errors.New("not an integer")

func intConstraint(cons map[string]any, key string) (*int64, error) {
	v, ok := cons[key]
	if !ok || v == nil {
		return nil, nil
	}
	i, ok := anyInt(v)
	if !ok {
		return nil, errNotInt
	}
	return &i, nil
}

// anyInt accepts JSON integers and Go integer types. Booleans, strings and
// fractional numbers are refused.
func anyInt(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		return jsonInt(x)
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}
