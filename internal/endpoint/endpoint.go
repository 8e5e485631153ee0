// Package endpoint describes the typed endpoints a device declares at
// connection time and validates control payloads against them.
package endpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gaspardpetit/devgate/internal/packet"
)

// Type names an endpoint kind.
type Type string

const (
	TypeBoolean Type = "boolean"
	TypeInteger Type = "integer"
	TypeString  Type = "string"
	TypeEnum    Type = "enum"
	TypeBinary  Type = "binary"
	TypeStruct  Type = "struct"
)

// Descriptor is the JSON form of an endpoint as declared by a device.
type Descriptor struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        Type           `json:"type"`
	SpecialID   *string        `json:"specialId"`
	Constraints map[string]any `json:"constraints"`
}

// Validator checks one control payload and returns its canonical value.
type Validator interface {
	Validate(raw []byte) (packet.Value, error)
	Descriptor() Descriptor
}

// Response classifies a rejected payload.
type Response string

const (
	InvalidJSON       Response = "invalid_json"
	InvalidType       Response = "invalid_type"
	LowerThanMin      Response = "lower_than_min"
	HigherThanMax     Response = "higher_than_max"
	InvalidIncrement  Response = "invalid_increment"
	InvalidLength     Response = "invalid_length"
	ViolatesAllowList Response = "violates_allow_list"
	ViolatesDenyList  Response = "violates_deny_list"
	InvalidEnumValue  Response = "invalid_enum_value"
	SchemaViolation   Response = "schema_violation"
	TooLarge          Response = "too_large"
)

// ValidationError is returned by Validate when a payload is rejected.
type ValidationError struct {
	Response Response
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return string(e.Response)
	}
	return string(e.Response) + ": " + e.Reason
}

func reject(r Response, format string, args ...any) *ValidationError {
	return &ValidationError{Response: r, Reason: fmt.Sprintf(format, args...)}
}

// decodeJSON decodes exactly one JSON document, keeping numbers as
// json.Number so integers survive untouched.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func decodePayload(raw []byte) (any, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, reject(InvalidJSON, "%v", err)
	}
	return v, nil
}

// jsonInt reports whether v is a JSON integer. Booleans and fractional
// numbers are not.
func jsonInt(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}

// base holds the fields shared by every validator.
type base struct {
	id        string
	name      string
	specialID *string
}

func (b base) descriptor(t Type, constraints map[string]any) Descriptor {
	return Descriptor{ID: b.id, Name: b.name, Type: t, SpecialID: b.specialID, Constraints: constraints}
}
