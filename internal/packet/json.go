package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// FromJSON parses a JSON document and classifies it. Numbers keep their
// exact integer value; numbers with a fraction are only accepted nested
// inside a STRUCT.
func FromJSON(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("unexpected data after JSON value")
	}
	return Classify(v)
}
