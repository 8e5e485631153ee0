package packet

import "errors"

var (
	// ErrUnsupportedValueType is returned when a value matches none of the five tags.
	ErrUnsupportedValueType = errors.New("unsupported value type")
	// ErrMalformedFrame is returned when a frame does not follow the wire layout.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownTag is returned when the tag byte is outside the known range.
	ErrUnknownTag = errors.New("unknown tag")
	// ErrInvalidEvent is returned when an event name is empty or not valid UTF-8.
	ErrInvalidEvent = errors.New("invalid event name")
)
