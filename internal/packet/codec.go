// Package packet implements the binary frame codec spoken between the
// gateway and devices.
//
// A frame is laid out as
//
//	[uvarint event length][event][tag][uvarint payload length][payload]
//
// INTEGER payloads are minimal big-endian two's complement, BOOLEAN payloads
// a single 0x00/0x01 byte, STRING payloads UTF-8 text and STRUCT payloads
// deterministic CBOR.
package packet

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	structEnc cbor.EncMode
	structDec cbor.DecMode
)

func init() {
	var err error
	structEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	structDec, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IntDec:          cbor.IntDecConvertSigned,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: maxDepth + 1,
		TagsMd:          cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes event and v into a frame.
func Encode(event string, v Value) ([]byte, error) {
	if event == "" || !utf8.ValidString(event) {
		return nil, ErrInvalidEvent
	}
	if !v.tag.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedValueType, v.tag)
	}
	payload, err := v.payload()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, len(event)+len(payload)+2*binary.MaxVarintLen64+1)
	b = protowire.AppendString(b, event)
	b = append(b, byte(v.tag))
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

// EncodeAny classifies v and encodes it. Classification happens before any
// byte is produced, so an unsupported value never yields a partial frame.
func EncodeAny(event string, v any) ([]byte, error) {
	val, err := Classify(v)
	if err != nil {
		return nil, err
	}
	return Encode(event, val)
}

// Decode parses a single frame. The whole buffer must be consumed.
func Decode(b []byte) (Frame, error) {
	event, n := protowire.ConsumeString(b)
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: event: %v", ErrMalformedFrame, protowire.ParseError(n))
	}
	if event == "" || !utf8.ValidString(event) {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, ErrInvalidEvent)
	}
	b = b[n:]
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("%w: missing tag", ErrMalformedFrame)
	}
	tag := Tag(b[0])
	if !tag.valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownTag, b[0])
	}
	payload, n := protowire.ConsumeBytes(b[1:])
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, protowire.ParseError(n))
	}
	if rest := len(b) - 1 - n; rest != 0 {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, rest)
	}
	v, err := decodeValue(tag, payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Value: v}, nil
}

func (v Value) payload() ([]byte, error) {
	switch v.tag {
	case TagBinary:
		return v.bin, nil
	case TagBoolean:
		if v.b {
			return []byte{0x01}, nil
		}
		return []byte{0x00}, nil
	case TagInteger:
		return encodeInt(v.i), nil
	case TagString:
		return []byte(v.s), nil
	default:
		b, err := structEnc.Marshal(v.st)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValueType, err)
		}
		return b, nil
	}
}

func decodeValue(tag Tag, p []byte) (Value, error) {
	switch tag {
	case TagBinary:
		return Binary(p), nil
	case TagBoolean:
		if len(p) != 1 || p[0] > 0x01 {
			return Value{}, fmt.Errorf("%w: boolean payload %x", ErrMalformedFrame, p)
		}
		return Bool(p[0] == 0x01), nil
	case TagInteger:
		i, err := decodeInt(p)
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case TagString:
		if !utf8.Valid(p) {
			return Value{}, fmt.Errorf("%w: string payload is not UTF-8", ErrMalformedFrame)
		}
		return String(string(p)), nil
	default:
		var tree any
		if err := structDec.Unmarshal(p, &tree); err != nil {
			return Value{}, fmt.Errorf("%w: struct: %v", ErrMalformedFrame, err)
		}
		val, err := Struct(tree)
		if err != nil {
			return Value{}, fmt.Errorf("%w: struct: %v", ErrMalformedFrame, err)
		}
		return val, nil
	}
}

// encodeInt returns the shortest big-endian two's complement form of i.
func encodeInt(i int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	n := 0
	for n < 7 {
		// A leading byte is redundant when it only repeats the sign bit of
		// the byte after it.
		if (buf[n] == 0x00 && buf[n+1]&0x80 == 0) || (buf[n] == 0xff && buf[n+1]&0x80 != 0) {
			n++
			continue
		}
		break
	}
	return append([]byte(nil), buf[n:]...)
}

func decodeInt(p []byte) (int64, error) {
	if len(p) == 0 || len(p) > 8 {
		return 0, fmt.Errorf("%w: integer payload of %d bytes", ErrMalformedFrame, len(p))
	}
	var u uint64
	if p[0]&0x80 != 0 {
		u = ^uint64(0)
	}
	for _, c := range p {
		u = u<<8 | uint64(c)
	}
	return int64(u), nil
}
