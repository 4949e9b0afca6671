// Package codec implements the engine's durable, order-preserving byte
// encoding for schema.Value and the typed collection wrappers (Map, Set,
// Counter) that other packages build on top of internal/kv.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/dozerdb/cache-engine/internal/schema"
)

// nullTag/presentTag are prefixed to every encoding so that null sorts
// strictly greater than any non-null value of the same type. The
// executor's null_base scan trick depends on this byte ordering, not on
// any type-specific comparator logic.
const (
	presentTag byte = 0x00
	nullTag    byte = 0x01
)

// Encode returns the order-preserving byte encoding of v.
func Encode(v schema.Value) []byte {
	if v.IsNull() {
		return []byte{nullTag}
	}

	var body []byte
	switch v.Kind() {
	case schema.FieldTypeInt8:
		body = encodeInt(v.Int(), 1)
	case schema.FieldTypeInt16:
		body = encodeInt(v.Int(), 2)
	case schema.FieldTypeInt32:
		body = encodeInt(v.Int(), 4)
	case schema.FieldTypeInt64:
		body = encodeInt(v.Int(), 8)
	case schema.FieldTypeUint8:
		body = encodeUint(v.Uint(), 1)
	case schema.FieldTypeUint16:
		body = encodeUint(v.Uint(), 2)
	case schema.FieldTypeUint32:
		body = encodeUint(v.Uint(), 4)
	case schema.FieldTypeUint64:
		body = encodeUint(v.Uint(), 8)
	case schema.FieldTypeFloat32:
		body = encodeFloat32(float32(v.Float()))
	case schema.FieldTypeFloat64:
		body = encodeFloat64(v.Float())
	case schema.FieldTypeBool:
		if v.Bool() {
			body = []byte{1}
		} else {
			body = []byte{0}
		}
	case schema.FieldTypeString, schema.FieldTypeText, schema.FieldTypeDecimal:
		body = encodeVarBytes([]byte(v.String()))
	case schema.FieldTypeBinary, schema.FieldTypeJSON:
		body = encodeVarBytes(v.Bytes())
	case schema.FieldTypeTimestamp, schema.FieldTypeDate:
		body = encodeInt(v.Time().UnixNano(), 8)
	case schema.FieldTypeDuration:
		body = encodeInt(int64(v.Duration()), 8)
	case schema.FieldTypePoint:
		body = encodeVarBytes(v.Bytes())
	default:
		panic(fmt.Sprintf("codec: Encode: unhandled kind %s", v.Kind()))
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, presentTag)
	return append(out, body...)
}

// Decode parses bytes encoded by Encode for a field of the given type.
func Decode(kind schema.FieldType, b []byte) (schema.Value, []byte, error) {
	if len(b) == 0 {
		return schema.Value{}, nil, fmt.Errorf("codec: Decode: empty input")
	}
	tag, rest := b[0], b[1:]
	if tag == nullTag {
		return schema.Null(kind), rest, nil
	}
	if tag != presentTag {
		return schema.Value{}, nil, fmt.Errorf("codec: Decode: unknown tag byte 0x%02x", tag)
	}

	switch kind {
	case schema.FieldTypeInt8:
		n, rem, err := decodeInt(rest, 1)
		return schema.IntValue(kind, n), rem, err
	case schema.FieldTypeInt16:
		n, rem, err := decodeInt(rest, 2)
		return schema.IntValue(kind, n), rem, err
	case schema.FieldTypeInt32:
		n, rem, err := decodeInt(rest, 4)
		return schema.IntValue(kind, n), rem, err
	case schema.FieldTypeInt64:
		n, rem, err := decodeInt(rest, 8)
		return schema.IntValue(kind, n), rem, err
	case schema.FieldTypeUint8:
		n, rem, err := decodeUint(rest, 1)
		return schema.UintValue(kind, n), rem, err
	case schema.FieldTypeUint16:
		n, rem, err := decodeUint(rest, 2)
		return schema.UintValue(kind, n), rem, err
	case schema.FieldTypeUint32:
		n, rem, err := decodeUint(rest, 4)
		return schema.UintValue(kind, n), rem, err
	case schema.FieldTypeUint64:
		n, rem, err := decodeUint(rest, 8)
		return schema.UintValue(kind, n), rem, err
	case schema.FieldTypeFloat32:
		f, rem, err := decodeFloat32(rest)
		return schema.Float32Value(f), rem, err
	case schema.FieldTypeFloat64:
		f, rem, err := decodeFloat64(rest)
		return schema.Float64Value(f), rem, err
	case schema.FieldTypeBool:
		if len(rest) < 1 {
			return schema.Value{}, nil, fmt.Errorf("codec: Decode bool: short input")
		}
		return schema.BoolValue(rest[0] != 0), rest[1:], nil
	case schema.FieldTypeString:
		s, rem, err := decodeVarBytes(rest)
		return schema.StringValue(string(s)), rem, err
	case schema.FieldTypeText:
		s, rem, err := decodeVarBytes(rest)
		return schema.TextValue(string(s)), rem, err
	case schema.FieldTypeDecimal:
		s, rem, err := decodeVarBytes(rest)
		return schema.DecimalValue(string(s)), rem, err
	case schema.FieldTypeBinary:
		bs, rem, err := decodeVarBytes(rest)
		return schema.BinaryValue(bs), rem, err
	case schema.FieldTypeJSON:
		bs, rem, err := decodeVarBytes(rest)
		return schema.JSONValue(bs), rem, err
	case schema.FieldTypeTimestamp:
		n, rem, err := decodeInt(rest, 8)
		return schema.TimestampValue(time.Unix(0, n).UTC()), rem, err
	case schema.FieldTypeDate:
		n, rem, err := decodeInt(rest, 8)
		return schema.DateValue(time.Unix(0, n).UTC()), rem, err
	case schema.FieldTypeDuration:
		n, rem, err := decodeInt(rest, 8)
		return schema.DurationValue(time.Duration(n)), rem, err
	case schema.FieldTypePoint:
		bs, rem, err := decodeVarBytes(rest)
		return schema.BinaryValue(bs), rem, err
	default:
		return schema.Value{}, nil, fmt.Errorf("codec: Decode: unhandled kind %s", kind)
	}
}

// encodeInt produces a big-endian, sign-flipped encoding of n in width
// bytes, so that unsigned byte comparison matches signed numeric order.
func encodeInt(n int64, width int) []byte {
	u := uint64(n) ^ (uint64(1) << (uint(width)*8 - 1))
	full := make([]byte, 8)
	binary.BigEndian.PutUint64(full, u)
	return full[8-width:]
}

func decodeInt(b []byte, width int) (int64, []byte, error) {
	if len(b) < width {
		return 0, nil, fmt.Errorf("codec: decodeInt: short input")
	}
	full := make([]byte, 8)
	copy(full[8-width:], b[:width])
	bits := uint(width) * 8
	u := binary.BigEndian.Uint64(full) ^ (uint64(1) << (bits - 1))
	shift := 64 - bits
	n := int64(u<<shift) >> shift
	return n, b[width:], nil
}

func encodeUint(n uint64, width int) []byte {
	full := make([]byte, 8)
	binary.BigEndian.PutUint64(full, n)
	return full[8-width:]
}

func decodeUint(b []byte, width int) (uint64, []byte, error) {
	if len(b) < width {
		return 0, nil, fmt.Errorf("codec: decodeUint: short input")
	}
	full := make([]byte, 8)
	copy(full[8-width:], b[:width])
	return binary.BigEndian.Uint64(full), b[width:], nil
}

// encodeFloat32/64 use the standard order-preserving IEEE-754 trick: flip
// the sign bit for non-negative numbers, flip every bit for negative
// numbers, so that big-endian byte order matches float order.
func encodeFloat32(f float32) []byte {
	bits := math.Float32bits(f)
	if bits&(1<<31) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 31
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, bits)
	return b
}

func decodeFloat32(b []byte) (float32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("codec: decodeFloat32: short input")
	}
	bits := binary.BigEndian.Uint32(b[:4])
	if bits&(1<<31) != 0 {
		bits &^= 1 << 31
	} else {
		bits = ^bits
	}
	return math.Float32frombits(bits), b[4:], nil
}

func encodeFloat64(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, bits)
	return b
}

func decodeFloat64(b []byte) (float64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("codec: decodeFloat64: short input")
	}
	bits := binary.BigEndian.Uint64(b[:8])
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), b[8:], nil
}

// encodeVarBytes encodes a variable-length value by escaping every literal
// 0x00 byte as 0x00 0xFF and terminating with 0x00 0x00. A length prefix
// would sort values by length before content (enc("ab") would land after
// enc("b") because 2 > 1, even though "ab" < "b" lexicographically); the
// escape-and-terminate form instead compares byte-for-byte exactly like the
// unescaped value, with the terminator sorting a value strictly before any
// longer value it is a prefix of. Because a literal 0x00 is never followed
// by another literal 0x00 in the escaped output, the terminator can't be
// mistaken for one, which is also what makes this safe to concatenate as an
// interior field of a composite key: nothing after it can be misread as
// part of this field.
func encodeVarBytes(b []byte) []byte {
	out := make([]byte, 0, len(b)+2)
	for _, c := range b {
		if c == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, c)
		}
	}
	return append(out, 0x00, 0x00)
}

func decodeVarBytes(b []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, fmt.Errorf("codec: decodeVarBytes: truncated escape sequence")
		}
		switch b[i+1] {
		case 0x00:
			return out, b[i+2:], nil
		case 0xFF:
			out = append(out, 0x00)
			i++
		default:
			return nil, nil, fmt.Errorf("codec: decodeVarBytes: invalid escape byte 0x%02x", b[i+1])
		}
	}
	return nil, nil, fmt.Errorf("codec: decodeVarBytes: missing terminator")
}

