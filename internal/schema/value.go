package schema

import (
	"fmt"
	"time"
)

// Value is a tagged union holding exactly one field's worth of data. The
// zero Value is not NULL: it is a non-null FieldTypeInt8 zero. Null builds
// the NULL of a given kind.
type Value struct {
	kind   FieldType
	isNull bool

	i   int64
	u   uint64
	f   float64
	b   bool
	s   string
	bin []byte
	t   time.Time
	d   time.Duration
}

// Null returns the null Value for the given field type. null sorts greater
// than any real value of that type (see internal/codec), matching the
// sentinel convention used by range-scan endpoints.
func Null(kind FieldType) Value {
	return Value{kind: kind, isNull: true}
}

func IntValue(kind FieldType, v int64) Value    { return Value{kind: kind, i: v} }
func UintValue(kind FieldType, v uint64) Value  { return Value{kind: kind, u: v} }
func Float32Value(v float32) Value              { return Value{kind: FieldTypeFloat32, f: float64(v)} }
func Float64Value(v float64) Value              { return Value{kind: FieldTypeFloat64, f: v} }
func BoolValue(v bool) Value                    { return Value{kind: FieldTypeBool, b: v} }
func StringValue(v string) Value                { return Value{kind: FieldTypeString, s: v} }
func TextValue(v string) Value                  { return Value{kind: FieldTypeText, s: v} }
func DecimalValue(v string) Value               { return Value{kind: FieldTypeDecimal, s: v} }
func BinaryValue(v []byte) Value                { return Value{kind: FieldTypeBinary, bin: v} }
func JSONValue(v []byte) Value                  { return Value{kind: FieldTypeJSON, bin: v} }
func TimestampValue(v time.Time) Value          { return Value{kind: FieldTypeTimestamp, t: v} }
func DateValue(v time.Time) Value               { return Value{kind: FieldTypeDate, t: v} }
func DurationValue(v time.Duration) Value       { return Value{kind: FieldTypeDuration, d: v} }

func (v Value) Kind() FieldType { return v.kind }
func (v Value) IsNull() bool    { return v.isNull }

func (v Value) Int() int64          { return v.i }
func (v Value) Uint() uint64        { return v.u }
func (v Value) Float() float64      { return v.f }
func (v Value) Bool() bool          { return v.b }
func (v Value) String() string      { return v.s }
func (v Value) Bytes() []byte       { return v.bin }
func (v Value) Time() time.Time     { return v.t }
func (v Value) Duration() time.Duration { return v.d }

// Compare returns -1, 0, or 1 comparing v to other, which must share v's
// Kind. Null sorts strictly greater than any non-null value, per the
// engine's sentinel convention for bounded range scans.
func (v Value) Compare(other Value) int {
	if v.kind != other.kind {
		panic(fmt.Sprintf("schema: Compare called on mismatched kinds %s vs %s", v.kind, other.kind))
	}
	if v.isNull || other.isNull {
		switch {
		case v.isNull && other.isNull:
			return 0
		case v.isNull:
			return 1
		default:
			return -1
		}
	}
	switch v.kind {
	case FieldTypeInt8, FieldTypeInt16, FieldTypeInt32, FieldTypeInt64:
		return compareInt64(v.i, other.i)
	case FieldTypeUint8, FieldTypeUint16, FieldTypeUint32, FieldTypeUint64:
		return compareUint64(v.u, other.u)
	case FieldTypeFloat32, FieldTypeFloat64:
		return compareFloat64(v.f, other.f)
	case FieldTypeBool:
		if v.b == other.b {
			return 0
		}
		if !v.b {
			return -1
		}
		return 1
	case FieldTypeString, FieldTypeText, FieldTypeDecimal:
		switch {
		case v.s < other.s:
			return -1
		case v.s > other.s:
			return 1
		default:
			return 0
		}
	case FieldTypeBinary, FieldTypeJSON:
		return compareBytes(v.bin, other.bin)
	case FieldTypeTimestamp, FieldTypeDate:
		switch {
		case v.t.Before(other.t):
			return -1
		case v.t.After(other.t):
			return 1
		default:
			return 0
		}
	case FieldTypeDuration:
		return compareInt64(int64(v.d), int64(other.d))
	case FieldTypePoint:
		return compareBytes(v.bin, other.bin)
	default:
		panic(fmt.Sprintf("schema: Compare: unhandled kind %s", v.kind))
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
