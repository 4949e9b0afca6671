package codec

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/dozerdb/cache-engine/internal/schema"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 123456789).UTC()
	values := []schema.Value{
		schema.IntValue(schema.FieldTypeInt32, -42),
		schema.IntValue(schema.FieldTypeInt64, 1<<40),
		schema.UintValue(schema.FieldTypeUint64, 1<<63),
		schema.Float64Value(-3.14159),
		schema.Float32Value(2.5),
		schema.BoolValue(true),
		schema.StringValue("hello, world"),
		schema.TextValue("free text"),
		schema.BinaryValue([]byte{0x00, 0xff, 0x10}),
		schema.JSONValue([]byte(`{"a":1}`)),
		schema.TimestampValue(now),
		schema.DurationValue(90 * time.Minute),
		schema.Null(schema.FieldTypeInt64),
	}

	for _, v := range values {
		enc := Encode(v)
		got, rest, err := Decode(v.Kind(), enc)
		if err != nil {
			t.Fatalf("Decode(%v) error: %v", v, err)
		}
		if len(rest) != 0 {
			t.Fatalf("Decode(%v) left %d trailing bytes", v, len(rest))
		}
		if got.IsNull() != v.IsNull() {
			t.Fatalf("null-ness mismatch for %v", v)
		}
		if !got.IsNull() && got.Compare(v) != 0 {
			t.Fatalf("round trip mismatch: got %v, want %v", got, v)
		}
	}
}

func TestEncodeOrderPreservingIntegers(t *testing.T) {
	ints := []int64{-1 << 40, -1000, -1, 0, 1, 1000, 1 << 40}
	assertEncodingOrderMatchesValueOrder(t, func(n int64) schema.Value {
		return schema.IntValue(schema.FieldTypeInt64, n)
	}, ints)
}

func TestEncodeOrderPreservingFloats(t *testing.T) {
	floats := []float64{-1e10, -1.5, -0.001, 0, 0.001, 1.5, 1e10}
	encs := make([][]byte, len(floats))
	for i, f := range floats {
		encs[i] = Encode(schema.Float64Value(f))
	}
	for i := 1; i < len(encs); i++ {
		if bytes.Compare(encs[i-1], encs[i]) >= 0 {
			t.Fatalf("float encoding not strictly increasing at index %d: %v vs %v", i, floats[i-1], floats[i])
		}
	}
}

func TestEncodeOrderPreservingStrings(t *testing.T) {
	strs := []string{"", "a", "aa", "ab", "b", "zzz"}
	encs := make([][]byte, len(strs))
	for i, s := range strs {
		encs[i] = Encode(schema.StringValue(s))
	}
	for i := 1; i < len(encs); i++ {
		if bytes.Compare(encs[i-1], encs[i]) >= 0 {
			t.Fatalf("string encoding not strictly increasing at index %d: %q vs %q", i, strs[i-1], strs[i])
		}
	}
}

func TestEncodeNullSortsGreatestForEveryType(t *testing.T) {
	cases := []schema.Value{
		schema.IntValue(schema.FieldTypeInt64, 1<<62),
		schema.StringValue("zzzzzzzzzz"),
		schema.Float64Value(1e300),
		schema.TimestampValue(time.Unix(1<<32, 0)),
	}
	for _, v := range cases {
		nullEnc := Encode(schema.Null(v.Kind()))
		realEnc := Encode(v)
		if bytes.Compare(realEnc, nullEnc) >= 0 {
			t.Fatalf("expected null encoding to sort greater than %v", v)
		}
	}
}

func assertEncodingOrderMatchesValueOrder(t *testing.T, mk func(int64) schema.Value, vals []int64) {
	t.Helper()
	sorted := append([]int64(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	encs := make([][]byte, len(sorted))
	for i, v := range sorted {
		encs[i] = Encode(mk(v))
	}
	for i := 1; i < len(encs); i++ {
		if bytes.Compare(encs[i-1], encs[i]) >= 0 {
			t.Fatalf("encoding order diverges from value order at %d: %d vs %d", i, sorted[i-1], sorted[i])
		}
	}
}
