// Package schema describes the shape of records stored in a cache: field
// definitions, their types, and which fields (if any) form the primary
// index. A Schema is immutable once a cache version is built from it.
package schema

import "fmt"

// FieldType enumerates the value kinds a field can hold. The order-preserving
// byte encoding for each type lives in internal/codec, not here — this
// package only describes shape, not wire format.
type FieldType int

const (
	FieldTypeInt8 FieldType = iota
	FieldTypeInt16
	FieldTypeInt32
	FieldTypeInt64
	FieldTypeUint8
	FieldTypeUint16
	FieldTypeUint32
	FieldTypeUint64
	FieldTypeFloat32
	FieldTypeFloat64
	FieldTypeDecimal
	FieldTypeString
	FieldTypeText
	FieldTypeBinary
	FieldTypeTimestamp
	FieldTypeDate
	FieldTypeBool
	FieldTypePoint
	FieldTypeDuration
	FieldTypeJSON
)

func (t FieldType) String() string {
	switch t {
	case FieldTypeInt8:
		return "int8"
	case FieldTypeInt16:
		return "int16"
	case FieldTypeInt32:
		return "int32"
	case FieldTypeInt64:
		return "int64"
	case FieldTypeUint8:
		return "uint8"
	case FieldTypeUint16:
		return "uint16"
	case FieldTypeUint32:
		return "uint32"
	case FieldTypeUint64:
		return "uint64"
	case FieldTypeFloat32:
		return "float32"
	case FieldTypeFloat64:
		return "float64"
	case FieldTypeDecimal:
		return "decimal"
	case FieldTypeString:
		return "string"
	case FieldTypeText:
		return "text"
	case FieldTypeBinary:
		return "binary"
	case FieldTypeTimestamp:
		return "timestamp"
	case FieldTypeDate:
		return "date"
	case FieldTypeBool:
		return "bool"
	case FieldTypePoint:
		return "point"
	case FieldTypeDuration:
		return "duration"
	case FieldTypeJSON:
		return "json"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// IsFixedWidth reports whether the type's codec encoding has a constant
// length for every non-null value.
func (t FieldType) IsFixedWidth() bool {
	switch t {
	case FieldTypeString, FieldTypeText, FieldTypeBinary, FieldTypeDecimal, FieldTypeJSON, FieldTypePoint:
		return false
	default:
		return true
	}
}

// FieldDefinition describes one field of a Schema.
type FieldDefinition struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// Schema is an ordered sequence of field definitions plus the subset (by
// position) that forms the primary index. An empty PrimaryIndex means
// records are identified by content hash instead (see internal/idgen).
type Schema struct {
	Name         string
	Fields       []FieldDefinition
	PrimaryIndex []int // positions into Fields, in key order
}

// FieldByName returns the field definition and its position, or ok=false.
func (s *Schema) FieldByName(name string) (FieldDefinition, int, bool) {
	for i, f := range s.Fields {
		if f.Name == name {
			return f, i, true
		}
	}
	return FieldDefinition{}, -1, false
}

// HasPrimaryIndex reports whether the schema declares primary-key fields.
func (s *Schema) HasPrimaryIndex() bool {
	return len(s.PrimaryIndex) > 0
}

// Validate checks internal consistency: field names are unique and
// PrimaryIndex positions are in range.
func (s *Schema) Validate() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %q: field with empty name", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %q: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = true
	}
	for _, pos := range s.PrimaryIndex {
		if pos < 0 || pos >= len(s.Fields) {
			return fmt.Errorf("schema %q: primary index position %d out of range", s.Name, pos)
		}
	}
	return nil
}
