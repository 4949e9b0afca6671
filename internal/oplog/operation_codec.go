package oplog

import (
	"encoding/binary"
	"fmt"

	"github.com/dozerdb/cache-engine/internal/codec"
	"github.com/dozerdb/cache-engine/internal/idgen"
	"github.com/dozerdb/cache-engine/internal/schema"
)

func probeKeyBytes(base [idgen.HashSize]byte, probe uint32) []byte {
	return idgen.ProbeKey(base, probe)
}

func uint64KeyCodec() codec.KeyCodec[uint64] {
	return codec.KeyCodec[uint64]{Encode: encodeOpID, Decode: decodeOpIDKey}
}

func encodeOpID(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func decodeOpIDKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("oplog: operation id key: want 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// encodeRecord produces the persisted byte encoding of a record's field
// values, in schema field order, using internal/codec's order-preserving
// encoding. This is also the input RecordHash digests for hash-mode
// identities, so its byte layout is part of the on-disk contract: field
// order must never change for an existing schema.
func encodeRecord(sch *schema.Schema, rec schema.Record) ([]byte, error) {
	if len(rec.Values) != len(sch.Fields) {
		return nil, fmt.Errorf("oplog: record has %d values, schema declares %d fields", len(rec.Values), len(sch.Fields))
	}
	var out []byte
	for _, v := range rec.Values {
		out = append(out, codec.Encode(v)...)
	}
	return out, nil
}

// EncodeRecord is the exported form of encodeRecord, for callers (cache)
// that need the same canonical byte encoding to build a hash-mode
// MetadataKey.
func EncodeRecord(sch *schema.Schema, rec schema.Record) ([]byte, error) {
	return encodeRecord(sch, rec)
}

func decodeRecord(sch *schema.Schema, b []byte) (schema.Record, error) {
	values := make([]schema.Value, len(sch.Fields))
	for i, f := range sch.Fields {
		v, rest, err := codec.Decode(f.Type, b)
		if err != nil {
			return schema.Record{}, fmt.Errorf("oplog: decode field %s: %w", f.Name, err)
		}
		values[i] = v
		b = rest
	}
	if len(b) != 0 {
		return schema.Record{}, fmt.Errorf("oplog: decode record: %d trailing bytes", len(b))
	}
	return schema.Record{Values: values}, nil
}

// operation tag bytes, persisted in the operation log: Delete must stay 0x00
// and Insert 0x01 so existing logs remain readable across versions.
const (
	tagDelete byte = 0x00
	tagInsert byte = 0x01
)

// encodeOperation persists a single log entry: a tag byte, followed by
// either the deleted operation's id (Delete) or the record's identity and
// values (Insert).
func encodeOperation(op schema.Operation) ([]byte, error) {
	switch op.Kind {
	case schema.OperationDelete:
		out := make([]byte, 1+8)
		out[0] = tagDelete
		binary.BigEndian.PutUint64(out[1:], op.DeletedOperationID)
		return out, nil
	case schema.OperationInsert:
		out := []byte{tagInsert}
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], op.Meta.ID)
		out = append(out, idBuf[:]...)
		var verBuf [4]byte
		binary.BigEndian.PutUint32(verBuf[:], op.Meta.Version)
		out = append(out, verBuf[:]...)
		for _, v := range op.Record.Values {
			out = append(out, codec.Encode(v)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("oplog: encodeOperation: unknown operation kind %v", op.Kind)
	}
}

func decodeOperation(sch *schema.Schema, b []byte) (schema.Operation, error) {
	if len(b) < 1 {
		return schema.Operation{}, fmt.Errorf("oplog: decodeOperation: empty input")
	}
	tag := b[0]
	b = b[1:]
	switch tag {
	case tagDelete:
		if len(b) != 8 {
			return schema.Operation{}, fmt.Errorf("oplog: decodeOperation: malformed delete entry")
		}
		return schema.Operation{Kind: schema.OperationDelete, DeletedOperationID: binary.BigEndian.Uint64(b)}, nil
	case tagInsert:
		if len(b) < 8+4 {
			return schema.Operation{}, fmt.Errorf("oplog: decodeOperation: malformed insert header")
		}
		id := binary.BigEndian.Uint64(b[:8])
		b = b[8:]
		version := binary.BigEndian.Uint32(b[:4])
		b = b[4:]

		rec, err := decodeRecord(sch, b)
		if err != nil {
			return schema.Operation{}, err
		}
		// The operation id this entry was stored under is the dbiOperations
		// key, not part of the persisted value, so it isn't recoverable
		// here; callers that need it (GetRecord) already have it from the
		// metadata entry they looked up to find this operation.
		return schema.Operation{
			Kind:   schema.OperationInsert,
			Meta:   schema.RecordMeta{ID: id, Version: version},
			Record: rec,
		}, nil
	default:
		return schema.Operation{}, fmt.Errorf("oplog: decodeOperation: unknown tag byte 0x%02x", tag)
	}
}
