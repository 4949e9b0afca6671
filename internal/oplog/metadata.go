package oplog

import (
	"encoding/binary"
	"fmt"

	"github.com/dozerdb/cache-engine/internal/idgen"
)

// MetadataKeyKind selects which metadata sub-map a MetadataKey addresses.
type MetadataKeyKind int

const (
	// MetadataKeyPrimary addresses primary_key_metadata: the schema
	// declares a primary index, and Bytes is the order-preserving
	// encoding of its fields.
	MetadataKeyPrimary MetadataKeyKind = iota
	// MetadataKeyHash addresses hash_metadata: the schema has no primary
	// index, and Bytes is the full persisted encoding of the record.
	MetadataKeyHash
)

// MetadataKey addresses one logical identity in the operation log's
// metadata maps, per the tagged-union contract: PrimaryKey(bytes) or
// Hash(record bytes).
type MetadataKey struct {
	Kind  MetadataKeyKind
	Bytes []byte
}

// baseHash returns the 16-byte digest this key probes from.
func (k MetadataKey) baseHash() [idgen.HashSize]byte {
	if k.Kind == MetadataKeyPrimary {
		return idgen.PrimaryKeyHash(k.Bytes)
	}
	return idgen.RecordHash(k.Bytes)
}

func (k MetadataKey) dbiName() []byte {
	if k.Kind == MetadataKeyPrimary {
		return dbiPrimaryKeyMetadata
	}
	return dbiHashMetadata
}

// metadataEntry is the value stored at a probe slot. Origin holds the
// bytes the MetadataKey was built from: with a 16-byte content hash, two
// distinct keys landing on the same probe slot is cryptographically
// negligible but not impossible, so a hit is verified against Origin
// before being trusted — this is what lets the common case stay a single
// get at probe 0 while still handling a genuine collision correctly.
type metadataEntry struct {
	Origin            []byte
	ID                uint64
	Version           uint32
	InsertOperationID *uint64 // nil means the identity is currently dead
}

func (e metadataEntry) isLive() bool { return e.InsertOperationID != nil }

func encodeMetadataEntry(e metadataEntry) []byte {
	hasOp := byte(0)
	var opBytes [8]byte
	if e.InsertOperationID != nil {
		hasOp = 1
		binary.BigEndian.PutUint64(opBytes[:], *e.InsertOperationID)
	}

	out := make([]byte, 0, 4+len(e.Origin)+8+4+1+8)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Origin)))
	out = append(out, lenBuf[:]...)
	out = append(out, e.Origin...)

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], e.ID)
	out = append(out, idBuf[:]...)

	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], e.Version)
	out = append(out, verBuf[:]...)

	out = append(out, hasOp)
	out = append(out, opBytes[:]...)
	return out
}

func decodeMetadataEntry(b []byte) (metadataEntry, error) {
	if len(b) < 4 {
		return metadataEntry{}, fmt.Errorf("oplog: metadata entry: short input")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return metadataEntry{}, fmt.Errorf("oplog: metadata entry: short origin")
	}
	origin := append([]byte(nil), b[:n]...)
	b = b[n:]

	if len(b) < 8+4+1+8 {
		return metadataEntry{}, fmt.Errorf("oplog: metadata entry: truncated tail")
	}
	id := binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	version := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	hasOp := b[0]
	b = b[1:]
	var opID *uint64
	if hasOp != 0 {
		v := binary.BigEndian.Uint64(b[:8])
		opID = &v
	}

	return metadataEntry{Origin: origin, ID: id, Version: version, InsertOperationID: opID}, nil
}

// idFromHash derives the deterministic record id exposed to callers for
// primary-keyed records: the first 8 bytes of the key's content hash,
// big-endian. (Hash-mode records instead use the first insert's operation
// id as their id; see Log.InsertNew.)
func idFromHash(h [idgen.HashSize]byte) uint64 {
	return binary.BigEndian.Uint64(h[:8])
}
