// Package idgen provides content-addressed identity helpers used by the
// operation log's metadata maps: hashing a primary-key encoding or a whole
// record, and deriving the open-addressing probe sequence used to resolve
// hash collisions within a single metadata sub-map.
package idgen

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"strings"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts a byte slice to a base36 string of specified length,
// left-padding with zeros or truncating to the least-significant digits.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}
	str := string(chars)

	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// HashSize is the width, in bytes, of the digests returned by PrimaryKeyHash
// and RecordHash. 16 bytes keeps metadata keys compact while making
// collisions between unrelated keys astronomically unlikely.
const HashSize = 16

// PrimaryKeyHash returns the stable hash used as the base key into the
// primary_key_metadata sub-map for a record whose schema declares a
// primary index. encodedKey is the order-preserving concatenation of the
// primary-key field encodings (see internal/codec).
func PrimaryKeyHash(encodedKey []byte) [HashSize]byte {
	return truncatedSHA256(encodedKey)
}

// RecordHash returns the stable hash used as the base key into the
// hash_metadata sub-map for a record whose schema has no primary index.
// encodedRecord is the full persisted encoding of the record's field
// values (version and metadata excluded — only user data is hashed).
func RecordHash(encodedRecord []byte) [HashSize]byte {
	return truncatedSHA256(encodedRecord)
}

func truncatedSHA256(data []byte) [HashSize]byte {
	sum := sha256.Sum256(data)
	var out [HashSize]byte
	copy(out[:], sum[:HashSize])
	return out
}

// ProbeKey folds a probe index into a base hash to produce the key actually
// stored in hash_metadata, implementing the open-addressed collision policy:
// every probe attempt uses a distinct, deterministic key derived from the
// same base hash, so a re-insertion of a value-equal record after a delete
// walks the same probe sequence and lands on the same metadata entry.
//
// The probe index is appended (not XORed or mixed into the hash itself) so
// that probe 0 is always the base hash unmodified — the common case of no
// collision never pays for the wider key.
func ProbeKey(base [HashSize]byte, probe uint32) []byte {
	if probe == 0 {
		out := make([]byte, HashSize)
		copy(out, base[:])
		return out
	}
	out := make([]byte, HashSize+4)
	copy(out, base[:])
	binary.BigEndian.PutUint32(out[HashSize:], probe)
	return out
}
