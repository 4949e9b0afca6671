package codec

import (
	"github.com/dozerdb/cache-engine/internal/kv"
)

// KeyCodec and ValueCodec let Map/Set work with any Go type by supplying
// its byte encoding; oplog and index instantiate these with small closures
// around schema.Value or raw uint64 ids.
type KeyCodec[K any] struct {
	Encode func(K) []byte
	Decode func([]byte) (K, error)
}

type ValueCodec[V any] struct {
	Encode func(V) []byte
	Decode func([]byte) (V, error)
}

// Map is a typed key -> value sub-map, used for the operation log's
// metadata maps and the present-operation-ids set's complement lookups.
type Map[K, V any] struct {
	DBI []byte
	Key KeyCodec[K]
	Val ValueCodec[V]
}

func (m Map[K, V]) Put(txn kv.Txn, key K, val V) error {
	return txn.Put(m.DBI, m.Key.Encode(key), m.Val.Encode(val))
}

func (m Map[K, V]) Get(txn kv.Txn, key K) (V, error) {
	var zero V
	raw, err := txn.Get(m.DBI, m.Key.Encode(key))
	if err != nil {
		return zero, err
	}
	return m.Val.Decode(raw)
}

func (m Map[K, V]) Delete(txn kv.Txn, key K) error {
	return txn.Delete(m.DBI, m.Key.Encode(key))
}

// Set is a typed collection of distinct members, backed by a dupsort-free
// sub-map whose values are empty; used for present_operation_ids.
type Set[T any] struct {
	DBI  []byte
	Item KeyCodec[T]
}

func (s Set[T]) Add(txn kv.Txn, item T) error {
	return txn.Put(s.DBI, s.Item.Encode(item), []byte{})
}

func (s Set[T]) Remove(txn kv.Txn, item T) error {
	return txn.Delete(s.DBI, s.Item.Encode(item))
}

func (s Set[T]) Contains(txn kv.Txn, item T) (bool, error) {
	_, err := txn.Get(s.DBI, s.Item.Encode(item))
	if err != nil {
		if kv.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Count walks the entire set via a cursor, so its cost grows with the
// set's size (oplog's CountPresent counts present_operation_ids this way).
func (s Set[T]) Count(txn kv.Txn) (int, error) {
	cur, err := txn.Cursor(s.DBI)
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	n := 0
	_, _, err = cur.First()
	for err == nil {
		n++
		_, _, err = cur.Next()
	}
	if !kv.IsNotFound(err) {
		return 0, err
	}
	return n, nil
}

// Counter is a named, fetch-add monotonic sequence backed by
// kv.Txn.NextSequence. Used for next_operation_id.
type Counter struct {
	Name []byte
}

// Next returns the counter's current value and advances it.
func (c Counter) Next(txn kv.Txn) (uint64, error) {
	return txn.NextSequence(c.Name)
}

// Peek returns the counter's current value without advancing it.
func (c Counter) Peek(txn kv.Txn) (uint64, error) {
	return txn.PeekSequence(c.Name)
}
