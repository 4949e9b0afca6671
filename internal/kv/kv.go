// Package kv is a thin abstraction over a single-writer, multi-reader,
// memory-mapped ordered key-value store. Every other storage-facing
// package (codec, oplog, cache, index) talks to the disk only through
// this package, so the engine's durable format depends on one place.
//
// The concrete implementation backs onto github.com/erigontech/mdbx-go;
// callers never import that package directly.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrStorage wraps any error surfaced by the underlying store. Per the
// engine's error taxonomy, storage errors are fatal: the caller should
// abandon the in-flight transaction and let the process exit.
var ErrStorage = errors.New("kv: storage error")

// ErrKeyNotFound is returned by Txn.Get and Cursor positioning calls when
// the requested key does not exist.
var ErrKeyNotFound = errors.New("kv: key not found")

// ErrClosed names the error for a call on a closed Environment or a
// finished Txn. Neither Environment implementation in this package
// returns it.
var ErrClosed = errors.New("kv: handle closed")

// wrapStorage wraps a driver error with ErrStorage, preserving it for
// errors.Is/errors.As while attaching operation context.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("kv: %s: %w: %w", op, ErrStorage, err)
}

// Comparator orders two encoded keys the way a sub-map's entries must be
// sorted. Installed per-DBI at creation time; nil means use the store's
// default byte-lexicographic order.
type Comparator func(a, b []byte) int

// DBIOptions configures a named sub-map at creation time.
type DBIOptions struct {
	// DupSort enables native duplicate-key support: multiple values may be
	// stored under the same key, themselves kept in sorted order.
	DupSort bool
	// Compare overrides key ordering for this sub-map.
	Compare Comparator
	// DupCompare overrides ordering among values sharing a key, when
	// DupSort is set.
	DupCompare Comparator
}

// Environment is an open store: a directory holding one memory-mapped
// region subdivided into named sub-maps (DBIs).
type Environment interface {
	// CreateDBI declares a named sub-map, creating it on first use.
	CreateDBI(name string, opts DBIOptions) error

	// Begin starts a transaction. writable=false opens a read-only
	// snapshot that may run concurrently with the single writer.
	Begin(ctx context.Context, writable bool) (Txn, error)

	// Update runs fn inside a single writable transaction, committing on
	// success and aborting if fn returns an error or panics.
	Update(ctx context.Context, fn func(Txn) error) error

	// View runs fn inside a single read-only transaction, always
	// releasing it afterward regardless of fn's return value.
	View(ctx context.Context, fn func(Txn) error) error

	// Close releases the memory map. No further calls are valid after.
	Close() error
}

// Txn is a single transaction against an Environment's sub-maps.
type Txn interface {
	Writable() bool

	Put(dbi, key, value []byte) error
	Get(dbi, key []byte) ([]byte, error)
	Delete(dbi, key []byte) error

	// PutDup inserts value under key in a DupSort sub-map without
	// replacing existing values for that key.
	PutDup(dbi, key, value []byte) error
	// DeleteDup removes one specific (key, value) pair from a DupSort
	// sub-map, leaving other values under the same key intact.
	DeleteDup(dbi, key, value []byte) error

	// Cursor opens a cursor over the named sub-map, valid for the
	// lifetime of the transaction.
	Cursor(dbi []byte) (Cursor, error)

	// NextSequence atomically increments and returns the named counter,
	// starting from 0 on first use. Used for next_operation_id.
	NextSequence(counter []byte) (uint64, error)

	// PeekSequence returns the named counter's current value without
	// advancing it, starting from 0 on first use. Unlike NextSequence
	// this never mutates state.
	PeekSequence(counter []byte) (uint64, error)

	Commit() error
	Abort()
}

// CursorOp selects how Cursor.Get repositions.
type CursorOp int

const (
	CursorFirst CursorOp = iota
	CursorLast
	CursorNext
	CursorPrev
	CursorSeek      // exact match
	CursorSeekRange // first key >= target (ascending sub-maps)
)

// Cursor walks a sub-map's entries in key order.
type Cursor interface {
	// First/Last position at the sub-map's extremes.
	First() (key, value []byte, err error)
	Last() (key, value []byte, err error)
	// Next/Prev advance from the current position.
	Next() (key, value []byte, err error)
	Prev() (key, value []byte, err error)
	// Seek positions exactly at key.
	Seek(key []byte) (value []byte, err error)
	// SeekRange positions at the first key >= target in ascending byte
	// order (or the custom comparator's order, if one is installed).
	SeekRange(key []byte) (k, value []byte, err error)

	Close()
}

// IsNotFound reports whether err is or wraps ErrKeyNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrKeyNotFound) }

// IsStorageError reports whether err is or wraps ErrStorage.
func IsStorageError(err error) bool { return errors.Is(err, ErrStorage) }
