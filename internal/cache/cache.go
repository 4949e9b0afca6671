// Package cache implements the main environment: the public contract a
// named, versioned cache exposes over its operation log (internal/oplog)
// and schema. It is the only layer callers outside this module are meant
// to talk to directly for record mutation and point lookups; querying
// goes through internal/query against the indexes internal/index
// maintains from the same log.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dozerdb/cache-engine/internal/codec"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/oplog"
	"github.com/dozerdb/cache-engine/internal/schema"
)

// Sentinel errors for the only two expected conditions; everything else a
// Cache method returns is a wrapped kv.ErrStorage and is fatal to the
// caller's transaction.
var (
	// ErrPrimaryKeyExists is returned by Insert when the key is already live.
	ErrPrimaryKeyExists = errors.New("cache: primary key already exists")
	// ErrPrimaryKeyNotFound is returned by Update/Delete/GetByKey when the
	// key does not resolve to a live record.
	ErrPrimaryKeyNotFound = errors.New("cache: primary key not found")
)

// Cache composes an operation log with the schema it stores, exposing
// the insert/update/delete/get contract of the write/read data flow. It
// holds no transaction state itself: every method takes the caller's
// kv.Txn, so a caller may batch several mutations into one commit.
type Cache struct {
	Schema *schema.Schema
	Log    *oplog.Log

	ttl *TTLPolicy
}

// Open creates the operation log's sub-maps for sch within env and
// returns a ready Cache. appendOnly mirrors the schema's declared
// semantics: Update/Delete are rejected for an append-only cache.
func Open(env kv.Environment, sch *schema.Schema, appendOnly bool) (*Cache, error) {
	if err := sch.Validate(); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	log, err := oplog.Open(env, sch, appendOnly)
	if err != nil {
		return nil, err
	}
	return &Cache{Schema: sch, Log: log}, nil
}

// keyFor derives the MetadataKey a record resolves to: the primary-key
// field encoding when the schema declares one, or the whole-record
// encoding (hashed by the log into hash_metadata) otherwise.
func (c *Cache) keyFor(rec schema.Record) (oplog.MetadataKey, error) {
	if c.Schema.HasPrimaryIndex() {
		var b []byte
		for _, pos := range c.Schema.PrimaryIndex {
			b = append(b, codec.Encode(rec.Values[pos])...)
		}
		return oplog.MetadataKey{Kind: oplog.MetadataKeyPrimary, Bytes: b}, nil
	}
	b, err := oplog.EncodeRecord(c.Schema, rec)
	if err != nil {
		return oplog.MetadataKey{}, err
	}
	return oplog.MetadataKey{Kind: oplog.MetadataKeyHash, Bytes: b}, nil
}

// Insert computes the record's metadata key, delegating to InsertNew for
// a never-seen key or InsertDeleted for a reinsert over a dead identity.
// Returns ErrPrimaryKeyExists if the key currently resolves to a live
// record.
func (c *Cache) Insert(ctx context.Context, txn kv.Txn, rec schema.Record) (schema.RecordMeta, error) {
	key, err := c.keyFor(rec)
	if err != nil {
		return schema.RecordMeta{}, err
	}
	_, meta, found, err := c.Log.GetRecord(ctx, txn, key)
	if err != nil {
		return schema.RecordMeta{}, err
	}
	if found && meta.IsLive() {
		return schema.RecordMeta{}, fmt.Errorf("%w", ErrPrimaryKeyExists)
	}
	var newMeta schema.RecordMeta
	if found {
		newMeta, err = c.Log.InsertDeleted(ctx, txn, key, rec, meta)
	} else {
		newMeta, err = c.Log.InsertNew(ctx, txn, key, rec)
	}
	if err != nil {
		return schema.RecordMeta{}, err
	}
	if err := c.scheduleDeadline(txn, rec, *newMeta.InsertOperationID); err != nil {
		return schema.RecordMeta{}, err
	}
	return newMeta, nil
}

// Update looks up the live record at key's identity and replaces it with
// newRec, bumping version. Returns ErrPrimaryKeyNotFound if key does not
// currently resolve to a live record.
func (c *Cache) Update(ctx context.Context, txn kv.Txn, newRec schema.Record) (oldVersion, newVersion uint32, err error) {
	key, err := c.keyFor(newRec)
	if err != nil {
		return 0, 0, err
	}
	oldRec, meta, found, err := c.Log.GetRecord(ctx, txn, key)
	if err != nil {
		return 0, 0, err
	}
	if !found || !meta.IsLive() {
		return 0, 0, fmt.Errorf("%w", ErrPrimaryKeyNotFound)
	}
	oldOpID := *meta.InsertOperationID
	newMeta, err := c.Log.Update(ctx, txn, key, newRec, meta, oldOpID)
	if err != nil {
		return 0, 0, err
	}
	if err := c.clearDeadline(txn, oldRec, oldOpID); err != nil {
		return 0, 0, err
	}
	if err := c.scheduleDeadline(txn, newRec, *newMeta.InsertOperationID); err != nil {
		return 0, 0, err
	}
	return meta.Version, newMeta.Version, nil
}

// Delete removes the live record addressed by rec's key, returning its
// final version and the operation id its last insert was recorded under.
func (c *Cache) Delete(ctx context.Context, txn kv.Txn, rec schema.Record) (version uint32, insertOpID uint64, err error) {
	key, err := c.keyFor(rec)
	if err != nil {
		return 0, 0, err
	}
	existing, meta, found, err := c.Log.GetRecord(ctx, txn, key)
	if err != nil {
		return 0, 0, err
	}
	if !found || !meta.IsLive() {
		return 0, 0, fmt.Errorf("%w", ErrPrimaryKeyNotFound)
	}
	opID := *meta.InsertOperationID
	if err := c.Log.Delete(ctx, txn, key, meta, opID); err != nil {
		return 0, 0, err
	}
	if err := c.clearDeadline(txn, existing, opID); err != nil {
		return 0, 0, err
	}
	return meta.Version, opID, nil
}

// GetByKey returns the live record matching rec's key fields (only the
// primary-index/whole-record positions of rec are read to build the key;
// the rest may be zero).
func (c *Cache) GetByKey(ctx context.Context, txn kv.Txn, rec schema.Record) (schema.Record, schema.RecordMeta, error) {
	key, err := c.keyFor(rec)
	if err != nil {
		return schema.Record{}, schema.RecordMeta{}, err
	}
	found, meta, ok, err := c.Log.GetRecord(ctx, txn, key)
	if err != nil {
		return schema.Record{}, schema.RecordMeta{}, err
	}
	if !ok || !meta.IsLive() {
		return schema.Record{}, schema.RecordMeta{}, fmt.Errorf("%w", ErrPrimaryKeyNotFound)
	}
	return found, meta, nil
}

// GetByOpID returns the record an operation id inserted, if that
// operation id is still present (live). Unlike GetByKey this has no
// not-found sentinel: callers pass an op_id obtained from the present set
// or an index entry, both of which are assumed live at call time; a
// caller racing a concurrent delete gets kv.ErrKeyNotFound instead.
func (c *Cache) GetByOpID(ctx context.Context, txn kv.Txn, opID uint64) (schema.Record, error) {
	present, err := c.Log.IsPresent(txn, opID)
	if err != nil {
		return schema.Record{}, err
	}
	if !present {
		return schema.Record{}, kv.ErrKeyNotFound
	}
	return c.Log.GetRecordByOpID(ctx, txn, opID)
}

// Count returns the number of live records.
func (c *Cache) Count(txn kv.Txn) (int, error) {
	return c.Log.CountPresent(txn)
}

// CountPresent is an alias for Count, naming the contract point
// explicitly: count() and count_present() are the same operation on the
// live set.
func (c *Cache) CountPresent(txn kv.Txn) (int, error) {
	return c.Count(txn)
}
