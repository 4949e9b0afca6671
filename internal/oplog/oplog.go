// Package oplog implements the operation log: the durable, totally
// ordered record of every insert and delete a cache has ever seen, plus
// the metadata maps that resolve a primary key or content hash to a
// stable record identity across delete/re-insert cycles.
package oplog

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dozerdb/cache-engine/internal/codec"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/schema"
)

var (
	logTracer = otel.Tracer("github.com/dozerdb/cache-engine/internal/oplog")
	logMeter  = otel.Meter("github.com/dozerdb/cache-engine/internal/oplog")

	opsAppended, _ = logMeter.Int64Counter(
		"cache_engine.oplog.operations_appended",
		metric.WithDescription("operation log entries appended, by kind"),
	)
)

var (
	dbiPrimaryKeyMetadata  = []byte("primary_key_metadata")
	dbiHashMetadata        = []byte("hash_metadata")
	dbiPresentOperationIDs = []byte("present_operation_ids")
	dbiOperationIDCounter  = []byte("next_operation_id")
	dbiOperations          = []byte("operation_id_to_operation")
)

// Log is one main environment's operation log. It owns five sub-maps
// within the caller's kv.Environment and exposes the mutators described
// in the component contract (InsertNew, InsertDeleted, Update, Delete)
// plus the read paths used by internal/cache and internal/index.
type Log struct {
	schema     *schema.Schema
	appendOnly bool

	present  codec.Set[uint64]
	nextOpID codec.Counter
}

// Open registers the operation log's sub-maps on env. Call once per main
// environment, before any transaction touches the log.
func Open(env kv.Environment, sch *schema.Schema, appendOnly bool) (*Log, error) {
	for _, dbi := range []string{
		string(dbiPrimaryKeyMetadata), string(dbiHashMetadata),
		string(dbiPresentOperationIDs), string(dbiOperations),
	} {
		if err := env.CreateDBI(dbi, kv.DBIOptions{}); err != nil {
			return nil, fmt.Errorf("oplog: create dbi %s: %w", dbi, err)
		}
	}

	return &Log{
		schema:     sch,
		appendOnly: appendOnly,
		present:    codec.Set[uint64]{DBI: dbiPresentOperationIDs, Item: uint64KeyCodec()},
		nextOpID:   codec.Counter{Name: dbiOperationIDCounter},
	}, nil
}

// maxProbes bounds the open-addressing search so a hostile or corrupted
// environment can't spin forever; with a 16-byte hash this is many, many
// orders of magnitude past any realistic collision chain.
const maxProbes = 1 << 16

// findSlot walks the probe sequence for key, returning the first slot
// whose stored Origin matches key.Bytes (a true hit), or the first empty
// slot if none matches (an insertion point), whichever comes first.
func findSlot(txn kv.Txn, key MetadataKey) (probe uint32, entry metadataEntry, found bool, err error) {
	base := key.baseHash()
	dbi := key.dbiName()

	for p := uint32(0); p < maxProbes; p++ {
		raw, getErr := txn.Get(dbi, probeKeyBytes(base, p))
		if getErr != nil {
			if kv.IsNotFound(getErr) {
				return p, metadataEntry{}, false, nil
			}
			return 0, metadataEntry{}, false, getErr
		}
		e, decErr := decodeMetadataEntry(raw)
		if decErr != nil {
			return 0, metadataEntry{}, false, decErr
		}
		if bytesEqual(e.Origin, key.Bytes) {
			return p, e, true, nil
		}
	}
	return 0, metadataEntry{}, false, fmt.Errorf("oplog: probe sequence exhausted for key (this indicates either a corrupted store or a hash adversarially engineered to collide)")
}

func putSlot(txn kv.Txn, key MetadataKey, probe uint32, entry metadataEntry) error {
	base := key.baseHash()
	return txn.Put(key.dbiName(), probeKeyBytes(base, probe), encodeMetadataEntry(entry))
}

// InsertNew records the first-ever insert for an identity. Panics if the
// identity is already live (an upstream bug: the caller should have
// routed through InsertDeleted instead).
func (l *Log) InsertNew(ctx context.Context, txn kv.Txn, key MetadataKey, rec schema.Record) (schema.RecordMeta, error) {
	_, span := logTracer.Start(ctx, "oplog.InsertNew", trace.WithAttributes(attribute.String("oplog.schema", l.schema.Name)))
	defer span.End()

	if _, err := encodeRecord(l.schema, rec); err != nil {
		return schema.RecordMeta{}, err
	}

	opID, err := l.nextOpID.Next(txn)
	if err != nil {
		return schema.RecordMeta{}, err
	}

	var meta schema.RecordMeta
	if l.appendOnly {
		meta = schema.RecordMeta{ID: opID, Version: 1, InsertOperationID: &opID}
	} else {
		probe, existing, found, ferr := findSlot(txn, key)
		if ferr != nil {
			return schema.RecordMeta{}, ferr
		}
		if found && existing.isLive() {
			panic("oplog: InsertNew called on a live identity")
		}

		id := existing.ID
		version := uint32(1)
		if found {
			version = existing.Version + 1
		} else if key.Kind == MetadataKeyPrimary {
			id = idFromHash(key.baseHash())
		} else {
			id = opID
		}

		meta = schema.RecordMeta{ID: id, Version: version, InsertOperationID: &opID}
		entry := metadataEntry{Origin: key.Bytes, ID: id, Version: version, InsertOperationID: &opID}
		if err := putSlot(txn, key, probe, entry); err != nil {
			return schema.RecordMeta{}, err
		}
	}

	if err := l.present.Add(txn, opID); err != nil {
		return schema.RecordMeta{}, err
	}
	op := schema.Operation{Kind: schema.OperationInsert, Meta: meta, Record: rec}
	if err := l.putOperation(txn, opID, op); err != nil {
		return schema.RecordMeta{}, err
	}
	opsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "insert_new")))
	return meta, nil
}

// InsertDeleted re-inserts an identity whose last action was a delete,
// reusing its id and incrementing its version. Panics if meta is live.
func (l *Log) InsertDeleted(ctx context.Context, txn kv.Txn, key MetadataKey, rec schema.Record, meta schema.RecordMeta) (schema.RecordMeta, error) {
	_, span := logTracer.Start(ctx, "oplog.InsertDeleted", trace.WithAttributes(attribute.String("oplog.schema", l.schema.Name)))
	defer span.End()

	if l.appendOnly {
		panic("oplog: InsertDeleted is not valid in append-only mode")
	}
	if meta.IsLive() {
		panic("oplog: InsertDeleted called with a live meta")
	}

	opID, err := l.nextOpID.Next(txn)
	if err != nil {
		return schema.RecordMeta{}, err
	}

	newMeta := schema.RecordMeta{ID: meta.ID, Version: meta.Version + 1, InsertOperationID: &opID}
	probe, _, found, ferr := findSlot(txn, key)
	if ferr != nil {
		return schema.RecordMeta{}, ferr
	}
	if !found {
		panic("oplog: InsertDeleted called but no metadata entry exists for key")
	}
	entry := metadataEntry{Origin: key.Bytes, ID: newMeta.ID, Version: newMeta.Version, InsertOperationID: &opID}
	if err := putSlot(txn, key, probe, entry); err != nil {
		return schema.RecordMeta{}, err
	}

	if err := l.present.Add(txn, opID); err != nil {
		return schema.RecordMeta{}, err
	}
	op := schema.Operation{Kind: schema.OperationInsert, Meta: newMeta, Record: rec}
	if err := l.putOperation(txn, opID, op); err != nil {
		return schema.RecordMeta{}, err
	}
	opsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "insert_deleted")))
	return newMeta, nil
}

// Update records an atomic delete-then-insert for the same identity: two
// new operation ids are allocated, the record's version advances by one,
// and the old insert operation remains retrievable by id (GetOperation)
// even though it is no longer present.
func (l *Log) Update(ctx context.Context, txn kv.Txn, key MetadataKey, rec schema.Record, meta schema.RecordMeta, oldOpID uint64) (schema.RecordMeta, error) {
	_, span := logTracer.Start(ctx, "oplog.Update", trace.WithAttributes(attribute.String("oplog.schema", l.schema.Name)))
	defer span.End()

	if l.appendOnly {
		panic("oplog: Update is not valid in append-only mode")
	}
	if !meta.IsLive() {
		panic("oplog: Update called on a dead identity")
	}

	if err := l.deleteOperation(txn, oldOpID); err != nil {
		return schema.RecordMeta{}, err
	}

	newOpID, err := l.nextOpID.Next(txn)
	if err != nil {
		return schema.RecordMeta{}, err
	}
	newMeta := schema.RecordMeta{ID: meta.ID, Version: meta.Version + 1, InsertOperationID: &newOpID}

	probe, _, found, ferr := findSlot(txn, key)
	if ferr != nil {
		return schema.RecordMeta{}, ferr
	}
	if !found {
		panic("oplog: Update called but no metadata entry exists for key")
	}
	entry := metadataEntry{Origin: key.Bytes, ID: newMeta.ID, Version: newMeta.Version, InsertOperationID: &newOpID}
	if err := putSlot(txn, key, probe, entry); err != nil {
		return schema.RecordMeta{}, err
	}

	if err := l.present.Add(txn, newOpID); err != nil {
		return schema.RecordMeta{}, err
	}
	op := schema.Operation{Kind: schema.OperationInsert, Meta: newMeta, Record: rec}
	if err := l.putOperation(txn, newOpID, op); err != nil {
		return schema.RecordMeta{}, err
	}
	opsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "update")))
	return newMeta, nil
}

// Delete marks an identity dead: the insert operation id leaves the
// present set and a Delete operation pointing back at it is appended.
func (l *Log) Delete(ctx context.Context, txn kv.Txn, key MetadataKey, meta schema.RecordMeta, opID uint64) error {
	_, span := logTracer.Start(ctx, "oplog.Delete", trace.WithAttributes(attribute.String("oplog.schema", l.schema.Name)))
	defer span.End()

	if l.appendOnly {
		panic("oplog: Delete is not valid in append-only mode")
	}
	if !meta.IsLive() {
		panic("oplog: Delete called on a dead identity")
	}

	if err := l.deleteOperation(txn, opID); err != nil {
		return err
	}

	probe, _, found, ferr := findSlot(txn, key)
	if ferr != nil {
		return ferr
	}
	if !found {
		panic("oplog: Delete called but no metadata entry exists for key")
	}
	entry := metadataEntry{Origin: key.Bytes, ID: meta.ID, Version: meta.Version, InsertOperationID: nil}
	if err := putSlot(txn, key, probe, entry); err != nil {
		return err
	}
	opsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "delete")))
	return nil
}

// deleteOperation removes opID from the present set and appends a Delete
// record pointing back at it, without touching metadata maps.
func (l *Log) deleteOperation(txn kv.Txn, opID uint64) error {
	if err := l.present.Remove(txn, opID); err != nil {
		return err
	}
	delOpID, err := l.nextOpID.Next(txn)
	if err != nil {
		return err
	}
	return l.putOperation(txn, delOpID, schema.Operation{Kind: schema.OperationDelete, DeletedOperationID: opID})
}

// GetRecord looks up the current live record for key, if any.
func (l *Log) GetRecord(ctx context.Context, txn kv.Txn, key MetadataKey) (schema.Record, schema.RecordMeta, bool, error) {
	_, entry, found, err := findSlot(txn, key)
	if err != nil {
		return schema.Record{}, schema.RecordMeta{}, false, err
	}
	if !found || !entry.isLive() {
		return schema.Record{}, schema.RecordMeta{}, false, nil
	}
	op, err := l.GetOperation(ctx, txn, *entry.InsertOperationID)
	if err != nil {
		return schema.Record{}, schema.RecordMeta{}, false, err
	}
	meta := schema.RecordMeta{ID: entry.ID, Version: entry.Version, InsertOperationID: entry.InsertOperationID}
	return op.Record, meta, true, nil
}

// GetRecordByOpID hydrates the record for a known-live insert operation
// id. The caller (cache/index/executor) is responsible for having
// already checked PresentOperationIDs; an op id that is not actually
// live still decodes successfully (the data remains in the log) but its
// use against a stale index entry is the caller's bug to avoid.
func (l *Log) GetRecordByOpID(ctx context.Context, txn kv.Txn, opID uint64) (schema.Record, error) {
	op, err := l.GetOperation(ctx, txn, opID)
	if err != nil {
		return schema.Record{}, err
	}
	if op.Kind != schema.OperationInsert {
		panic("oplog: GetRecordByOpID: operation id refers to a Delete, not an Insert")
	}
	return op.Record, nil
}

// GetOperation returns the historical operation stored at opID, live or
// not.
func (l *Log) GetOperation(ctx context.Context, txn kv.Txn, opID uint64) (schema.Operation, error) {
	raw, err := txn.Get(dbiOperations, encodeOpID(opID))
	if err != nil {
		if kv.IsNotFound(err) {
			panic(fmt.Sprintf("oplog: GetOperation: operation id %d does not exist", opID))
		}
		return schema.Operation{}, err
	}
	return decodeOperation(l.schema, raw)
}

func (l *Log) putOperation(txn kv.Txn, opID uint64, op schema.Operation) error {
	raw, err := encodeOperation(op)
	if err != nil {
		return err
	}
	return txn.Put(dbiOperations, encodeOpID(opID), raw)
}

// PresentOperationIDs returns every operation id currently live, in
// ascending order.
func (l *Log) PresentOperationIDs(ctx context.Context, txn kv.Txn) ([]uint64, error) {
	cur, err := txn.Cursor(dbiPresentOperationIDs)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var ids []uint64
	k, _, err := cur.First()
	for err == nil {
		id, decErr := decodeOpIDKey(k)
		if decErr != nil {
			return nil, decErr
		}
		ids = append(ids, id)
		k, _, err = cur.Next()
	}
	if !kv.IsNotFound(err) {
		return nil, err
	}
	return ids, nil
}

// IsPresent reports whether opID is in the live set.
func (l *Log) IsPresent(txn kv.Txn, opID uint64) (bool, error) {
	return l.present.Contains(txn, opID)
}

// CountPresent returns the number of currently live records.
func (l *Log) CountPresent(txn kv.Txn) (int, error) {
	return l.present.Count(txn)
}

// NextOperationID reads the counter's next value without advancing it
// by performing a read-only peek: used for diagnostics, not allocation.
func (l *Log) NextOperationID(txn kv.Txn) (uint64, error) {
	return l.nextOpID.Peek(txn)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
