// Package index maintains secondary indexes over a cache's operation
// log: sorted-inverted indexes over one or more fields, and full-text
// indexes over a single string/text field. Each index is its own DBI
// within the shared kv.Environment, fed by a dedicated applier goroutine
// that consumes operation-log events and is free to lag behind the
// writer — matching the "one applier thread per secondary index, lag
// tolerated" concurrency model.
package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dozerdb/cache-engine/internal/codec"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/oplog"
	"github.com/dozerdb/cache-engine/internal/query"
	"github.com/dozerdb/cache-engine/internal/schema"
)

// ErrIndex is wrapped by every index-subsystem failure.
var ErrIndex = errors.New("index: operation failed")

// Definition declares one secondary index: its kind and the schema field
// positions it covers, in key order. A full-text Definition always has
// exactly one field.
type Definition struct {
	Name   string
	Kind   query.IndexKind
	Fields []int
}

func (d Definition) dbiName() []byte { return []byte("idx_" + d.Name) }

// event is one operation-log entry fanned out to every index applier.
type event struct {
	opID uint64
	op   schema.Operation
}

// Manager owns every declared index's DBI and applier goroutine for one
// main environment.
type Manager struct {
	env   kv.Environment
	sch   *schema.Schema
	log   *oplog.Log
	defs  []Definition
	chans []chan event
	group *errgroup.Group
}

// Open registers each definition's DBI. Sorted-inverted indexes are
// DupSort (multiple records may share the same indexed-value
// combination); a single-field sorted-inverted index additionally
// installs an explicit byte-lexicographic comparator. internal/codec
// guarantees its encoding preserves value order per field and stays safe
// to concatenate as an interior field of a multi-field key, which is
// what the default comparator would already give us for a single field —
// but the registration still exercises the same custom-comparator path a
// collation-sensitive or multi-field comparator would need.
func Open(env kv.Environment, sch *schema.Schema, log *oplog.Log, defs []Definition) (*Manager, error) {
	m := &Manager{env: env, sch: sch, log: log, defs: defs}
	for _, d := range defs {
		opts := kv.DBIOptions{DupSort: true}
		if d.Kind == query.IndexSortedInverted && len(d.Fields) == 1 {
			opts.Compare = bytes.Compare
			opts.DupCompare = bytes.Compare
		}
		if err := env.CreateDBI(string(d.dbiName()), opts); err != nil {
			return nil, fmt.Errorf("%w: create dbi for %q: %s", ErrIndex, d.Name, err)
		}
	}
	return m, nil
}

// Descriptors returns the planning-relevant shape of every managed index,
// in declared order, for internal/query's planner.
func (m *Manager) Descriptors() []query.IndexDescriptor {
	out := make([]query.IndexDescriptor, len(m.defs))
	for i, d := range m.defs {
		out[i] = query.IndexDescriptor{Name: d.Name, Kind: d.Kind, Fields: d.Fields, Position: i}
	}
	return out
}

// DBIName returns the physical sub-map name for the Nth managed index, in
// Descriptors order, for internal/query's executor to scan directly.
func (m *Manager) DBIName(position int) []byte { return m.defs[position].dbiName() }

// Start launches one applier goroutine per declared index, each
// consuming its own buffered event channel independently. Returns
// immediately; call Stop to drain and join the appliers.
func (m *Manager) Start(ctx context.Context) {
	m.group, ctx = errgroup.WithContext(ctx)
	m.chans = make([]chan event, len(m.defs))
	for i, d := range m.defs {
		ch := make(chan event, 64)
		m.chans[i] = ch
		def := d
		m.group.Go(func() error { return m.runApplier(ctx, def, ch) })
	}
}

// Stop closes every applier's channel and waits for it to drain.
func (m *Manager) Stop() error {
	for _, ch := range m.chans {
		close(ch)
	}
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}

// Notify fans an operation-log entry out to every index applier. The
// engine calls it inside the write transaction that recorded the oplog
// mutation, before that transaction commits.
func (m *Manager) Notify(ctx context.Context, opID uint64, op schema.Operation) error {
	for _, ch := range m.chans {
		select {
		case ch <- event{opID: opID, op: op}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) runApplier(ctx context.Context, def Definition, ch chan event) error {
	for ev := range ch {
		if err := m.apply(ctx, def, ev); err != nil {
			return fmt.Errorf("%w: index %q: %s", ErrIndex, def.Name, err)
		}
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, def Definition, ev event) error {
	return m.env.Update(ctx, func(txn kv.Txn) error {
		switch ev.op.Kind {
		case schema.OperationInsert:
			return m.applyInsert(txn, def, ev.opID, ev.op.Record)
		case schema.OperationDelete:
			return m.applyDelete(ctx, txn, def, ev.op.DeletedOperationID)
		default:
			return fmt.Errorf("unknown operation kind %v", ev.op.Kind)
		}
	})
}

func (m *Manager) applyInsert(txn kv.Txn, def Definition, opID uint64, rec schema.Record) error {
	valBytes := encodeOpIDValue(opID)
	if def.Kind == query.IndexFullText {
		for _, tok := range tokenize(rec.Values[def.Fields[0]].String()) {
			if err := txn.PutDup(def.dbiName(), []byte(tok), valBytes); err != nil {
				return err
			}
		}
		return nil
	}
	key := sortedInvertedKey(rec, def.Fields)
	return txn.PutDup(def.dbiName(), key, valBytes)
}

func (m *Manager) applyDelete(ctx context.Context, txn kv.Txn, def Definition, deletedOpID uint64) error {
	op, err := m.log.GetOperation(ctx, txn, deletedOpID)
	if err != nil {
		return err
	}
	if op.Kind != schema.OperationInsert {
		return fmt.Errorf("deleted operation %d is not an insert", deletedOpID)
	}
	valBytes := encodeOpIDValue(deletedOpID)
	if def.Kind == query.IndexFullText {
		for _, tok := range tokenize(op.Record.Values[def.Fields[0]].String()) {
			if err := txn.DeleteDup(def.dbiName(), []byte(tok), valBytes); err != nil && !kv.IsNotFound(err) {
				return err
			}
		}
		return nil
	}
	key := sortedInvertedKey(op.Record, def.Fields)
	if err := txn.DeleteDup(def.dbiName(), key, valBytes); err != nil && !kv.IsNotFound(err) {
		return err
	}
	return nil
}

func sortedInvertedKey(rec schema.Record, fields []int) []byte {
	var key []byte
	for _, f := range fields {
		key = append(key, codec.Encode(rec.Values[f])...)
	}
	return key
}

func encodeOpIDValue(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}
