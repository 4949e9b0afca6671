package query

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dozerdb/cache-engine/internal/codec"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/oplog"
	"github.com/dozerdb/cache-engine/internal/schema"
)

// Row is one hydrated result: a live record and the stable id it was
// inserted under.
type Row struct {
	ID     uint64
	Record schema.Record
}

// Executor runs a Plan against a transaction's index sub-map and the
// operation log that owns the records it points at.
type Executor struct {
	Schema *schema.Schema
	Log    *oplog.Log
}

// Run walks plan's chosen index within txn, hydrating at most limit live
// rows after skipping the first skip matches, applying plan.Residual to
// each hydrated record. ctx is checked between cursor steps so a caller
// can cancel a long scan.
func (e Executor) Run(ctx context.Context, txn kv.Txn, dbi []byte, plan Plan, skip, limit int) ([]Row, error) {
	entries, err := e.scan(ctx, txn, dbi, plan)
	if err != nil {
		return nil, err
	}
	if plan.Descending {
		reverseEntries(entries)
	}

	var rows []Row
	skipped := 0
	for _, ent := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		opID := decodeEntryOpID(ent.value)
		present, err := e.Log.IsPresent(txn, opID)
		if err != nil {
			return nil, err
		}
		if !present {
			continue
		}
		rec, err := e.Log.GetRecordByOpID(ctx, txn, opID)
		if err != nil {
			return nil, err
		}
		if !Matches(e.Schema, plan.Residual, rec) {
			continue
		}
		if skipped < skip {
			skipped++
			continue
		}
		rows = append(rows, Row{ID: idOfOp(ctx, txn, e.Log, opID), Record: rec})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// Count runs plan for its cardinality only. When plan.Residual has no
// terms the count is a pure cursor walk with present-set checks and no
// record hydration, per the documented short-circuit.
func (e Executor) Count(ctx context.Context, txn kv.Txn, dbi []byte, plan Plan) (int, error) {
	entries, err := e.scan(ctx, txn, dbi, plan)
	if err != nil {
		return 0, err
	}

	residualIsEmpty := len(plan.Residual.Terms()) == 0
	n := 0
	for _, ent := range entries {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		opID := decodeEntryOpID(ent.value)
		present, err := e.Log.IsPresent(txn, opID)
		if err != nil {
			return 0, err
		}
		if !present {
			continue
		}
		if residualIsEmpty {
			n++
			continue
		}
		rec, err := e.Log.GetRecordByOpID(ctx, txn, opID)
		if err != nil {
			return 0, err
		}
		if Matches(e.Schema, plan.Residual, rec) {
			n++
		}
	}
	return n, nil
}

type kvEntry struct {
	key   []byte
	value []byte
}

// scan walks the cursor for plan's chosen index in ascending key order,
// collecting every entry within the computed bounds. Descending plans
// are realized by reversing the collected slice: the bound computation
// stays identical for both directions, and the sub-range an equality
// prefix plus one range filter admits is always small relative to the
// whole index, so the buffering cost is acceptable in exchange for a
// single, unambiguous bound-construction path.
func (e Executor) scan(ctx context.Context, txn kv.Txn, dbi []byte, plan Plan) ([]kvEntry, error) {
	cur, err := txn.Cursor(dbi)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	switch plan.Kind {
	case ScanFullText:
		// Full-text tokens are opaque text, not typed schema field values,
		// so they're stored and probed as raw bytes rather than through
		// codec's order-preserving, type-tagged encoding (see
		// internal/index's full-text applier).
		return scanExactKey(ctx, cur, []byte(plan.ContainsTok.Value().String()))
	case ScanSortedInverted:
		lower, lowerIncl, upper, upperIncl := e.sortedInvertedBounds(plan)
		return scanRange(ctx, cur, lower, lowerIncl, upper, upperIncl)
	default:
		return nil, fmt.Errorf("query: unknown scan kind %v", plan.Kind)
	}
}

// sortedInvertedBounds builds the ascending-order [lower, upper] byte
// bounds for plan, implementing the base/null_base key-construction
// table: an equality-only scan is exact-match on base, an equality
// prefix plus a range filter bounds by base‖V and null_base, and an
// equality prefix with only an ORDER BY scans base exclusive to
// base‖null inclusive.
func (e Executor) sortedInvertedBounds(plan Plan) (lower []byte, lowerIncl bool, upper []byte, upperIncl bool) {
	var base []byte
	for _, eq := range plan.EqFilters {
		base = append(base, codec.Encode(eq.Value())...)
	}

	if plan.Range == nil && len(plan.EqFilters) == len(plan.Index.Fields) {
		// Equality-only: every declared field is pinned, scan is exact.
		return base, true, base, true
	}

	scanFieldPos := plan.Index.Fields[len(plan.EqFilters)]
	fieldType := e.Schema.Fields[scanFieldPos].Type
	nullBase := append(append([]byte(nil), base...), codec.Encode(schema.Null(fieldType))...)

	if plan.Range == nil {
		// Order-by-only: base exclusive to null_base inclusive.
		return base, false, nullBase, true
	}

	boundKey := append(append([]byte(nil), base...), codec.Encode(plan.Range.Value())...)
	switch plan.Range.Op() {
	case OpLt:
		return base, true, boundKey, false
	case OpLte:
		return base, true, boundKey, true
	case OpGt:
		return boundKey, false, nullBase, false
	case OpGte:
		return boundKey, true, nullBase, false
	default:
		return base, true, nullBase, false
	}
}

func scanRange(ctx context.Context, cur kv.Cursor, lower []byte, lowerIncl bool, upper []byte, upperIncl bool) ([]kvEntry, error) {
	var out []kvEntry
	k, v, err := cur.SeekRange(lower)
	if kv.IsNotFound(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for err == nil && !lowerIncl && bytes.Equal(k, lower) {
		k, v, err = cur.Next()
	}
	for err == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cmp := bytes.Compare(k, upper)
		if cmp > 0 || (cmp == 0 && !upperIncl) {
			break
		}
		out = append(out, kvEntry{key: append([]byte(nil), k...), value: append([]byte(nil), v...)})
		k, v, err = cur.Next()
	}
	if err != nil && !kv.IsNotFound(err) {
		return nil, err
	}
	return out, nil
}

func scanExactKey(ctx context.Context, cur kv.Cursor, key []byte) ([]kvEntry, error) {
	var out []kvEntry
	k, v, err := cur.SeekRange(key)
	for err == nil && bytes.Equal(k, key) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out = append(out, kvEntry{key: append([]byte(nil), k...), value: append([]byte(nil), v...)})
		k, v, err = cur.Next()
	}
	if err != nil && !kv.IsNotFound(err) {
		return nil, err
	}
	return out, nil
}

func reverseEntries(e []kvEntry) {
	for i, j := 0, len(e)-1; i < j; i, j = i+1, j-1 {
		e[i], e[j] = e[j], e[i]
	}
}

// decodeEntryOpID reads the operation id an index entry's value encodes:
// indexes store it as a plain 8-byte big-endian integer (see
// internal/index).
func decodeEntryOpID(v []byte) uint64 {
	var id uint64
	for _, b := range v {
		id = id<<8 | uint64(b)
	}
	return id
}

// idOfOp resolves the stable record id for an insert operation id by
// reading the operation itself back out of the log. The log's own
// metadata lookup already did this work during insert; re-deriving it
// from the operation avoids executor needing the original MetadataKey,
// which indexes never carry.
func idOfOp(ctx context.Context, txn kv.Txn, log *oplog.Log, opID uint64) uint64 {
	op, err := log.GetOperation(ctx, txn, opID)
	if err != nil {
		panic(fmt.Sprintf("query: executor: operation %d vanished mid-scan: %v", opID, err))
	}
	return op.Meta.ID
}
