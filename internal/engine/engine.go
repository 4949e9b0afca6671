// Package engine composes the main environment (internal/cache) with its
// secondary indexes (internal/index) and the query planner/executor
// (internal/query) into the single cohesive contract a caller opening a
// named cache actually uses: mutate through one entry point that keeps
// the indexes in sync, then query through the same schema's field names.
package engine

import (
	"context"
	"fmt"

	"github.com/dozerdb/cache-engine/internal/cache"
	"github.com/dozerdb/cache-engine/internal/index"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/query"
	"github.com/dozerdb/cache-engine/internal/schema"
)

// Engine is a cache plus the secondary indexes declared over it.
type Engine struct {
	Cache *cache.Cache
	Index *index.Manager
}

// Open builds the main environment and every declared index's DBI within
// env. Call Start before any mutation reaches the indexes.
func Open(env kv.Environment, sch *schema.Schema, defs []index.Definition, appendOnly bool) (*Engine, error) {
	c, err := cache.Open(env, sch, appendOnly)
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(env, sch, c.Log, defs)
	if err != nil {
		return nil, err
	}
	return &Engine{Cache: c, Index: idx}, nil
}

// Start launches the index appliers.
func (e *Engine) Start(ctx context.Context) { e.Index.Start(ctx) }

// Stop drains and joins the index appliers.
func (e *Engine) Stop() error { return e.Index.Stop() }

// Insert inserts rec and notifies every index of the new operation.
func (e *Engine) Insert(ctx context.Context, txn kv.Txn, rec schema.Record) (schema.RecordMeta, error) {
	meta, err := e.Cache.Insert(ctx, txn, rec)
	if err != nil {
		return schema.RecordMeta{}, err
	}
	op := schema.Operation{Kind: schema.OperationInsert, Meta: meta, Record: rec}
	if err := e.Index.Notify(ctx, *meta.InsertOperationID, op); err != nil {
		return schema.RecordMeta{}, err
	}
	return meta, nil
}

// Update replaces the live record newRec's key resolves to, notifying
// every index of the superseded operation's deletion and the
// replacement's insertion — mirroring the log's own internal
// delete-then-insert bookkeeping for an update.
func (e *Engine) Update(ctx context.Context, txn kv.Txn, newRec schema.Record) (oldVersion, newVersion uint32, err error) {
	_, oldMeta, err := e.Cache.GetByKey(ctx, txn, newRec)
	if err != nil {
		return 0, 0, err
	}
	oldOpID := *oldMeta.InsertOperationID

	oldVersion, newVersion, err = e.Cache.Update(ctx, txn, newRec)
	if err != nil {
		return 0, 0, err
	}

	_, newMeta, err := e.Cache.GetByKey(ctx, txn, newRec)
	if err != nil {
		return 0, 0, err
	}

	delOp := schema.Operation{Kind: schema.OperationDelete, DeletedOperationID: oldOpID}
	if err := e.Index.Notify(ctx, oldOpID, delOp); err != nil {
		return 0, 0, err
	}
	insOp := schema.Operation{Kind: schema.OperationInsert, Meta: newMeta, Record: newRec}
	if err := e.Index.Notify(ctx, *newMeta.InsertOperationID, insOp); err != nil {
		return 0, 0, err
	}
	return oldVersion, newVersion, nil
}

// Delete removes the live record rec's key resolves to and notifies
// every index of the operation's deletion.
func (e *Engine) Delete(ctx context.Context, txn kv.Txn, rec schema.Record) (version uint32, opID uint64, err error) {
	version, opID, err = e.Cache.Delete(ctx, txn, rec)
	if err != nil {
		return 0, 0, err
	}
	op := schema.Operation{Kind: schema.OperationDelete, DeletedOperationID: opID}
	if err := e.Index.Notify(ctx, opID, op); err != nil {
		return 0, 0, err
	}
	return version, opID, nil
}

// Query parses queryString against the cache's schema, plans and
// executes each resulting expression (a query with a top-level OR plans
// and executes once per branch), and unions the hydrated rows,
// deduplicating by id.
func (e *Engine) Query(ctx context.Context, txn kv.Txn, queryString string, orderBy []query.OrderTerm, skip, limit int) ([]query.Row, error) {
	exprs, err := query.ParseExpressions(e.Cache.Schema, queryString, orderBy, skip, limit)
	if err != nil {
		return nil, err
	}

	var planner query.Planner
	executor := query.Executor{Schema: e.Cache.Schema, Log: e.Cache.Log}
	descriptors := e.Index.Descriptors()

	seen := map[uint64]bool{}
	var rows []query.Row
	for _, expr := range exprs {
		plan, err := planner.Plan(descriptors, expr.Filter, expr.OrderBy)
		if err != nil {
			return nil, fmt.Errorf("engine: query %q: %w", queryString, err)
		}
		dbi := e.Index.DBIName(plan.Index.Position)
		part, err := executor.Run(ctx, txn, dbi, plan, expr.Skip, expr.Limit)
		if err != nil {
			return nil, err
		}
		for _, r := range part {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			rows = append(rows, r)
		}
	}
	return rows, nil
}
