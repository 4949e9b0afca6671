package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/schema"
)

func widgetSchema() *schema.Schema {
	return &schema.Schema{
		Name: "widgets",
		Fields: []schema.FieldDefinition{
			{Name: "name", Type: schema.FieldTypeString},
			{Name: "count", Type: schema.FieldTypeInt64},
		},
		PrimaryIndex: []int{0},
	}
}

func hashSchema() *schema.Schema {
	return &schema.Schema{
		Name: "events",
		Fields: []schema.FieldDefinition{
			{Name: "payload", Type: schema.FieldTypeString},
		},
	}
}

func widget(name string, count int64) schema.Record {
	return schema.Record{Values: []schema.Value{schema.StringValue(name), schema.IntValue(schema.FieldTypeInt64, count)}}
}

func openCache(t *testing.T, sch *schema.Schema) (kv.Environment, *Cache) {
	t.Helper()
	env := kv.OpenMemory()
	t.Cleanup(func() { env.Close() })
	c, err := Open(env, sch, false)
	if err != nil {
		t.Fatal(err)
	}
	return env, c
}

func TestInsertThenGetByKey(t *testing.T) {
	env, c := openCache(t, widgetSchema())
	ctx := context.Background()
	if err := env.Update(ctx, func(txn kv.Txn) error {
		meta, err := c.Insert(ctx, txn, widget("alpha", 1))
		if err != nil {
			return err
		}
		if meta.Version != 1 {
			t.Fatalf("version = %d, want 1", meta.Version)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.View(ctx, func(txn kv.Txn) error {
		rec, meta, err := c.GetByKey(ctx, txn, widget("alpha", 0))
		if err != nil {
			return err
		}
		if rec.Values[1].Int() != 1 || meta.Version != 1 {
			t.Fatalf("got record %+v meta %+v", rec, meta)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestInsertOverLiveReturnsPrimaryKeyExists(t *testing.T) {
	env, c := openCache(t, widgetSchema())
	ctx := context.Background()
	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, err := c.Insert(ctx, txn, widget("alpha", 1))
		return err
	}); err != nil {
		t.Fatal(err)
	}
	err := env.Update(ctx, func(txn kv.Txn) error {
		_, err := c.Insert(ctx, txn, widget("alpha", 2))
		return err
	})
	if !errors.Is(err, ErrPrimaryKeyExists) {
		t.Fatalf("got %v, want ErrPrimaryKeyExists", err)
	}
}

func TestDeleteThenReinsertReusesIDAndBumpsVersion(t *testing.T) {
	env, c := openCache(t, widgetSchema())
	ctx := context.Background()
	var firstID uint64
	if err := env.Update(ctx, func(txn kv.Txn) error {
		meta, err := c.Insert(ctx, txn, widget("alpha", 1))
		firstID = meta.ID
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, _, err := c.Delete(ctx, txn, widget("alpha", 1))
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Update(ctx, func(txn kv.Txn) error {
		meta, err := c.Insert(ctx, txn, widget("alpha", 9))
		if err != nil {
			return err
		}
		if meta.ID != firstID {
			t.Fatalf("id = %d, want reused %d", meta.ID, firstID)
		}
		if meta.Version != 2 {
			t.Fatalf("version = %d, want 2", meta.Version)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateNotFoundReturnsPrimaryKeyNotFound(t *testing.T) {
	env, c := openCache(t, widgetSchema())
	ctx := context.Background()
	err := env.Update(ctx, func(txn kv.Txn) error {
		_, _, err := c.Update(ctx, txn, widget("ghost", 1))
		return err
	})
	if !errors.Is(err, ErrPrimaryKeyNotFound) {
		t.Fatalf("got %v, want ErrPrimaryKeyNotFound", err)
	}
}

func TestUpdateBumpsVersionAndPreservesID(t *testing.T) {
	env, c := openCache(t, widgetSchema())
	ctx := context.Background()
	var id uint64
	if err := env.Update(ctx, func(txn kv.Txn) error {
		meta, err := c.Insert(ctx, txn, widget("alpha", 1))
		id = meta.ID
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Update(ctx, func(txn kv.Txn) error {
		oldV, newV, err := c.Update(ctx, txn, widget("alpha", 42))
		if err != nil {
			return err
		}
		if oldV != 1 || newV != 2 {
			t.Fatalf("versions = %d -> %d, want 1 -> 2", oldV, newV)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.View(ctx, func(txn kv.Txn) error {
		rec, meta, err := c.GetByKey(ctx, txn, widget("alpha", 0))
		if err != nil {
			return err
		}
		if meta.ID != id || rec.Values[1].Int() != 42 {
			t.Fatalf("got record %+v meta %+v", rec, meta)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestHashModeSchemaDedupesByWholeRecord(t *testing.T) {
	env, c := openCache(t, hashSchema())
	ctx := context.Background()
	rec := schema.Record{Values: []schema.Value{schema.StringValue("hello")}}
	var firstID uint64
	if err := env.Update(ctx, func(txn kv.Txn) error {
		meta, err := c.Insert(ctx, txn, rec)
		firstID = meta.ID
		return err
	}); err != nil {
		t.Fatal(err)
	}
	err := env.Update(ctx, func(txn kv.Txn) error {
		_, err := c.Insert(ctx, txn, rec)
		return err
	})
	if !errors.Is(err, ErrPrimaryKeyExists) {
		t.Fatalf("got %v, want ErrPrimaryKeyExists on identical re-insert", err)
	}
	_ = firstID
}

func TestCountPresentTracksLiveRecords(t *testing.T) {
	env, c := openCache(t, widgetSchema())
	ctx := context.Background()
	if err := env.Update(ctx, func(txn kv.Txn) error {
		if _, err := c.Insert(ctx, txn, widget("alpha", 1)); err != nil {
			return err
		}
		if _, err := c.Insert(ctx, txn, widget("beta", 2)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.View(ctx, func(txn kv.Txn) error {
		n, err := c.CountPresent(txn)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Fatalf("count = %d, want 2", n)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, _, err := c.Delete(ctx, txn, widget("alpha", 1))
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.View(ctx, func(txn kv.Txn) error {
		n, err := c.CountPresent(txn)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("count = %d, want 1 after delete", n)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
