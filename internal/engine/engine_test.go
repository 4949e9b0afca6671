package engine

import (
	"context"
	"testing"
	"time"

	"github.com/dozerdb/cache-engine/internal/index"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/schema"
)

func widgetSchema() *schema.Schema {
	return &schema.Schema{
		Name: "widgets",
		Fields: []schema.FieldDefinition{
			{Name: "name", Type: schema.FieldTypeString},
			{Name: "description", Type: schema.FieldTypeString},
			{Name: "score", Type: schema.FieldTypeInt64},
		},
		PrimaryIndex: []int{0},
	}
}

func widget(name, description string, score int64) schema.Record {
	return schema.Record{Values: []schema.Value{
		schema.StringValue(name),
		schema.StringValue(description),
		schema.IntValue(schema.FieldTypeInt64, score),
	}}
}

func openEngine(t *testing.T) (kv.Environment, *Engine) {
	t.Helper()
	sch := widgetSchema()
	defs := index.DefaultDefinitions(sch, nil)
	env := kv.OpenMemory()
	t.Cleanup(func() { env.Close() })
	e, err := Open(env, sch, defs, false)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Stop()
	})
	return env, e
}

// waitForIndexes polls a count-returning predicate until it reports true
// or the deadline elapses, tolerating the appliers' asynchronous lag.
func waitForIndexes(t *testing.T, check func() (bool, error)) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := check()
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for index appliers to catch up")
}

func TestEngineInsertThenEqualityQuery(t *testing.T) {
	env, e := openEngine(t)
	ctx := context.Background()

	if err := env.Update(ctx, func(txn kv.Txn) error {
		if _, err := e.Insert(ctx, txn, widget("alpha", "a sturdy widget", 10)); err != nil {
			return err
		}
		if _, err := e.Insert(ctx, txn, widget("beta", "a fragile widget", 20)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	waitForIndexes(t, func() (bool, error) {
		var rows int
		err := env.View(ctx, func(txn kv.Txn) error {
			r, err := e.Query(ctx, txn, `name=alpha`, nil, 0, 0)
			rows = len(r)
			return err
		})
		return rows == 1, err
	})

	if err := env.View(ctx, func(txn kv.Txn) error {
		rows, err := e.Query(ctx, txn, `name=alpha`, nil, 0, 0)
		if err != nil {
			return err
		}
		if len(rows) != 1 || rows[0].Record.Values[2].Int() != 10 {
			t.Fatalf("got %+v, want one row for alpha with score 10", rows)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestEngineFullTextQueryMatchesToken(t *testing.T) {
	env, e := openEngine(t)
	ctx := context.Background()

	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, err := e.Insert(ctx, txn, widget("alpha", "a sturdy widget", 10))
		return err
	}); err != nil {
		t.Fatal(err)
	}

	waitForIndexes(t, func() (bool, error) {
		var rows int
		err := env.View(ctx, func(txn kv.Txn) error {
			r, err := e.Query(ctx, txn, `description~sturdy`, nil, 0, 0)
			rows = len(r)
			return err
		})
		return rows == 1, err
	})
}

func TestEngineDeleteRemovesFromIndex(t *testing.T) {
	env, e := openEngine(t)
	ctx := context.Background()

	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, err := e.Insert(ctx, txn, widget("alpha", "a sturdy widget", 10))
		return err
	}); err != nil {
		t.Fatal(err)
	}
	waitForIndexes(t, func() (bool, error) {
		var rows int
		err := env.View(ctx, func(txn kv.Txn) error {
			r, err := e.Query(ctx, txn, `name=alpha`, nil, 0, 0)
			rows = len(r)
			return err
		})
		return rows == 1, err
	})

	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, _, err := e.Delete(ctx, txn, widget("alpha", "", 0))
		return err
	}); err != nil {
		t.Fatal(err)
	}

	waitForIndexes(t, func() (bool, error) {
		var rows int
		err := env.View(ctx, func(txn kv.Txn) error {
			r, err := e.Query(ctx, txn, `name=alpha`, nil, 0, 0)
			rows = len(r)
			return err
		})
		return rows == 0, err
	})
}

func TestEngineUpdateKeepsIndexCurrent(t *testing.T) {
	env, e := openEngine(t)
	ctx := context.Background()

	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, err := e.Insert(ctx, txn, widget("alpha", "a sturdy widget", 10))
		return err
	}); err != nil {
		t.Fatal(err)
	}
	waitForIndexes(t, func() (bool, error) {
		var rows int
		err := env.View(ctx, func(txn kv.Txn) error {
			r, err := e.Query(ctx, txn, `score=10`, nil, 0, 0)
			rows = len(r)
			return err
		})
		return rows == 1, err
	})

	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, _, err := e.Update(ctx, txn, widget("alpha", "a sturdy widget", 99))
		return err
	}); err != nil {
		t.Fatal(err)
	}

	waitForIndexes(t, func() (bool, error) {
		var oldRows, newRows int
		err := env.View(ctx, func(txn kv.Txn) error {
			r, err := e.Query(ctx, txn, `score=10`, nil, 0, 0)
			if err != nil {
				return err
			}
			oldRows = len(r)
			r2, err := e.Query(ctx, txn, `score=99`, nil, 0, 0)
			if err != nil {
				return err
			}
			newRows = len(r2)
			return nil
		})
		return oldRows == 0 && newRows == 1, err
	})
}
