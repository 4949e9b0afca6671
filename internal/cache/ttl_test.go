package cache

import (
	"context"
	"testing"
	"time"

	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/schema"
)

func sessionSchema() *schema.Schema {
	return &schema.Schema{
		Name: "sessions",
		Fields: []schema.FieldDefinition{
			{Name: "id", Type: schema.FieldTypeString},
			{Name: "created_at", Type: schema.FieldTypeTimestamp},
		},
		PrimaryIndex: []int{0},
	}
}

func session(id string, createdAt time.Time) schema.Record {
	return schema.Record{Values: []schema.Value{
		schema.StringValue(id),
		schema.TimestampValue(createdAt),
	}}
}

func TestParseDeadlineDurationAcceptsPlainLiteral(t *testing.T) {
	d, err := ParseDeadlineDuration("90m", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if d != 90*time.Minute {
		t.Fatalf("got %v, want 90m", d)
	}
}

func TestParseDeadlineDurationAcceptsNaturalLanguage(t *testing.T) {
	ref := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d, err := ParseDeadlineDuration("in 2 hours", ref)
	if err != nil {
		t.Fatal(err)
	}
	if d != 2*time.Hour {
		t.Fatalf("got %v, want 2h", d)
	}
}

func TestEvictExpiredDeletesPastDeadlineOnly(t *testing.T) {
	env, c := openCache(t, sessionSchema())
	if err := c.WithTTL(env, TTLPolicy{ReferenceField: 1, Duration: time.Hour}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := env.Update(ctx, func(txn kv.Txn) error {
		if _, err := c.Insert(ctx, txn, session("expired", now.Add(-2*time.Hour))); err != nil {
			return err
		}
		if _, err := c.Insert(ctx, txn, session("fresh", now)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	n, err := c.EvictExpired(ctx, env, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}

	if err := env.View(ctx, func(txn kv.Txn) error {
		if _, _, err := c.GetByKey(ctx, txn, session("expired", time.Time{})); err == nil {
			t.Fatalf("expired session was not evicted")
		}
		if _, _, err := c.GetByKey(ctx, txn, session("fresh", time.Time{})); err != nil {
			t.Fatalf("fresh session should still be live: %v", err)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestEvictExpiredNoPolicyIsNoop(t *testing.T) {
	env, c := openCache(t, sessionSchema())
	ctx := context.Background()
	if err := env.Update(ctx, func(txn kv.Txn) error {
		_, err := c.Insert(ctx, txn, session("alpha", time.Now()))
		return err
	}); err != nil {
		t.Fatal(err)
	}
	n, err := c.EvictExpired(ctx, env, time.Now().Add(1000*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("evicted = %d, want 0 with no TTLPolicy attached", n)
	}
}
