package query

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/dozerdb/cache-engine/internal/codec"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/oplog"
	"github.com/dozerdb/cache-engine/internal/schema"
)

func widgetSchema() *schema.Schema {
	return &schema.Schema{
		Name: "widgets",
		Fields: []schema.FieldDefinition{
			{Name: "name", Type: schema.FieldTypeString},
			{Name: "score", Type: schema.FieldTypeInt64},
		},
		PrimaryIndex: []int{0, 1},
	}
}

// testFixture wires an in-memory environment, an operation log, and a
// single hand-populated sorted-inverted index over (name, score) — the
// same dbi shape internal/index builds, constructed directly here so the
// planner/executor can be exercised without depending on that package.
type testFixture struct {
	env   kv.Environment
	log   *oplog.Log
	index IndexDescriptor
	dbi   []byte
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	env := kv.OpenMemory()
	t.Cleanup(func() { env.Close() })
	sch := widgetSchema()
	l, err := oplog.Open(env, sch, false)
	if err != nil {
		t.Fatal(err)
	}
	dbi := []byte("idx_name_score")
	if err := env.CreateDBI(string(dbi), kv.DBIOptions{}); err != nil {
		t.Fatal(err)
	}
	return &testFixture{
		env: env,
		log: l,
		dbi: dbi,
		index: IndexDescriptor{
			Name: "name_score", Kind: IndexSortedInverted, Fields: []int{0, 1}, Position: 0,
		},
	}
}

func (f *testFixture) insert(t *testing.T, name string, score int64) uint64 {
	t.Helper()
	ctx := context.Background()
	rec := schema.Record{Values: []schema.Value{schema.StringValue(name), schema.IntValue(schema.FieldTypeInt64, score)}}
	var opID uint64
	if err := f.env.Update(ctx, func(txn kv.Txn) error {
		key := append(codec.Encode(schema.StringValue(name)), codec.Encode(schema.IntValue(schema.FieldTypeInt64, score))...)
		meta, err := f.log.InsertNew(ctx, txn, oplog.MetadataKey{Kind: oplog.MetadataKeyPrimary, Bytes: key}, rec)
		if err != nil {
			return err
		}
		opID = *meta.InsertOperationID
		return txn.Put(f.dbi, key, encodeOpIDValue(opID))
	}); err != nil {
		t.Fatal(err)
	}
	return opID
}

func encodeOpIDValue(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func (f *testFixture) names(t *testing.T, plan Plan, skip, limit int) []string {
	t.Helper()
	exec := Executor{Schema: widgetSchema(), Log: f.log}
	var rows []Row
	if err := f.env.View(context.Background(), func(txn kv.Txn) error {
		r, err := exec.Run(context.Background(), txn, f.dbi, plan, skip, limit)
		rows = r
		return err
	}); err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Record.Values[0].String()
	}
	return out
}

func TestPlanEqualityOnlyPicksIndex(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "alpha", 1)

	filter := Simple("name", OpEq, schema.StringValue("alpha"))
	bound, err := bind(widgetSchema(), filter)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := (Planner{}).Plan([]IndexDescriptor{f.index}, bound, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != ScanSortedInverted || len(plan.EqFilters) != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestPlanRejectsCrossFieldRange(t *testing.T) {
	sch := widgetSchema()
	f1 := Simple("name", OpGt, schema.StringValue("a"))
	f2 := Simple("score", OpLt, schema.IntValue(schema.FieldTypeInt64, 10))
	filter := And([]Filter{f1, f2})
	bound, err := bind(sch, filter)
	if err != nil {
		t.Fatal(err)
	}
	idx := IndexDescriptor{Name: "name_only", Kind: IndexSortedInverted, Fields: []int{0}, Position: 0}
	if _, err := (Planner{}).Plan([]IndexDescriptor{idx}, bound, nil); err == nil {
		t.Fatal("expected an error for range filters on two different fields")
	}
}

func TestExecutorEqualityPrefixWithRangeAscending(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "alpha", 1)
	f.insert(t, "alpha", 2)
	f.insert(t, "alpha", 3)
	f.insert(t, "beta", 1)

	eq := Simple("name", OpEq, schema.StringValue("alpha"))
	rng := Simple("score", OpGte, schema.IntValue(schema.FieldTypeInt64, 2))
	filter := And([]Filter{eq, rng})
	bound, err := bind(widgetSchema(), filter)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := (Planner{}).Plan([]IndexDescriptor{f.index}, bound, nil)
	if err != nil {
		t.Fatal(err)
	}

	exec := Executor{Schema: widgetSchema(), Log: f.log}
	var rows []Row
	if err := f.env.View(context.Background(), func(txn kv.Txn) error {
		var err error
		rows, err = exec.Run(context.Background(), txn, f.dbi, plan, 0, 50)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (scores 2 and 3)", len(rows))
	}
	if rows[0].Record.Values[1].Int() != 2 || rows[1].Record.Values[1].Int() != 3 {
		t.Fatalf("got scores %v, %v; want ascending 2, 3", rows[0].Record.Values[1].Int(), rows[1].Record.Values[1].Int())
	}
}

func TestExecutorDescendingReversesOrder(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "alpha", 1)
	f.insert(t, "alpha", 2)
	f.insert(t, "alpha", 3)

	eq := Simple("name", OpEq, schema.StringValue("alpha"))
	bound, err := bind(widgetSchema(), eq)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := (Planner{}).Plan([]IndexDescriptor{f.index}, bound, []OrderTerm{{Field: "score", FieldIndex: 1, Descending: true}})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Range != nil {
		t.Fatalf("expected order-by-only plan with no range term, got %+v", plan.Range)
	}

	exec := Executor{Schema: widgetSchema(), Log: f.log}
	var rows []Row
	if err := f.env.View(context.Background(), func(txn kv.Txn) error {
		var err error
		rows, err = exec.Run(context.Background(), txn, f.dbi, plan, 0, 50)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0].Record.Values[1].Int() != 3 || rows[2].Record.Values[1].Int() != 1 {
		t.Fatalf("descending scores = %v, %v, %v; want 3, 2, 1",
			rows[0].Record.Values[1].Int(), rows[1].Record.Values[1].Int(), rows[2].Record.Values[1].Int())
	}
}

func TestParseExpressionsExplodesTopLevelOr(t *testing.T) {
	exprs, err := ParseExpressions(widgetSchema(), `name=alpha OR name=beta`, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(exprs) != 2 {
		t.Fatalf("got %d expressions, want 2", len(exprs))
	}
	if exprs[0].Limit != DefaultLimit {
		t.Fatalf("limit = %d, want default %d", exprs[0].Limit, DefaultLimit)
	}
}

func TestParseExpressionsRejectsNestedOr(t *testing.T) {
	_, err := ParseExpressions(widgetSchema(), `name=alpha AND (score=1 OR score=2)`, nil, 0, 0)
	if err == nil {
		t.Fatal("expected nested OR to be rejected")
	}
}

func TestParseExpressionsRejectsUnknownField(t *testing.T) {
	_, err := ParseExpressions(widgetSchema(), `nope=1`, nil, 0, 0)
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestMatchesEvaluatesResidualFilter(t *testing.T) {
	sch := widgetSchema()
	rec := schema.Record{Values: []schema.Value{schema.StringValue("gamma"), schema.IntValue(schema.FieldTypeInt64, 5)}}
	f, err := bind(sch, Simple("score", OpGt, schema.IntValue(schema.FieldTypeInt64, 3)))
	if err != nil {
		t.Fatal(err)
	}
	if !Matches(sch, f, rec) {
		t.Fatal("expected score=5 to match score>3")
	}
	f2, err := bind(sch, Simple("score", OpLt, schema.IntValue(schema.FieldTypeInt64, 3)))
	if err != nil {
		t.Fatal(err)
	}
	if Matches(sch, f2, rec) {
		t.Fatal("expected score=5 to not match score<3")
	}
}
