package kv

import (
	"context"
	"testing"
)

func TestMemoryPutGetDelete(t *testing.T) {
	env := OpenMemory()
	defer env.Close()
	dbi := []byte("widgets")
	if err := env.CreateDBI(string(dbi), DBIOptions{}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := env.Update(ctx, func(txn Txn) error {
		return txn.Put(dbi, []byte("a"), []byte("1"))
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.View(ctx, func(txn Txn) error {
		v, err := txn.Get(dbi, []byte("a"))
		if err != nil {
			return err
		}
		if string(v) != "1" {
			t.Fatalf("got %q, want 1", v)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.Update(ctx, func(txn Txn) error { return txn.Delete(dbi, []byte("a")) }); err != nil {
		t.Fatal(err)
	}

	err := env.View(ctx, func(txn Txn) error {
		_, err := txn.Get(dbi, []byte("a"))
		return err
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemoryCursorOrdering(t *testing.T) {
	env := OpenMemory()
	defer env.Close()
	dbi := []byte("ordered")
	if err := env.CreateDBI(string(dbi), DBIOptions{}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	keys := []string{"c", "a", "b"}
	if err := env.Update(ctx, func(txn Txn) error {
		for _, k := range keys {
			if err := txn.Put(dbi, []byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	var got []string
	if err := env.View(ctx, func(txn Txn) error {
		cur, err := txn.Cursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()
		k, _, err := cur.First()
		for err == nil {
			got = append(got, string(k))
			k, _, err = cur.Next()
		}
		if !IsNotFound(err) {
			return err
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMemoryDupSort(t *testing.T) {
	env := OpenMemory()
	defer env.Close()
	dbi := []byte("dups")
	if err := env.CreateDBI(string(dbi), DBIOptions{DupSort: true}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := env.Update(ctx, func(txn Txn) error {
		if err := txn.PutDup(dbi, []byte("k"), []byte("v2")); err != nil {
			return err
		}
		if err := txn.PutDup(dbi, []byte("k"), []byte("v1")); err != nil {
			return err
		}
		return txn.PutDup(dbi, []byte("k"), []byte("v2")) // duplicate insert, idempotent
	}); err != nil {
		t.Fatal(err)
	}

	var values []string
	if err := env.View(ctx, func(txn Txn) error {
		cur, err := txn.Cursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()
		_, v, err := cur.First()
		for err == nil {
			values = append(values, string(v))
			_, v, err = cur.Next()
		}
		if !IsNotFound(err) {
			return err
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(values) != 2 || values[0] != "v1" || values[1] != "v2" {
		t.Fatalf("got %v, want sorted [v1 v2] with no duplicate", values)
	}
}

func TestMemoryNextSequence(t *testing.T) {
	env := OpenMemory()
	defer env.Close()
	ctx := context.Background()

	var seqs []uint64
	for i := 0; i < 3; i++ {
		if err := env.Update(ctx, func(txn Txn) error {
			v, err := txn.NextSequence([]byte("counter"))
			if err != nil {
				return err
			}
			seqs = append(seqs, v)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	want := []uint64{0, 1, 2}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("got %v, want %v", seqs, want)
		}
	}
}

func TestMemorySeekRange(t *testing.T) {
	env := OpenMemory()
	defer env.Close()
	dbi := []byte("range")
	if err := env.CreateDBI(string(dbi), DBIOptions{}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := env.Update(ctx, func(txn Txn) error {
		for _, k := range []string{"10", "20", "30"} {
			if err := txn.Put(dbi, []byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.View(ctx, func(txn Txn) error {
		cur, err := txn.Cursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()
		k, _, err := cur.SeekRange([]byte("15"))
		if err != nil {
			return err
		}
		if string(k) != "20" {
			t.Fatalf("SeekRange(15) landed on %q, want 20", k)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
