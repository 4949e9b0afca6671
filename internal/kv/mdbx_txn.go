package kv

import (
	"context"

	"github.com/erigontech/mdbx-go/mdbx"
)

type mdbxTxn struct {
	env      *mdbxEnv
	txn      *mdbx.Txn
	writable bool
	ctx      context.Context
}

func (t *mdbxTxn) Writable() bool { return t.writable }

func (t *mdbxTxn) checkCtx() error {
	if t.ctx == nil {
		return nil
	}
	return t.ctx.Err()
}

func (t *mdbxTxn) Put(dbiName, key, value []byte) error {
	dbi, err := t.env.resolveDBI(dbiName)
	if err != nil {
		return err
	}
	if err := t.txn.Put(dbi, key, value, 0); err != nil {
		return wrapStorage("put", err)
	}
	return nil
}

func (t *mdbxTxn) Get(dbiName, key []byte) ([]byte, error) {
	dbi, err := t.env.resolveDBI(dbiName)
	if err != nil {
		return nil, err
	}
	v, err := t.txn.Get(dbi, key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, wrapStorage("get", err)
	}
	return v, nil
}

func (t *mdbxTxn) Delete(dbiName, key []byte) error {
	dbi, err := t.env.resolveDBI(dbiName)
	if err != nil {
		return err
	}
	if err := t.txn.Del(dbi, key, nil); err != nil {
		if mdbx.IsNotFound(err) {
			return ErrKeyNotFound
		}
		return wrapStorage("delete", err)
	}
	return nil
}

func (t *mdbxTxn) PutDup(dbiName, key, value []byte) error {
	dbi, err := t.env.resolveDBI(dbiName)
	if err != nil {
		return err
	}
	if err := t.txn.Put(dbi, key, value, mdbx.NoDupData); err != nil {
		if mdbx.IsErrno(err, mdbx.KeyExist) {
			return nil // identical (key, value) already present: idempotent
		}
		return wrapStorage("put dup", err)
	}
	return nil
}

func (t *mdbxTxn) DeleteDup(dbiName, key, value []byte) error {
	dbi, err := t.env.resolveDBI(dbiName)
	if err != nil {
		return err
	}
	if err := t.txn.Del(dbi, key, value); err != nil {
		if mdbx.IsNotFound(err) {
			return ErrKeyNotFound
		}
		return wrapStorage("delete dup", err)
	}
	return nil
}

func (t *mdbxTxn) Cursor(dbiName []byte) (Cursor, error) {
	dbi, err := t.env.resolveDBI(dbiName)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, wrapStorage("open cursor", err)
	}
	return &mdbxCursor{cur: c}, nil
}

func (t *mdbxTxn) NextSequence(counterName []byte) (uint64, error) {
	dbi, err := t.env.resolveDBI(counterDBI)
	if err != nil {
		return 0, err
	}
	cur, errSeq := t.txn.Get(dbi, counterName)
	var next uint64
	if errSeq != nil {
		if !mdbx.IsNotFound(errSeq) {
			return 0, wrapStorage("read sequence", errSeq)
		}
		next = 0
	} else {
		next = decodeUint64(cur)
	}
	if err := t.txn.Put(dbi, counterName, encodeUint64(next+1), 0); err != nil {
		return 0, wrapStorage("write sequence", err)
	}
	return next, nil
}

func (t *mdbxTxn) PeekSequence(counterName []byte) (uint64, error) {
	dbi, err := t.env.resolveDBI(counterDBI)
	if err != nil {
		return 0, err
	}
	cur, errSeq := t.txn.Get(dbi, counterName)
	if errSeq != nil {
		if mdbx.IsNotFound(errSeq) {
			return 0, nil
		}
		return 0, wrapStorage("read sequence", errSeq)
	}
	return decodeUint64(cur), nil
}

func (t *mdbxTxn) Commit() error {
	if _, err := t.txn.Commit(); err != nil {
		return wrapStorage("commit", err)
	}
	return nil
}

func (t *mdbxTxn) Abort() {
	t.txn.Abort()
}

// counterDBI is the reserved sub-map name backing NextSequence counters in
// the mdbx Environment; Open creates it when the environment is writable.
var counterDBI = []byte("__kv_counters__")

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

type mdbxCursor struct {
	cur *mdbx.Cursor
}

func (c *mdbxCursor) First() ([]byte, []byte, error) {
	k, v, err := c.cur.Get(nil, nil, mdbx.First)
	return translate(k, v, err)
}

func (c *mdbxCursor) Last() ([]byte, []byte, error) {
	k, v, err := c.cur.Get(nil, nil, mdbx.Last)
	return translate(k, v, err)
}

func (c *mdbxCursor) Next() ([]byte, []byte, error) {
	k, v, err := c.cur.Get(nil, nil, mdbx.Next)
	return translate(k, v, err)
}

func (c *mdbxCursor) Prev() ([]byte, []byte, error) {
	k, v, err := c.cur.Get(nil, nil, mdbx.Prev)
	return translate(k, v, err)
}

func (c *mdbxCursor) Seek(key []byte) ([]byte, error) {
	_, v, err := c.cur.Get(key, nil, mdbx.Set)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, wrapStorage("cursor seek", err)
	}
	return v, nil
}

func (c *mdbxCursor) SeekRange(key []byte) ([]byte, []byte, error) {
	k, v, err := c.cur.Get(key, nil, mdbx.SetRange)
	return translate(k, v, err)
}

func (c *mdbxCursor) Close() {
	c.cur.Close()
}

func translate(k, v []byte, err error) ([]byte, []byte, error) {
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, ErrKeyNotFound
		}
		return nil, nil, wrapStorage("cursor step", err)
	}
	return k, v, nil
}
