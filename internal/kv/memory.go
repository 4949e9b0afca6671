package kv

import (
	"context"
	"sort"
	"sync"
)

// OpenMemory returns a pure-Go, map-backed Environment implementing the
// same ordering and dupsort semantics as the mdbx-backed Environment,
// without touching disk or cgo. It exists for unit tests of packages
// layered on top of kv (oplog, cache, index, query) that want to exercise
// real B-tree-like ordering semantics without an mdbx dependency in the
// test binary.
func OpenMemory() Environment {
	return &memEnv{
		maps: make(map[string]*memDBI),
		seqs: make(map[string]uint64),
	}
}

type memDBI struct {
	dupSort    bool
	compare    Comparator
	dupCompare Comparator
	// entries maps a key to its sorted list of values (len 1 unless DupSort).
	entries map[string][][]byte
	order    []string // keys, kept sorted by compare
}

type memEnv struct {
	mu   sync.Mutex
	maps map[string]*memDBI
	seqs map[string]uint64
}

func (e *memEnv) CreateDBI(name string, opts DBIOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.maps[name]; ok {
		return nil
	}
	e.maps[name] = &memDBI{
		dupSort:    opts.DupSort,
		compare:    opts.Compare,
		dupCompare: opts.DupCompare,
		entries:    make(map[string][][]byte),
	}
	return nil
}

func (e *memEnv) Begin(ctx context.Context, writable bool) (Txn, error) {
	if writable {
		e.mu.Lock()
	}
	return &memTxn{env: e, writable: writable, ctx: ctx}, nil
}

func (e *memEnv) Update(ctx context.Context, fn func(Txn) error) error {
	txn, err := e.Begin(ctx, true)
	if err != nil {
		return err
	}
	return runAndFinish(txn, fn)
}

func (e *memEnv) View(ctx context.Context, fn func(Txn) error) error {
	txn, err := e.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

func (e *memEnv) Close() error { return nil }

func (d *memDBI) less(a, b string) bool {
	if d.compare != nil {
		return d.compare([]byte(a), []byte(b)) < 0
	}
	return a < b
}

func (d *memDBI) insertKey(key string) {
	i := sort.Search(len(d.order), func(i int) bool { return !d.less(d.order[i], key) })
	if i < len(d.order) && d.order[i] == key {
		return
	}
	d.order = append(d.order, "")
	copy(d.order[i+1:], d.order[i:])
	d.order[i] = key
}

func (d *memDBI) removeKey(key string) {
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

type memTxn struct {
	env      *memEnv
	writable bool
	ctx      context.Context
	done     bool
}

func (t *memTxn) Writable() bool { return t.writable }

func (t *memTxn) dbi(name []byte) (*memDBI, error) {
	d, ok := t.env.maps[string(name)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return d, nil
}

func (t *memTxn) Put(dbiName, key, value []byte) error {
	d, err := t.dbi(dbiName)
	if err != nil {
		return err
	}
	k := string(key)
	if _, exists := d.entries[k]; !exists {
		d.insertKey(k)
	}
	v := append([]byte(nil), value...)
	d.entries[k] = [][]byte{v}
	return nil
}

func (t *memTxn) Get(dbiName, key []byte) ([]byte, error) {
	d, err := t.dbi(dbiName)
	if err != nil {
		return nil, err
	}
	vs, ok := d.entries[string(key)]
	if !ok || len(vs) == 0 {
		return nil, ErrKeyNotFound
	}
	return vs[0], nil
}

func (t *memTxn) Delete(dbiName, key []byte) error {
	d, err := t.dbi(dbiName)
	if err != nil {
		return err
	}
	k := string(key)
	if _, ok := d.entries[k]; !ok {
		return ErrKeyNotFound
	}
	delete(d.entries, k)
	d.removeKey(k)
	return nil
}

func (t *memTxn) PutDup(dbiName, key, value []byte) error {
	d, err := t.dbi(dbiName)
	if err != nil {
		return err
	}
	k := string(key)
	if _, exists := d.entries[k]; !exists {
		d.insertKey(k)
	}
	v := append([]byte(nil), value...)
	vs := d.entries[k]
	less := func(a, b []byte) bool {
		if d.dupCompare != nil {
			return d.dupCompare(a, b) < 0
		}
		return string(a) < string(b)
	}
	i := sort.Search(len(vs), func(i int) bool { return !less(vs[i], v) })
	if i < len(vs) && string(vs[i]) == string(v) {
		return nil
	}
	vs = append(vs, nil)
	copy(vs[i+1:], vs[i:])
	vs[i] = v
	d.entries[k] = vs
	return nil
}

func (t *memTxn) DeleteDup(dbiName, key, value []byte) error {
	d, err := t.dbi(dbiName)
	if err != nil {
		return err
	}
	k := string(key)
	vs, ok := d.entries[k]
	if !ok {
		return ErrKeyNotFound
	}
	for i, v := range vs {
		if string(v) == string(value) {
			vs = append(vs[:i], vs[i+1:]...)
			if len(vs) == 0 {
				delete(d.entries, k)
				d.removeKey(k)
			} else {
				d.entries[k] = vs
			}
			return nil
		}
	}
	return ErrKeyNotFound
}

func (t *memTxn) Cursor(dbiName []byte) (Cursor, error) {
	d, err := t.dbi(dbiName)
	if err != nil {
		return nil, err
	}
	return &memCursor{d: d, pos: -1}, nil
}

func (t *memTxn) NextSequence(counter []byte) (uint64, error) {
	k := string(counter)
	v := t.env.seqs[k]
	t.env.seqs[k] = v + 1
	return v, nil
}

func (t *memTxn) PeekSequence(counter []byte) (uint64, error) {
	return t.env.seqs[string(counter)], nil
}

func (t *memTxn) Commit() error {
	if t.writable && !t.done {
		t.env.mu.Unlock()
		t.done = true
	}
	return nil
}

func (t *memTxn) Abort() {
	if t.writable && !t.done {
		t.env.mu.Unlock()
		t.done = true
	}
}

type memCursor struct {
	d   *memDBI
	pos int // index into d.order
	dup int // index into current key's dup values
}

func (c *memCursor) at() ([]byte, []byte, error) {
	if c.pos < 0 || c.pos >= len(c.d.order) {
		return nil, nil, ErrKeyNotFound
	}
	key := c.d.order[c.pos]
	vs := c.d.entries[key]
	if c.dup < 0 || c.dup >= len(vs) {
		return nil, nil, ErrKeyNotFound
	}
	return []byte(key), vs[c.dup], nil
}

func (c *memCursor) First() ([]byte, []byte, error) {
	c.pos, c.dup = 0, 0
	return c.at()
}

func (c *memCursor) Last() ([]byte, []byte, error) {
	c.pos = len(c.d.order) - 1
	if c.pos >= 0 {
		c.dup = len(c.d.entries[c.d.order[c.pos]]) - 1
	}
	return c.at()
}

func (c *memCursor) Next() ([]byte, []byte, error) {
	if c.pos < 0 || c.pos >= len(c.d.order) {
		return nil, nil, ErrKeyNotFound
	}
	key := c.d.order[c.pos]
	if c.dup+1 < len(c.d.entries[key]) {
		c.dup++
		return c.at()
	}
	c.pos++
	c.dup = 0
	return c.at()
}

func (c *memCursor) Prev() ([]byte, []byte, error) {
	if c.pos < 0 {
		return nil, nil, ErrKeyNotFound
	}
	if c.dup > 0 {
		c.dup--
		return c.at()
	}
	c.pos--
	if c.pos >= 0 {
		c.dup = len(c.d.entries[c.d.order[c.pos]]) - 1
	}
	return c.at()
}

func (c *memCursor) Seek(key []byte) ([]byte, error) {
	for i, k := range c.d.order {
		if k == string(key) {
			c.pos, c.dup = i, 0
			_, v, err := c.at()
			return v, err
		}
	}
	return nil, ErrKeyNotFound
}

func (c *memCursor) SeekRange(key []byte) ([]byte, []byte, error) {
	target := string(key)
	for i, k := range c.d.order {
		if !c.d.less(k, target) {
			c.pos, c.dup = i, 0
			return c.at()
		}
	}
	c.pos = len(c.d.order)
	return nil, nil, ErrKeyNotFound
}

func (c *memCursor) Close() {}
