package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/dozerdb/cache-engine/internal/codec"
	"github.com/dozerdb/cache-engine/internal/kv"
	"github.com/dozerdb/cache-engine/internal/schema"
)

var dbiDeadlines = []byte("eviction_deadlines")

// TTLPolicy declares how a Cache computes a record's eviction deadline:
// the timestamp field at ReferenceField plus Duration. A Cache with no
// TTLPolicy never evicts anything.
type TTLPolicy struct {
	ReferenceField int
	Duration       time.Duration
}

// ParseDeadlineDuration parses a duration declared in schema config,
// accepting either a plain Go duration literal ("2h30m") or a
// natural-language phrase ("in 2 hours", "tomorrow"), resolved relative
// to ref.
func ParseDeadlineDuration(s string, ref time.Time) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, ref)
	if err != nil {
		return 0, fmt.Errorf("cache: parse ttl duration %q: %w", s, err)
	}
	if r == nil {
		return 0, fmt.Errorf("cache: ttl duration %q matched no rule", s)
	}
	return r.Time.Sub(ref), nil
}

// WithTTL attaches policy to c, creating the deadline sub-map. Every
// subsequent Insert/Update under policy's reference field schedules an
// eviction deadline; Delete clears it.
func (c *Cache) WithTTL(env kv.Environment, policy TTLPolicy) error {
	if err := env.CreateDBI(string(dbiDeadlines), kv.DBIOptions{DupSort: true}); err != nil {
		return fmt.Errorf("cache: create eviction_deadlines: %w", err)
	}
	c.ttl = &policy
	return nil
}

func (c *Cache) deadlineOf(rec schema.Record) (time.Time, bool) {
	if c.ttl == nil {
		return time.Time{}, false
	}
	ref := rec.Values[c.ttl.ReferenceField]
	if ref.IsNull() {
		return time.Time{}, false
	}
	return ref.Time().Add(c.ttl.Duration), true
}

func encodeDeadlineKey(deadline time.Time) []byte {
	return codec.Encode(schema.TimestampValue(deadline))
}

func encodeOpIDValue(opID uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, opID)
	return b
}

func decodeOpIDValue(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func (c *Cache) scheduleDeadline(txn kv.Txn, rec schema.Record, opID uint64) error {
	deadline, ok := c.deadlineOf(rec)
	if !ok {
		return nil
	}
	return txn.PutDup(dbiDeadlines, encodeDeadlineKey(deadline), encodeOpIDValue(opID))
}

func (c *Cache) clearDeadline(txn kv.Txn, rec schema.Record, opID uint64) error {
	deadline, ok := c.deadlineOf(rec)
	if !ok {
		return nil
	}
	if err := txn.DeleteDup(dbiDeadlines, encodeDeadlineKey(deadline), encodeOpIDValue(opID)); err != nil && !kv.IsNotFound(err) {
		return err
	}
	return nil
}

// EvictExpired walks eviction_deadlines in ascending order, issuing a
// real Delete for every entry whose deadline is at or before now, and
// stops at the first deadline still in the future. Returns the number
// of records evicted.
func (c *Cache) EvictExpired(ctx context.Context, env kv.Environment, now time.Time) (int, error) {
	if c.ttl == nil {
		return 0, nil
	}
	evicted := 0
	err := env.Update(ctx, func(txn kv.Txn) error {
		cur, err := txn.Cursor(dbiDeadlines)
		if err != nil {
			return err
		}
		defer cur.Close()

		nowKey := encodeDeadlineKey(now)
		for {
			k, v, err := cur.First()
			if kv.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if k == nil || string(k) > string(nowKey) {
				return nil
			}
			opID := decodeOpIDValue(v)
			rec, err := c.Log.GetRecordByOpID(ctx, txn, opID)
			if err != nil {
				if kv.IsNotFound(err) {
					if err := txn.DeleteDup(dbiDeadlines, k, v); err != nil && !kv.IsNotFound(err) {
						return err
					}
					continue
				}
				return err
			}
			if _, _, err := c.Delete(ctx, txn, rec); err != nil {
				return err
			}
			evicted++
		}
	})
	return evicted, err
}

// RunEvictor runs EvictExpired every interval until ctx is cancelled.
// Sweep errors are non-fatal: the evictor logs nothing itself (callers
// observe failures via the returned channel) and retries on the next
// tick.
func (c *Cache) RunEvictor(ctx context.Context, env kv.Environment, interval time.Duration) <-chan error {
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := c.EvictExpired(ctx, env, now); err != nil {
					select {
					case errs <- err:
					default:
					}
				}
			}
		}
	}()
	return errs
}
