package kv

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erigontech/mdbx-go/mdbx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dozerdb/cache-engine/internal/lockfile"
)

var envTracer = otel.Tracer("github.com/dozerdb/cache-engine/internal/kv")

// Options configures an on-disk Environment.
type Options struct {
	// MaxDBIs bounds how many named sub-maps Open will register; mdbx
	// requires declaring this up front.
	MaxDBIs uint64
	// MapSize is the maximum size the memory map may grow to.
	MapSize uint64
	// ReadOnly opens the environment without acquiring the writer lock,
	// for tooling that only ever reads.
	ReadOnly bool
}

const defaultMapSize = 1 << 30 // 1 GiB, grown by mdbx's own geometry policy as needed

// mdbxEnv is the default Environment implementation.
type mdbxEnv struct {
	env  *mdbx.Env
	dir  string
	lock *lockfile.EnvironmentLock
	dbis map[string]mdbx.DBI
}

// Open creates or opens a cache version directory as an mdbx environment,
// taking the single-writer advisory lock unless opts.ReadOnly is set.
func Open(dir string, opts Options) (Environment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapStorage("mkdir", err)
	}

	var lock *lockfile.EnvironmentLock
	if !opts.ReadOnly {
		l, err := lockfile.AcquireExclusive(dir)
		if err != nil {
			return nil, fmt.Errorf("kv: open %s: %w", dir, err)
		}
		lock = l
	}

	env, err := mdbx.NewEnv()
	if err != nil {
		releaseOnErr(lock)
		return nil, wrapStorage("new env", err)
	}

	maxDBIs := opts.MaxDBIs
	if maxDBIs == 0 {
		maxDBIs = 16
	}
	if err := env.SetOption(mdbx.OptMaxDB, maxDBIs); err != nil {
		releaseOnErr(lock)
		return nil, wrapStorage("set max dbi", err)
	}

	mapSize := opts.MapSize
	if mapSize == 0 {
		mapSize = defaultMapSize
	}
	if err := env.SetGeometry(-1, -1, int(mapSize), -1, -1, -1); err != nil {
		releaseOnErr(lock)
		return nil, wrapStorage("set geometry", err)
	}

	flags := uint(0)
	if opts.ReadOnly {
		flags |= mdbx.Readonly
	}
	if err := env.Open(dir, flags, 0o644); err != nil {
		releaseOnErr(lock)
		return nil, wrapStorage("open", err)
	}

	e := &mdbxEnv{env: env, dir: dir, lock: lock, dbis: make(map[string]mdbx.DBI)}
	if !opts.ReadOnly {
		if err := e.CreateDBI(string(counterDBI), DBIOptions{}); err != nil {
			releaseOnErr(lock)
			return nil, err
		}
	}
	return e, nil
}

func releaseOnErr(lock *lockfile.EnvironmentLock) {
	if lock != nil {
		_ = lock.Release()
	}
}

func (e *mdbxEnv) CreateDBI(name string, opts DBIOptions) error {
	flags := uint(mdbx.Create)
	if opts.DupSort {
		flags |= mdbx.DupSort
	}

	var dbi mdbx.DBI
	err := e.env.Update(func(txn *mdbx.Txn) error {
		d, err := txn.OpenDBISimple(name, flags)
		if err != nil {
			return err
		}
		dbi = d
		if opts.Compare != nil {
			txn.SetCompare(dbi, wrapComparator(opts.Compare))
		}
		if opts.DupSort && opts.DupCompare != nil {
			txn.SetDupCompare(dbi, wrapComparator(opts.DupCompare))
		}
		return nil
	})
	if err != nil {
		return wrapStorage(fmt.Sprintf("create dbi %s", name), err)
	}
	e.dbis[name] = dbi
	return nil
}

func wrapComparator(cmp Comparator) mdbx.CmpFunc {
	return func(a, b []byte) int { return cmp(a, b) }
}

func (e *mdbxEnv) resolveDBI(name []byte) (mdbx.DBI, error) {
	dbi, ok := e.dbis[string(name)]
	if !ok {
		return 0, fmt.Errorf("kv: unknown sub-map %q", name)
	}
	return dbi, nil
}

func (e *mdbxEnv) Begin(ctx context.Context, writable bool) (Txn, error) {
	flags := uint(0)
	if !writable {
		flags = mdbx.Readonly
	}
	txn, err := e.env.BeginTxn(nil, flags)
	if err != nil {
		return nil, wrapStorage("begin txn", err)
	}
	return &mdbxTxn{env: e, txn: txn, writable: writable, ctx: ctx}, nil
}

// Update runs fn inside a writable transaction, retrying with exponential
// backoff (for at most 5 seconds) while mdbx reports MDBX_BUSY; any other
// error aborts immediately.
func (e *mdbxEnv) Update(ctx context.Context, fn func(Txn) error) error {
	ctx, span := envTracer.Start(ctx, "kv.Update", trace.WithAttributes(attribute.String("kv.dir", e.dir)))
	defer span.End()

	op := func() error {
		txn, err := e.Begin(ctx, true)
		if err != nil {
			if isRetryableMDBXError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := runAndFinish(txn, fn); err != nil {
			if isRetryableMDBXError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(retryPolicy(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *mdbxEnv) View(ctx context.Context, fn func(Txn) error) error {
	ctx, span := envTracer.Start(ctx, "kv.View", trace.WithAttributes(attribute.String("kv.dir", e.dir)))
	defer span.End()

	txn, err := e.Begin(ctx, false)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer txn.Abort()
	if err := fn(txn); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func runAndFinish(txn Txn, fn func(Txn) error) error {
	defer func() {
		if r := recover(); r != nil {
			txn.Abort()
			panic(r)
		}
	}()
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

func retryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	bo.InitialInterval = 2 * time.Millisecond
	return bo
}

func isRetryableMDBXError(err error) bool {
	return mdbx.IsErrno(err, mdbx.Busy)
}

func (e *mdbxEnv) Close() error {
	e.env.Close()
	if e.lock != nil {
		return e.lock.Release()
	}
	return nil
}
