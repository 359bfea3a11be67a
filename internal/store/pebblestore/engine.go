// Package pebblestore is the embedded backend built on pebble. One Engine
// owns the database directory and serves every table store as well as the
// read-modify-write updater behind counters and sets.
package pebblestore

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/storage/diskmanager"
	"github.com/aykutalparslan/ferrite/internal/storage/keyenc"
	"github.com/aykutalparslan/ferrite/internal/store"
)

const (
	Backend = "pebble"

	lockStripes = 256
)

// Options configures an Engine
type Options struct {
	Dir string
	// InMemory keeps everything in a memory filesystem; Dir is ignored
	InMemory    bool
	CacheSizeMB int
	// DisableSync acknowledges writes before the WAL is synced
	DisableSync bool
	// MaxDiskUsagePercent refuses writes once the filesystem under Dir is
	// this full. Zero takes the default, negative disables the guard.
	MaxDiskUsagePercent float64
}

// Engine owns a pebble database
type Engine struct {
	db      *pebble.DB
	write   *pebble.WriteOptions
	locks   [lockStripes]sync.Mutex
	disk    *diskmanager.DiskManager
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the database, creating the directory if absent
func Open(opts Options, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	popts := &pebble.Options{}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		opts.Dir = ""
	} else {
		if opts.Dir == "" {
			return nil, ferrors.InvalidArgument("pebble directory is required", nil)
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, ferrors.Unavailable("failed to create pebble directory", err).WithDetail("dir", opts.Dir)
		}
	}
	if opts.CacheSizeMB > 0 {
		cache := pebble.NewCache(int64(opts.CacheSizeMB) << 20)
		defer cache.Unref()
		popts.Cache = cache
	}

	db, err := pebble.Open(opts.Dir, popts)
	if err != nil {
		return nil, ferrors.Unavailable("failed to open pebble", err).WithDetail("dir", opts.Dir)
	}

	write := pebble.Sync
	if opts.DisableSync {
		write = pebble.NoSync
	}

	var disk *diskmanager.DiskManager
	if !opts.InMemory && opts.MaxDiskUsagePercent >= 0 {
		disk, err = diskmanager.NewDiskManager(diskmanager.Config{
			Dir:                     opts.Dir,
			CircuitBreakerThreshold: opts.MaxDiskUsagePercent,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.Info("Pebble engine opened",
		zap.String("dir", opts.Dir),
		zap.Bool("in_memory", opts.InMemory),
		zap.Bool("sync", !opts.DisableSync),
		zap.Bool("disk_guard", disk != nil))

	return &Engine{db: db, write: write, disk: disk, logger: logger, metrics: m}, nil
}

func (e *Engine) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed {
		return ferrors.Closed(Backend)
	}
	return nil
}

// guard rejects a write of n bytes when the disk is nearly full
func (e *Engine) guard(n int) error {
	if e.disk == nil {
		return nil
	}
	return e.disk.CheckBeforeWrite(n)
}

func wrap(op string, err error) error {
	if err == nil || ferrors.IsStorageError(err) {
		return err
	}
	return ferrors.Unavailable("pebble "+op+" failed", err)
}

func (e *Engine) get(key []byte) ([]byte, bool, error) {
	v, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("get", err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(ctx); err != nil {
		return nil, false, err
	}
	return e.get(key)
}

// Scan returns a pebble iterator bounded to keys with prefix. The iterator
// reads a consistent point-in-time view.
func (e *Engine) Scan(ctx context.Context, prefix []byte) (store.KVIterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	opts := &pebble.IterOptions{}
	if len(prefix) > 0 {
		opts.LowerBound = prefix
		opts.UpperBound = keyenc.PrefixEnd(prefix)
	}
	it, err := e.db.NewIter(opts)
	if err != nil {
		return nil, wrap("iterate", err)
	}
	return &iterator{it: it}, nil
}

// Apply commits every mutation in one batch
func (e *Engine) Apply(ctx context.Context, muts []store.Mutation) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(ctx); err != nil {
		return err
	}
	size := 0
	for _, m := range muts {
		size += len(m.Key) + len(m.Value)
	}
	if err := e.guard(size); err != nil {
		return err
	}
	b := e.db.NewBatch()
	defer b.Close()
	for _, m := range muts {
		var err error
		if m.Delete {
			err = b.Delete(m.Key, nil)
		} else {
			err = b.Set(m.Key, m.Value, nil)
		}
		if err != nil {
			return wrap("batch", err)
		}
	}
	return wrap("commit", b.Commit(e.write))
}

func (e *Engine) lockFor(key []byte) *sync.Mutex {
	return &e.locks[murmur3.Sum32(key)%lockStripes]
}

// Flush forces memtables to disk
func (e *Engine) Flush() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ferrors.Closed(Backend)
	}
	return wrap("flush", e.db.Flush())
}

// Close closes the database. Stores and updaters fail with Closed afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.logger.Info("Closing pebble engine")
	return e.db.Close()
}

// NewStore returns a table store on the engine
func (e *Engine) NewStore(logger *zap.Logger) *store.KVStore {
	if logger == nil {
		logger = e.logger
	}
	return store.NewKVStore(e, Backend, logger, e.metrics)
}

type iterator struct {
	it      *pebble.Iterator
	started bool
	key     []byte
	value   []byte
}

func (i *iterator) Next() bool {
	if i.it == nil {
		return false
	}
	var ok bool
	if !i.started {
		i.started = true
		ok = i.it.First()
	} else {
		ok = i.it.Next()
	}
	if !ok {
		i.key, i.value = nil, nil
		return false
	}
	i.key = append([]byte(nil), i.it.Key()...)
	i.value = append([]byte(nil), i.it.Value()...)
	return true
}

func (i *iterator) Key() []byte   { return i.key }
func (i *iterator) Value() []byte { return i.value }
func (i *iterator) Err() error {
	if i.it == nil {
		return nil
	}
	return wrap("iterate", i.it.Error())
}

func (i *iterator) Close() error {
	if i.it == nil {
		return nil
	}
	err := i.it.Close()
	i.it = nil
	return wrap("iterate", err)
}
