// Package memstore is the in-memory backend. One DB is shared by every table
// store and by the versioned record map used for counters and sets.
package memstore

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/storage/memtable"
	"github.com/aykutalparslan/ferrite/internal/store"
)

const Backend = "memory"

// DB is an ordered in-memory map guarded by a read-write lock
type DB struct {
	mu     sync.RWMutex
	list   *memtable.SkipList
	closed bool
}

// NewDB returns an empty database
func NewDB() *DB {
	return &DB{list: memtable.NewSkipList()}
}

func (db *DB) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, false, ferrors.Closed(Backend)
	}
	v, ok := db.list.Search(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Scan copies the matching range under the read lock
func (db *DB) Scan(ctx context.Context, prefix []byte) (store.KVIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ferrors.Closed(Backend)
	}
	var pairs []pair
	it := db.list.Seek(prefix)
	for it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		pairs = append(pairs, pair{
			key:   append([]byte(nil), it.Key()...),
			value: append([]byte(nil), it.Value()...),
		})
	}
	return &pairIterator{pairs: pairs, pos: -1}, nil
}

// Apply performs every mutation under one write lock
func (db *DB) Apply(ctx context.Context, muts []store.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ferrors.Closed(Backend)
	}
	for _, m := range muts {
		if m.Delete {
			db.list.Delete(m.Key)
			continue
		}
		db.list.Insert(m.Key, m.Value)
	}
	return nil
}

// Len returns the number of stored keys
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.list.Len()
}

// Close drops the contents; later calls fail with Closed
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	db.list = memtable.NewSkipList()
	return nil
}

// NewStore returns a table store over db
func NewStore(db *DB, logger *zap.Logger, m *metrics.Metrics) *store.KVStore {
	return store.NewKVStore(db, Backend, logger, m)
}

type pair struct {
	key, value []byte
}

type pairIterator struct {
	pairs []pair
	pos   int
}

func (it *pairIterator) Next() bool {
	if it.pos+1 >= len(it.pairs) {
		it.pos = len(it.pairs)
		return false
	}
	it.pos++
	return true
}

func (it *pairIterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.pairs) {
		return nil
	}
	return it.pairs[it.pos].key
}

func (it *pairIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.pairs) {
		return nil
	}
	return it.pairs[it.pos].value
}

func (it *pairIterator) Err() error { return nil }

func (it *pairIterator) Close() error {
	it.pairs = nil
	return nil
}
