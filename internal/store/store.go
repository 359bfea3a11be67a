// Package store defines the schema-driven key-value contract that every
// backend implements.
//
// A Store is bound to one table. Keys are passed as ordered model.Value
// tuples matching the table's primary key or one of its secondary indices.
// Absence is reported through the bool result of the getters, never as an
// error. Secondary index entries are maintained best-effort: a Put writes
// the row before its index entries and a Delete removes index entries before
// the row, so an interrupted write can only leave a row that is unreachable
// through an index. Index entries whose row is gone read as not found.
package store

import (
	"context"

	"github.com/aykutalparslan/ferrite/internal/model"
)

// Store is the repository-facing contract
type Store interface {
	// SetSchema registers the table definition. It is idempotent; backends
	// with server-side schemas create missing tables.
	SetSchema(ctx context.Context, def *model.TableDefinition) error

	// Put stores value under the primary key and updates every index
	Put(ctx context.Context, value []byte, keys ...model.Value) error

	// Get returns the value stored under the primary key
	Get(ctx context.Context, keys ...model.Value) ([]byte, bool, error)

	// GetBySecondaryIndex resolves an index key to its row and returns the value
	GetBySecondaryIndex(ctx context.Context, index string, keys ...model.Value) ([]byte, bool, error)

	// Delete removes the row and the index entries derived from its key
	Delete(ctx context.Context, keys ...model.Value) error

	// DeleteBySecondaryIndex resolves an index key and deletes that row
	DeleteBySecondaryIndex(ctx context.Context, index string, keys ...model.Value) error

	// Iterate returns every value whose primary key starts with prefix, in
	// ascending key order. Each call returns a fresh iterator.
	Iterate(ctx context.Context, prefix ...model.Value) (Iterator, error)

	// Commit flushes queued writes on backends that batch them. It is a
	// no-op on backends that are durable per call.
	Commit(ctx context.Context) error

	// Close releases resources owned by this store. Shared engines are
	// closed by their owner.
	Close() error
}

// Iterator walks a finite, non-restartable sequence of values
type Iterator interface {
	Next() bool
	Value() []byte
	Err() error
	Close() error
}

// SliceIterator iterates over values copied out of a backend
type SliceIterator struct {
	values [][]byte
	pos    int
	err    error
}

// NewSliceIterator returns an iterator over values
func NewSliceIterator(values [][]byte) *SliceIterator {
	return &SliceIterator{values: values, pos: -1}
}

// ErrorIterator returns an iterator that yields nothing and reports err
func ErrorIterator(err error) *SliceIterator {
	return &SliceIterator{pos: -1, err: err}
}

func (it *SliceIterator) Next() bool {
	if it.err != nil || it.pos+1 >= len(it.values) {
		it.pos = len(it.values)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.values) {
		return nil
	}
	return it.values[it.pos]
}

func (it *SliceIterator) Err() error { return it.err }

func (it *SliceIterator) Close() error {
	it.values = nil
	return nil
}

// Collect drains it and returns every value
func Collect(it Iterator) ([][]byte, error) {
	defer it.Close()
	var out [][]byte
	for it.Next() {
		out = append(out, it.Value())
	}
	return out, it.Err()
}
