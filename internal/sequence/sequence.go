// Package sequence provides durable counters and sets addressed by name.
//
// Counters are strictly increasing and never return zero: an increment that
// lands on zero (only reachable through int64 wraparound) is followed by one
// more increment before the value is returned. Sets hold sorted int64
// members or sorted string members and are mutated through idempotent Add
// and Remove operations.
//
// Backends without a native atomic primitive implement Updater, applying a
// pure MergeFunc to the stored record under their own per-key atomicity.
package sequence

import (
	"context"
	"errors"
)

// Counter is a named, monotonically increasing int64
type Counter interface {
	// Get returns the current value, or 0 if the counter was never incremented
	Get(ctx context.Context, name string) (int64, error)

	// IncrementAndGet adds one and returns the new value
	IncrementAndGet(ctx context.Context, name string) (int64, error)

	// IncrementByAndGet adds delta, which must be positive, and returns the
	// new value
	IncrementByAndGet(ctx context.Context, name string, delta int64) (int64, error)

	// AdvanceTo raises the counter to value if it is lower and returns the
	// stored value. It never lowers the counter.
	AdvanceTo(ctx context.Context, name string, value int64) (int64, error)

	// Set overwrites the counter. It is last-writer-wins against concurrent
	// increments and meant for cold-start seeding only.
	Set(ctx context.Context, name string, value int64) error
}

// OrderedSet is a named set of int64 members kept in ascending order
type OrderedSet interface {
	Add(ctx context.Context, name string, member int64) error
	Remove(ctx context.Context, name string, member int64) error
	// RemoveEqualOrLess removes every member <= threshold
	RemoveEqualOrLess(ctx context.Context, name string, threshold int64) error
	Get(ctx context.Context, name string) ([]int64, error)
	Len(ctx context.Context, name string) (int, error)
}

// NameSet is a named set of strings kept in ascending byte order
type NameSet interface {
	Add(ctx context.Context, name, member string) error
	Remove(ctx context.Context, name, member string) error
	Members(ctx context.Context, name string) ([]string, error)
	Len(ctx context.Context, name string) (int, error)
}

// MergeFunc computes a new record from the stored one (nil when absent) and
// an operation input. It must be pure so it can be replayed after a conflict.
type MergeFunc func(old, input []byte) ([]byte, error)

// Updater applies merges to name-addressed records atomically per name
type Updater interface {
	// Load returns the stored record, or nil when absent
	Load(ctx context.Context, name string) ([]byte, error)

	// Update applies merge to the stored record and returns the record that
	// was durably written
	Update(ctx context.Context, name string, input []byte, merge MergeFunc) ([]byte, error)

	// Store overwrites the record unconditionally
	Store(ctx context.Context, name string, value []byte) error
}

// VersionedStore is a record store with optimistic concurrency control.
// Versions are opaque; a conditional write fails with ErrConflict when the
// record changed since it was read.
type VersionedStore interface {
	Get(ctx context.Context, name string) (value []byte, version uint64, found bool, err error)
	Create(ctx context.Context, name string, value []byte) (uint64, error)
	CompareAndSwap(ctx context.Context, name string, value []byte, version uint64) (uint64, error)
	Put(ctx context.Context, name string, value []byte) error
}

// ErrConflict reports a lost optimistic concurrency race. It never escapes
// this package: CASUpdater retries it.
var ErrConflict = errors.New("sequence: concurrent update conflict")

// Services bundles the counter and set implementations of one backend
type Services struct {
	Backend    string
	Counter    Counter
	OrderedSet OrderedSet
	NameSet    NameSet
}
