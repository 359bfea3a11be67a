package memstore

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/sequence"
	"github.com/aykutalparslan/ferrite/internal/storage/keyenc"
	"github.com/aykutalparslan/ferrite/internal/store"
	"github.com/aykutalparslan/ferrite/internal/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	db := NewDB()
	storetest.Run(t, func(t *testing.T) store.Store {
		return NewStore(db, zap.NewNop(), nil)
	})
}

func TestDanglingIndexReadsAsMissing(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	s := NewStore(db, zap.NewNop(), m)
	def := storetest.MessagesTable("dangling")
	require.NoError(t, s.SetSchema(ctx, def))

	keys := []model.Value{model.Int64(1), model.Int64(2), model.Int32(3)}
	require.NoError(t, s.Put(ctx, []byte("v"), keys...))

	// drop only the row, as an interrupted delete would
	rowKey, err := keyenc.EncodeRow(def.Keyspace, def.Name, keys...)
	require.NoError(t, err)
	require.NoError(t, db.Apply(ctx, []store.Mutation{{Key: rowKey, Delete: true}}))

	_, found, err := s.GetBySecondaryIndex(ctx, "by_message", model.Int64(1), model.Int32(3))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexDanglingTotal.WithLabelValues(Backend, def.Name)))

	require.NoError(t, s.DeleteBySecondaryIndex(ctx, "by_message", model.Int64(1), model.Int32(3)))
}

func TestDeleteLeavesNoKeys(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	s := NewStore(db, nil, nil)
	require.NoError(t, s.SetSchema(ctx, storetest.MessagesTable("t")))

	keys := []model.Value{model.Int64(1), model.Int64(2), model.Int32(3)}
	require.NoError(t, s.Put(ctx, []byte("v"), keys...))
	assert.Equal(t, 2, db.Len())
	require.NoError(t, s.Delete(ctx, keys...))
	assert.Equal(t, 0, db.Len())
}

func TestIterateIsSnapshot(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	s := NewStore(db, nil, nil)
	require.NoError(t, s.SetSchema(ctx, storetest.MessagesTable("snap")))
	require.NoError(t, s.Put(ctx, []byte("a"), model.Int64(1), model.Int64(1), model.Int32(1)))

	it, err := s.Iterate(ctx, model.Int64(1))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, []byte("b"), model.Int64(1), model.Int64(1), model.Int32(2)))

	values, err := store.Collect(it)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a")}, values)
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	require.NoError(t, db.Close())

	_, _, err := db.Get(ctx, []byte("k"))
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeClosed))
	_, err = db.Scan(ctx, nil)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeClosed))
	err = db.Apply(ctx, []store.Mutation{{Key: []byte("k"), Value: []byte("v")}})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeClosed))

	vm := NewVersionedMap(db, "seq")
	_, err = vm.Create(ctx, "c", nil)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeClosed))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	db := NewDB()
	_, _, err := db.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVersionedMap(t *testing.T) {
	ctx := context.Background()
	vm := NewVersionedMap(NewDB(), "seq")

	_, _, found, err := vm.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, found)

	v1, err := vm.Create(ctx, "c", []byte("one"))
	require.NoError(t, err)

	_, err = vm.Create(ctx, "c", []byte("again"))
	assert.ErrorIs(t, err, sequence.ErrConflict)

	v2, err := vm.CompareAndSwap(ctx, "c", []byte("two"), v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	_, err = vm.CompareAndSwap(ctx, "c", []byte("stale"), v1)
	assert.ErrorIs(t, err, sequence.ErrConflict)

	_, err = vm.CompareAndSwap(ctx, "absent", []byte("x"), 1)
	assert.ErrorIs(t, err, sequence.ErrConflict)

	require.NoError(t, vm.Put(ctx, "c", []byte("three")))
	value, version, found, err := vm.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("three"), value)
	assert.Greater(t, version, v2)

	// namespaces do not collide
	other := NewVersionedMap(vm.db, "seq2")
	_, _, found, err = other.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, found)
}
