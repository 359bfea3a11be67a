// Package storetest holds the behavioral suite every Store backend runs
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/store"
)

// Factory returns a fresh, unbound store. Stores returned for the same test
// may share an engine.
type Factory func(t *testing.T) store.Store

// MessagesTable is keyed by (user_id, peer_id, message_id) with a random_id
// index on (user_id, message_id).
func MessagesTable(name string) *model.TableDefinition {
	return &model.TableDefinition{
		Keyspace: "ferrite",
		Name:     name,
		PrimaryKey: model.KeyDefinition{
			Name: "pk",
			Columns: []model.DataColumn{
				{Name: "user_id", Type: model.TypeInt64},
				{Name: "peer_id", Type: model.TypeInt64},
				{Name: "message_id", Type: model.TypeInt32},
			},
		},
		SecondaryIndices: []model.KeyDefinition{
			{
				Name: "by_message",
				Columns: []model.DataColumn{
					{Name: "user_id", Type: model.TypeInt64},
					{Name: "message_id", Type: model.TypeInt32},
				},
			},
		},
	}
}

func key(user, peer int64, msg int32) []model.Value {
	return []model.Value{model.Int64(user), model.Int64(peer), model.Int32(msg)}
}

func open(t *testing.T, f Factory, def *model.TableDefinition) store.Store {
	t.Helper()
	s := f(t)
	require.NoError(t, s.SetSchema(context.Background(), def))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func commit(t *testing.T, s store.Store) {
	t.Helper()
	require.NoError(t, s.Commit(context.Background()))
}

// Run executes the suite against stores built by f
func Run(t *testing.T, f Factory) {
	t.Run("PutGetDelete", func(t *testing.T) { testPutGetDelete(t, f) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, f) })
	t.Run("SecondaryIndex", func(t *testing.T) { testSecondaryIndex(t, f) })
	t.Run("DeleteBySecondaryIndex", func(t *testing.T) { testDeleteBySecondaryIndex(t, f) })
	t.Run("AmbiguousIndex", func(t *testing.T) { testAmbiguousIndex(t, f) })
	t.Run("IteratePrefix", func(t *testing.T) { testIteratePrefix(t, f) })
	t.Run("TableIsolation", func(t *testing.T) { testTableIsolation(t, f) })
	t.Run("KeyspaceIsolation", func(t *testing.T) { testKeyspaceIsolation(t, f) })
	t.Run("SchemaMismatch", func(t *testing.T) { testSchemaMismatch(t, f) })
	t.Run("Unbound", func(t *testing.T) { testUnbound(t, f) })
	t.Run("SetSchemaIdempotent", func(t *testing.T) { testSetSchemaIdempotent(t, f) })
}

func testPutGetDelete(t *testing.T, f Factory) {
	ctx := context.Background()
	s := open(t, f, MessagesTable("messages_pgd"))

	require.NoError(t, s.Put(ctx, []byte("hello"), key(1, 2, 3)...))
	commit(t, s)

	v, found, err := s.Get(ctx, key(1, 2, 3)...)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), v)

	_, found, err = s.Get(ctx, key(1, 2, 4)...)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Delete(ctx, key(1, 2, 3)...))
	commit(t, s)

	_, found, err = s.Get(ctx, key(1, 2, 3)...)
	require.NoError(t, err)
	assert.False(t, found)

	// deleting an absent row is a no-op
	require.NoError(t, s.Delete(ctx, key(1, 2, 3)...))
	commit(t, s)
}

func testOverwrite(t *testing.T, f Factory) {
	ctx := context.Background()
	s := open(t, f, MessagesTable("messages_ow"))

	require.NoError(t, s.Put(ctx, []byte("v1"), key(1, 1, 1)...))
	commit(t, s)
	require.NoError(t, s.Put(ctx, []byte("v2"), key(1, 1, 1)...))
	commit(t, s)

	v, found, err := s.Get(ctx, key(1, 1, 1)...)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), v)

	v, found, err = s.GetBySecondaryIndex(ctx, "by_message", model.Int64(1), model.Int32(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), v)
}

func testSecondaryIndex(t *testing.T, f Factory) {
	ctx := context.Background()
	s := open(t, f, MessagesTable("messages_idx"))

	require.NoError(t, s.Put(ctx, []byte("a"), key(7, 100, 1)...))
	require.NoError(t, s.Put(ctx, []byte("b"), key(7, 200, 2)...))
	commit(t, s)

	direct, found, err := s.Get(ctx, key(7, 200, 2)...)
	require.NoError(t, err)
	require.True(t, found)

	v, found, err := s.GetBySecondaryIndex(ctx, "by_message", model.Int64(7), model.Int32(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, direct, v)

	_, found, err = s.GetBySecondaryIndex(ctx, "by_message", model.Int64(7), model.Int32(3))
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = s.GetBySecondaryIndex(ctx, "missing", model.Int64(7))
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeUnknownIndex))

	require.NoError(t, s.Delete(ctx, key(7, 200, 2)...))
	commit(t, s)
	_, found, err = s.GetBySecondaryIndex(ctx, "by_message", model.Int64(7), model.Int32(2))
	require.NoError(t, err)
	assert.False(t, found)
}

func testDeleteBySecondaryIndex(t *testing.T, f Factory) {
	ctx := context.Background()
	s := open(t, f, MessagesTable("messages_dbi"))

	require.NoError(t, s.Put(ctx, []byte("x"), key(3, 4, 5)...))
	require.NoError(t, s.Put(ctx, []byte("y"), key(3, 4, 6)...))
	commit(t, s)

	require.NoError(t, s.DeleteBySecondaryIndex(ctx, "by_message", model.Int64(3), model.Int32(5)))
	commit(t, s)

	_, found, err := s.Get(ctx, key(3, 4, 5)...)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.GetBySecondaryIndex(ctx, "by_message", model.Int64(3), model.Int32(5))
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := s.Get(ctx, key(3, 4, 6)...)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("y"), v)

	// resolving nothing deletes nothing
	require.NoError(t, s.DeleteBySecondaryIndex(ctx, "by_message", model.Int64(3), model.Int32(99)))
	commit(t, s)
}

func testAmbiguousIndex(t *testing.T, f Factory) {
	ctx := context.Background()
	s := open(t, f, MessagesTable("messages_amb"))

	// same user and message id under two peers
	require.NoError(t, s.Put(ctx, []byte("p1"), key(9, 1, 42)...))
	require.NoError(t, s.Put(ctx, []byte("p2"), key(9, 2, 42)...))
	commit(t, s)

	_, _, err := s.GetBySecondaryIndex(ctx, "by_message", model.Int64(9), model.Int32(42))
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeIndexAmbiguous), "got %v", err)

	err = s.DeleteBySecondaryIndex(ctx, "by_message", model.Int64(9), model.Int32(42))
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeIndexAmbiguous), "got %v", err)

	_, found, err := s.Get(ctx, key(9, 1, 42)...)
	require.NoError(t, err)
	assert.True(t, found)
}

func testIteratePrefix(t *testing.T, f Factory) {
	ctx := context.Background()
	s := open(t, f, MessagesTable("messages_it"))

	for _, msg := range []int32{5, -1, 3, 0, 10} {
		require.NoError(t, s.Put(ctx, []byte(fmt.Sprintf("m%d", msg)), key(1, 2, msg)...))
	}
	require.NoError(t, s.Put(ctx, []byte("other-peer"), key(1, 3, 1)...))
	require.NoError(t, s.Put(ctx, []byte("other-user"), key(2, 2, 1)...))
	commit(t, s)

	it, err := s.Iterate(ctx, model.Int64(1), model.Int64(2))
	require.NoError(t, err)
	values, err := store.Collect(it)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{
		[]byte("m-1"), []byte("m0"), []byte("m3"), []byte("m5"), []byte("m10"),
	}, values)

	it, err = s.Iterate(ctx, model.Int64(1))
	require.NoError(t, err)
	values, err = store.Collect(it)
	require.NoError(t, err)
	assert.Len(t, values, 6)
	assert.Equal(t, []byte("other-peer"), values[5])

	it, err = s.Iterate(ctx, model.Int64(3))
	require.NoError(t, err)
	values, err = store.Collect(it)
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = s.Iterate(ctx, model.String("1"))
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeSchemaMismatch))
}

func testTableIsolation(t *testing.T, f Factory) {
	ctx := context.Background()
	a := open(t, f, MessagesTable("test"))
	b := open(t, f, MessagesTable("test2"))

	require.NoError(t, a.Put(ctx, []byte("a"), key(1, 1, 1)...))
	require.NoError(t, b.Put(ctx, []byte("b"), key(1, 1, 1)...))
	commit(t, a)
	commit(t, b)

	it, err := a.Iterate(ctx, model.Int64(1))
	require.NoError(t, err)
	values, err := store.Collect(it)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a")}, values)

	v, found, err := b.Get(ctx, key(1, 1, 1)...)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("b"), v)
}

func inKeyspace(keyspace, name string) *model.TableDefinition {
	def := MessagesTable(name)
	def.Keyspace = keyspace
	return def
}

func testKeyspaceIsolation(t *testing.T, f Factory) {
	ctx := context.Background()
	a := open(t, f, inKeyspace("tenant_a", "users"))
	b := open(t, f, inKeyspace("tenant_b", "users"))

	require.NoError(t, a.Put(ctx, []byte("a"), key(1, 1, 1)...))
	require.NoError(t, a.Put(ctx, []byte("a2"), key(1, 2, 2)...))
	commit(t, a)

	_, found, err := b.Get(ctx, key(1, 1, 1)...)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = b.GetBySecondaryIndex(ctx, "by_message", model.Int64(1), model.Int32(1))
	require.NoError(t, err)
	assert.False(t, found)

	it, err := b.Iterate(ctx, model.Int64(1))
	require.NoError(t, err)
	values, err := store.Collect(it)
	require.NoError(t, err)
	assert.Empty(t, values)

	require.NoError(t, b.Put(ctx, []byte("b"), key(1, 1, 1)...))
	commit(t, b)
	require.NoError(t, b.Delete(ctx, key(1, 1, 1)...))
	commit(t, b)

	it, err = a.Iterate(ctx, model.Int64(1))
	require.NoError(t, err)
	values, err = store.Collect(it)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("a2")}, values)
}

func testSchemaMismatch(t *testing.T, f Factory) {
	ctx := context.Background()
	s := open(t, f, MessagesTable("messages_sm"))

	tests := []struct {
		name string
		keys []model.Value
	}{
		{"too few", []model.Value{model.Int64(1), model.Int64(2)}},
		{"too many", append(key(1, 2, 3), model.Int32(4))},
		{"wrong type", []model.Value{model.Int64(1), model.Int32(2), model.Int32(3)}},
		{"invalid value", []model.Value{model.Int64(1), {}, model.Int32(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Put(ctx, []byte("v"), tt.keys...)
			assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeSchemaMismatch), "put: %v", err)
			_, _, err = s.Get(ctx, tt.keys...)
			assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeSchemaMismatch), "get: %v", err)
			err = s.Delete(ctx, tt.keys...)
			assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeSchemaMismatch), "delete: %v", err)
		})
	}

	_, _, err := s.GetBySecondaryIndex(ctx, "by_message", model.Int64(1))
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeSchemaMismatch))
}

func testUnbound(t *testing.T, f Factory) {
	s := f(t)
	t.Cleanup(func() { _ = s.Close() })
	_, _, err := s.Get(context.Background(), key(1, 2, 3)...)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeUnknownTable), "got %v", err)

	err = s.SetSchema(context.Background(), &model.TableDefinition{Name: "broken"})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeSchemaMismatch), "got %v", err)
}

func testSetSchemaIdempotent(t *testing.T, f Factory) {
	ctx := context.Background()
	def := MessagesTable("messages_ss")
	s := open(t, f, def)
	require.NoError(t, s.Put(ctx, []byte("kept"), key(1, 1, 1)...))
	commit(t, s)

	require.NoError(t, s.SetSchema(ctx, def))

	v, found, err := s.Get(ctx, key(1, 1, 1)...)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("kept"), v)

	err = s.SetSchema(ctx, MessagesTable("messages_other"))
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeSchemaMismatch), "got %v", err)
}
