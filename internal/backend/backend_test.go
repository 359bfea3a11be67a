package backend

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/config"
	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/service"
	"github.com/aykutalparslan/ferrite/internal/store"
	"github.com/aykutalparslan/ferrite/internal/store/storetest"
)

func testConfig(storeBackend, sequenceBackend string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = storeBackend
	cfg.Sequence.Backend = sequenceBackend
	cfg.Pebble.InMemory = true
	cfg.Metrics.Enabled = false
	return cfg
}

func connect(t *testing.T, cfg *config.Config) *Backends {
	t.Helper()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	b, err := Connect(context.Background(), cfg, zap.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestEmbeddedBackends(t *testing.T) {
	combos := []struct{ store, sequence string }{
		{config.BackendMemory, config.BackendMemory},
		{config.BackendPebble, config.BackendPebble},
		{config.BackendMemory, config.BackendPebble},
	}
	for _, c := range combos {
		t.Run(c.store+"+"+c.sequence, func(t *testing.T) {
			b := connect(t, testConfig(c.store, c.sequence))
			ctx := context.Background()

			s, err := b.OpenTable(ctx, storetest.MessagesTable("messages"))
			require.NoError(t, err)
			_, ok := s.(*store.Instrumented)
			assert.True(t, ok, "tables are instrumented")

			keys := []model.Value{model.Int64(1), model.Int64(2), model.Int32(3)}
			require.NoError(t, s.Put(ctx, []byte("hello"), keys...))
			require.NoError(t, s.Commit(ctx))
			v, found, err := s.Get(ctx, keys...)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, []byte("hello"), v)

			box := b.Registry.MessageBox(1)
			peer := service.Peer{Type: service.PeerTypeUser, ID: 2}
			_, err = box.IncrementPtsForMessage(ctx, peer, 10)
			require.NoError(t, err)
			pts, err := box.IncrementPtsForMessage(ctx, peer, 11)
			require.NoError(t, err)
			assert.Equal(t, int32(2), pts)
			remaining, err := box.ReadMessages(ctx, peer, 10)
			require.NoError(t, err)
			assert.Equal(t, 1, remaining)

			probes := b.Probes()
			assert.Contains(t, probes, c.store)
			assert.Contains(t, probes, c.sequence)
			for name, probe := range probes {
				assert.NoError(t, probe(ctx), name)
			}
		})
	}
}

func TestOpenTableIsShared(t *testing.T) {
	b := connect(t, testConfig(config.BackendMemory, config.BackendMemory))
	ctx := context.Background()

	require.NoError(t, b.RegisterTables(ctx, []*model.TableDefinition{
		storetest.MessagesTable("messages"),
		storetest.MessagesTable("drafts"),
	}))

	first, ok := b.Table("ferrite.messages")
	require.True(t, ok)
	again, err := b.OpenTable(ctx, storetest.MessagesTable("messages"))
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, ok = b.Table("absent")
	assert.False(t, ok)

	changed := storetest.MessagesTable("messages")
	changed.SecondaryIndices = nil
	_, err = b.OpenTable(ctx, changed)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeSchemaMismatch))

	_, err = b.OpenTable(ctx, nil)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeInvalidArgument))
}

func TestOpenTableSeparatesKeyspaces(t *testing.T) {
	b := connect(t, testConfig(config.BackendMemory, config.BackendMemory))
	ctx := context.Background()

	tenantA := storetest.MessagesTable("users")
	tenantA.Keyspace = "tenant_a"
	tenantB := storetest.MessagesTable("users")
	tenantB.Keyspace = "tenant_b"
	tenantB.SecondaryIndices = nil

	a, err := b.OpenTable(ctx, tenantA)
	require.NoError(t, err)
	bs, err := b.OpenTable(ctx, tenantB)
	require.NoError(t, err, "same table name in another keyspace is a different table")
	assert.NotSame(t, a, bs)

	keys := []model.Value{model.Int64(1), model.Int64(2), model.Int32(3)}
	require.NoError(t, a.Put(ctx, []byte("from-a"), keys...))
	require.NoError(t, a.Commit(ctx))
	_, found, err := bs.Get(ctx, keys...)
	require.NoError(t, err)
	assert.False(t, found)

	got, ok := b.Table("tenant_b.users")
	require.True(t, ok)
	assert.Same(t, bs, got)
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("leveldb", config.BackendMemory)
	_, err := Connect(context.Background(), cfg, nil, nil)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeInvalidArgument))
}

func TestCloseClosesBackends(t *testing.T) {
	cfg := testConfig(config.BackendPebble, config.BackendPebble)
	b, err := Connect(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	s, err := b.OpenTable(ctx, storetest.MessagesTable("messages"))
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	_, _, err = s.Get(ctx, model.Int64(1), model.Int64(2), model.Int32(3))
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeClosed))
	_, err = b.Sequence.Counter.Get(ctx, "seq:pts:1")
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeClosed))
}
