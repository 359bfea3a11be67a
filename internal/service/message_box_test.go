package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/sequence"
	"github.com/aykutalparslan/ferrite/internal/service"
	"github.com/aykutalparslan/ferrite/internal/store/memstore"
	"github.com/aykutalparslan/ferrite/internal/store/pebblestore"
)

func memServices(t *testing.T) *sequence.Services {
	t.Helper()
	vm := memstore.NewVersionedMap(memstore.NewDB(), "seq")
	u := sequence.NewCASUpdater(vm, memstore.Backend, sequence.CASOptions{
		MaxAttempts:   10000,
		RetryDelay:    time.Microsecond,
		MaxRetryDelay: time.Millisecond,
	}, zap.NewNop(), nil)
	return sequence.NewUpdaterServices(u, memstore.Backend, zap.NewNop(), nil)
}

func pebbleServices(t *testing.T) *sequence.Services {
	t.Helper()
	e, err := pebblestore.Open(pebblestore.Options{InMemory: true}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e.Services("seq")
}

var peerA = service.Peer{Type: service.PeerTypeUser, ID: 42}

func TestMessageBoxScenario(t *testing.T) {
	backends := map[string]func(*testing.T) *sequence.Services{
		"memory": memServices,
		"pebble": pebbleServices,
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			box := service.NewMessageBoxService(1, build(t), 0, zap.NewNop(), nil)

			pts, err := box.Pts(ctx)
			require.NoError(t, err)
			assert.Zero(t, pts)

			pts, err = box.IncrementPtsForMessage(ctx, peerA, 10)
			require.NoError(t, err)
			assert.Equal(t, int32(1), pts)
			pts, err = box.IncrementPtsForMessage(ctx, peerA, 11)
			require.NoError(t, err)
			assert.Equal(t, int32(2), pts)

			remaining, err := box.ReadMessages(ctx, peerA, 10)
			require.NoError(t, err)
			assert.Equal(t, 1, remaining)

			pts, err = box.Pts(ctx)
			require.NoError(t, err)
			assert.Equal(t, int32(2), pts)

			total, err := box.UnreadMessages(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, total)

			maxRead, err := box.MaxReadID(ctx, peerA)
			require.NoError(t, err)
			assert.Equal(t, int32(10), maxRead)
		})
	}
}

func TestReadMessages(t *testing.T) {
	ctx := context.Background()
	seq := memServices(t)
	box := service.NewMessageBoxService(7, seq, 2, zap.NewNop(), nil)
	peerB := service.Peer{Type: service.PeerTypeChannel, ID: -1001}

	for _, id := range []int32{1, 2, 3} {
		_, err := box.IncrementPtsForMessage(ctx, peerA, id)
		require.NoError(t, err)
	}
	_, err := box.IncrementPtsForMessage(ctx, peerB, 5)
	require.NoError(t, err)

	dialogs, err := box.Dialogs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []service.Peer{peerA, peerB}, dialogs)

	t.Run("cursor never regresses", func(t *testing.T) {
		remaining, err := box.ReadMessages(ctx, peerA, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, remaining)

		remaining, err = box.ReadMessages(ctx, peerA, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, remaining)

		maxRead, err := box.MaxReadID(ctx, peerA)
		require.NoError(t, err)
		assert.Equal(t, int32(2), maxRead)
	})

	t.Run("emptied dialog leaves the dialog set", func(t *testing.T) {
		remaining, err := box.ReadMessages(ctx, peerA, 3)
		require.NoError(t, err)
		assert.Zero(t, remaining)

		dialogs, err := box.Dialogs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []service.Peer{peerB}, dialogs)

		total, err := box.UnreadMessages(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("per peer counts", func(t *testing.T) {
		n, err := box.UnreadMessagesForPeer(ctx, peerB)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = box.UnreadMessagesForPeer(ctx, peerA)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("boxes are isolated per user", func(t *testing.T) {
		other := service.NewMessageBoxService(8, seq, 0, zap.NewNop(), nil)
		total, err := other.UnreadMessages(ctx)
		require.NoError(t, err)
		assert.Zero(t, total)
		pts, err := other.Pts(ctx)
		require.NoError(t, err)
		assert.Zero(t, pts)
	})
}

func TestInvalidPeer(t *testing.T) {
	ctx := context.Background()
	box := service.NewMessageBoxService(1, memServices(t), 0, zap.NewNop(), nil)
	bad := service.Peer{Type: service.PeerType(9), ID: 1}

	_, err := box.IncrementPtsForMessage(ctx, bad, 1)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeInvalidArgument))
	_, err = box.ReadMessages(ctx, bad, 1)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeInvalidArgument))

	pts, err := box.Pts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pts)
}

// failingSet fails Add so the pts increment must not happen
type failingSet struct {
	sequence.OrderedSet
}

func (failingSet) Add(context.Context, string, int64) error {
	return ferrors.Unavailable("set down", errors.New("boom"))
}

func TestPtsNotIncrementedWhenUnreadAddFails(t *testing.T) {
	ctx := context.Background()
	seq := memServices(t)
	broken := *seq
	broken.OrderedSet = failingSet{seq.OrderedSet}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	box := service.NewMessageBoxService(1, &broken, 0, zap.NewNop(), m)

	_, err := box.IncrementPtsForMessage(ctx, peerA, 10)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeUnavailable))

	pts, err := box.Pts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessageBoxOpsTotal.WithLabelValues("increment_pts_for_message", "error")))
}

func TestConcurrentIncrementPts(t *testing.T) {
	ctx := context.Background()
	box := service.NewMessageBoxService(1, memServices(t), 0, zap.NewNop(), nil)

	const workers, each = 8, 25
	seen := make(chan int32, workers*each)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				pts, err := box.IncrementPtsForMessage(ctx, service.Peer{Type: service.PeerTypeChat, ID: int64(w)}, int32(i+1))
				assert.NoError(t, err)
				seen <- pts
			}
		}(w)
	}
	wg.Wait()
	close(seen)

	unique := make(map[int32]bool)
	for pts := range seen {
		assert.NotZero(t, pts)
		unique[pts] = true
	}
	assert.Len(t, unique, workers*each)

	total, err := box.UnreadMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers*each, total)
}

func TestSecretMessageBox(t *testing.T) {
	ctx := context.Background()
	seq := memServices(t)
	secret := service.NewSecretMessageBoxService(3, seq.Counter, zap.NewNop(), nil)
	box := service.NewMessageBoxService(3, seq, 0, zap.NewNop(), nil)

	for want := int32(1); want <= 3; want++ {
		qts, err := secret.IncrementQts(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, qts)
	}
	qts, err := secret.Qts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), qts)

	// qts and pts are independent sequences
	pts, err := box.IncrementPts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), pts)
}
