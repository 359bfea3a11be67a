//go:build integration

package natskv

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/sequence"
	"github.com/aykutalparslan/ferrite/internal/testinfra"
)

func openBucket(t *testing.T) *Bucket {
	t.Helper()
	b, err := Open(context.Background(), Options{URL: testinfra.NATS(t), Bucket: "ferrite_test"}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBucketVersions(t *testing.T) {
	b := openBucket(t)
	ctx := context.Background()

	_, _, found, err := b.Get(ctx, "pts:1")
	require.NoError(t, err)
	assert.False(t, found)

	v1, err := b.Create(ctx, "pts:1", []byte("a"))
	require.NoError(t, err)

	_, err = b.Create(ctx, "pts:1", []byte("b"))
	assert.ErrorIs(t, err, sequence.ErrConflict)

	v2, err := b.CompareAndSwap(ctx, "pts:1", []byte("b"), v1)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	_, err = b.CompareAndSwap(ctx, "pts:1", []byte("c"), v1)
	assert.ErrorIs(t, err, sequence.ErrConflict)

	require.NoError(t, b.Put(ctx, "pts:1", []byte("d")))
	value, _, found, err := b.Get(ctx, "pts:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("d"), value)

	// names outside the key alphabet
	_, err = b.Create(ctx, "dialogs:1 2/*", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.Ping(ctx))
}

func TestBucketServices(t *testing.T) {
	b := openBucket(t)
	svc := b.Services(sequence.CASOptions{MaxAttempts: 1000})
	ctx := context.Background()

	const workers, increments = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				_, err := svc.Counter.IncrementAndGet(ctx, "shared")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := svc.Counter.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*increments), got)

	for _, m := range []int64{5, 1, 3} {
		require.NoError(t, svc.OrderedSet.Add(ctx, "unread", m))
	}
	require.NoError(t, svc.OrderedSet.RemoveEqualOrLess(ctx, "unread", 3))
	members, err := svc.OrderedSet.Get(ctx, "unread")
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, members)

	require.NoError(t, svc.NameSet.Add(ctx, "names", "b"))
	require.NoError(t, svc.NameSet.Add(ctx, "names", "a"))
	names, err := svc.NameSet.Members(ctx, "names")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}
