package cqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/store/storetest"
	"github.com/aykutalparslan/ferrite/internal/util/workerpool"
)

func TestLayout(t *testing.T) {
	c := &Cluster{keyspace: "ferrite"}
	l := c.layout(storetest.MessagesTable("messages"))

	require.Len(t, l.ddl, 2)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "ferrite"."messages" ("user_id" bigint, "peer_id" bigint, "message_id" int, value blob, PRIMARY KEY (("user_id"), "peer_id", "message_id"))`,
		l.ddl[0])
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "ferrite"."messages_by_message" ("user_id" bigint, "message_id" int, pk blob, PRIMARY KEY (("user_id"), "message_id", pk))`,
		l.ddl[1])
	assert.Equal(t,
		`INSERT INTO "ferrite"."messages" ("user_id", "peer_id", "message_id", value) VALUES (?, ?, ?, ?) USING TIMESTAMP ?`,
		l.insert)
	assert.Equal(t,
		`DELETE FROM "ferrite"."messages_by_message" USING TIMESTAMP ? WHERE "user_id" = ? AND "message_id" = ? AND pk = ?`,
		l.indices["by_message"].delete)
	assert.Empty(t, l.scans[0])
	assert.Equal(t, `SELECT value FROM "ferrite"."messages" WHERE "user_id" = ? AND "peer_id" = ?`, l.scans[2])
}

func TestLayoutKeyspace(t *testing.T) {
	c := &Cluster{keyspace: "default_ks"}

	tenant := storetest.MessagesTable("users")
	tenant.Keyspace = "tenant_a"
	l := c.layout(tenant)
	assert.Equal(t, "tenant_a", l.keyspace)
	assert.Contains(t, l.ddl[0], `"tenant_a"."users"`)
	assert.Contains(t, l.ddl[1], `"tenant_a"."users_by_message"`)
	assert.Contains(t, l.get, `"tenant_a"."users"`)

	unqualified := storetest.MessagesTable("users")
	unqualified.Keyspace = ""
	l = c.layout(unqualified)
	assert.Equal(t, "default_ks", l.keyspace)
	assert.Contains(t, l.insert, `"default_ks"."users"`)
}

func TestCommitWithConcurrentBackgroundFlushes(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "test", MaxWorkers: 2, QueueSize: 4})
	defer pool.Stop(time.Second)
	c := &Cluster{opts: Options{FlushThreshold: 1}, pool: pool, logger: zap.NewNop()}
	s := c.NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.triggerFlushAsync()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, s.Commit(ctx))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Commit(ctx))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Zero(t, s.flushing)
}

func TestCheckIdentifiers(t *testing.T) {
	def := storetest.MessagesTable("messages")
	require.NoError(t, checkIdentifiers(def))

	bad := storetest.MessagesTable("bad-name")
	assert.True(t, ferrors.IsCode(checkIdentifiers(bad), ferrors.ErrCodeSchemaMismatch))

	reserved := storetest.MessagesTable("messages")
	reserved.PrimaryKey.Columns[1] = model.DataColumn{Name: "value", Type: model.TypeInt64}
	assert.Error(t, checkIdentifiers(reserved))

	badKeyspace := storetest.MessagesTable("messages")
	badKeyspace.Keyspace = "tenant-a"
	assert.True(t, ferrors.IsCode(checkIdentifiers(badKeyspace), ferrors.ErrCodeSchemaMismatch))
}

func TestPack(t *testing.T) {
	op := func(n int) operation { return make(operation, n) }

	tests := []struct {
		name  string
		ops   []operation
		limit int
		sizes []int
	}{
		{"empty", nil, 4, nil},
		{"fits", []operation{op(2), op(2)}, 4, []int{4}},
		{"splits on operation boundary", []operation{op(2), op(3), op(1)}, 4, []int{2, 4}},
		{"oversized operation alone", []operation{op(1), op(6), op(1)}, 4, []int{1, 6, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := pack(tt.ops, tt.limit)
			var sizes []int
			for _, b := range batches {
				sizes = append(sizes, len(b))
			}
			assert.Equal(t, tt.sizes, sizes)
		})
	}
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	c := &clock{}
	prev := c.next()
	for i := 0; i < 1000; i++ {
		next := c.next()
		require.Greater(t, next, prev)
		prev = next
	}
}
