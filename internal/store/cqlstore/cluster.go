// Package cqlstore is the wide-column backend for Apache Cassandra and
// ScyllaDB.
//
// A table becomes a CQL table partitioned by its first primary key column
// and clustered by the rest. Each secondary index becomes <table>_<index>,
// partitioned by the first index column and clustered by the remaining
// index columns and the encoded primary key. Put and Delete are queued and
// executed as unlogged batches on Commit; every queued statement carries a
// client timestamp so batches may run concurrently without reordering
// writes to the same row.
package cqlstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/util/workerpool"
)

const Backend = "cassandra"

var identifier = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Options configures the cluster session and the write queue
type Options struct {
	Hosts             []string
	Keyspace          string
	ReplicationFactor int
	Consistency       string
	Timeout           time.Duration
	ConnectTimeout    time.Duration

	// FlushThreshold is the queued operation count that triggers a
	// background flush
	FlushThreshold     int
	MaxBatchStatements int
	CommitConcurrency  int
	// CommitRateLimit caps batches per second; zero means unlimited
	CommitRateLimit float64
	FlushWorkers    int
}

func (o *Options) setDefaults() {
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = 1
	}
	if o.Consistency == "" {
		o.Consistency = "QUORUM"
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 256
	}
	if o.MaxBatchStatements <= 0 {
		o.MaxBatchStatements = 32
	}
	if o.CommitConcurrency <= 0 {
		o.CommitConcurrency = 8
	}
	if o.FlushWorkers <= 0 {
		o.FlushWorkers = 2
	}
}

// Cluster owns the session shared by every table store
type Cluster struct {
	session  *gocql.Session
	keyspace string
	opts     Options
	limiter  *rate.Limiter
	pool     *workerpool.WorkerPool
	clock    *clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	ksMu      sync.Mutex
	keyspaces map[string]struct{}
}

// Connect opens a session and creates the keyspace when missing
func Connect(ctx context.Context, opts Options, logger *zap.Logger, m *metrics.Metrics) (*Cluster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	if len(opts.Hosts) == 0 {
		return nil, ferrors.InvalidArgument("at least one cassandra host is required", nil)
	}
	if !identifier.MatchString(opts.Keyspace) {
		return nil, ferrors.InvalidArgument("invalid cassandra keyspace name", nil).WithDetail("keyspace", opts.Keyspace)
	}
	consistency, err := gocql.ParseConsistencyWrapper(opts.Consistency)
	if err != nil {
		return nil, ferrors.InvalidArgument("invalid cassandra consistency", err)
	}

	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Consistency = consistency
	cluster.Timeout = opts.Timeout
	cluster.ConnectTimeout = opts.ConnectTimeout

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, ferrors.Unavailable("failed to connect to cassandra", err).WithDetail("hosts", opts.Hosts)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.CommitRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.CommitRateLimit), opts.CommitConcurrency)
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "cql-flush",
		MaxWorkers: opts.FlushWorkers,
		QueueSize:  opts.FlushWorkers * 4,
		Logger:     logger,
		Metrics:    m,
	})

	logger.Info("Connected to cassandra",
		zap.Strings("hosts", opts.Hosts),
		zap.String("keyspace", opts.Keyspace),
		zap.String("consistency", consistency.String()))

	c := &Cluster{
		session:   session,
		keyspace:  opts.Keyspace,
		opts:      opts,
		limiter:   limiter,
		pool:      pool,
		clock:     &clock{},
		logger:    logger,
		metrics:   m,
		keyspaces: make(map[string]struct{}),
	}
	if err := c.ensureKeyspace(ctx, opts.Keyspace); err != nil {
		_ = pool.Stop(time.Second)
		session.Close()
		return nil, err
	}
	return c, nil
}

// ensureKeyspace creates keyspace once per session
func (c *Cluster) ensureKeyspace(ctx context.Context, keyspace string) error {
	c.ksMu.Lock()
	defer c.ksMu.Unlock()
	if _, ok := c.keyspaces[keyspace]; ok {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		quote(keyspace), c.opts.ReplicationFactor)
	if err := c.session.Query(ddl).WithContext(ctx).Exec(); err != nil {
		return ferrors.Unavailable("failed to create keyspace", err).WithDetail("keyspace", keyspace)
	}
	c.keyspaces[keyspace] = struct{}{}
	c.logger.Info("Keyspace ready", zap.String("keyspace", keyspace))
	return nil
}

// keyspaceFor returns the keyspace a table lives in: its own, or the
// session default when the definition names none
func (c *Cluster) keyspaceFor(def *model.TableDefinition) string {
	if def.Keyspace != "" {
		return def.Keyspace
	}
	return c.keyspace
}

// Ping checks that a coordinator answers
func (c *Cluster) Ping(ctx context.Context) error {
	var v string
	err := c.session.Query("SELECT release_version FROM system.local").WithContext(ctx).Scan(&v)
	return unavailable(err)
}

// Close waits for background flushes and closes the session
func (c *Cluster) Close() error {
	err := c.pool.Stop(30 * time.Second)
	stats := c.pool.Stats()
	c.session.Close()
	c.logger.Info("Cassandra session closed",
		zap.Uint64("flushes", stats.CompletedTasks),
		zap.Uint64("failed_flushes", stats.FailedTasks),
		zap.Uint64("inline_flushes", stats.InlineTasks))
	return err
}

func (c *Cluster) table(name string) string {
	return qualified(c.keyspace, name)
}

func qualified(keyspace, name string) string {
	return quote(keyspace) + "." + quote(name)
}

func quote(name string) string {
	return `"` + name + `"`
}

func unavailable(err error) error {
	if err == nil || ferrors.IsStorageError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ferrors.Unavailable("cassandra request failed", err)
}

// clock hands out strictly increasing microsecond write timestamps
type clock struct {
	mu   sync.Mutex
	last int64
}

func (c *clock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMicro()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
