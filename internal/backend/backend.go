// Package backend opens the store and sequence backends named in the
// configuration and hands out table stores and message box services on
// top of them.
package backend

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/config"
	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/health"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/natskv"
	"github.com/aykutalparslan/ferrite/internal/sequence"
	"github.com/aykutalparslan/ferrite/internal/service"
	"github.com/aykutalparslan/ferrite/internal/store"
	"github.com/aykutalparslan/ferrite/internal/store/cqlstore"
	"github.com/aykutalparslan/ferrite/internal/store/memstore"
	"github.com/aykutalparslan/ferrite/internal/store/pebblestore"
	"github.com/aykutalparslan/ferrite/internal/store/pgstore"
	"github.com/aykutalparslan/ferrite/internal/validation"
)

// Backends owns every connection the node opened
type Backends struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	validator *validation.Validator

	mem    *memstore.DB
	pebble *pebblestore.Engine
	pg     *pgstore.DB
	cql    *cqlstore.Cluster
	redis  redis.UniversalClient
	nats   *natskv.Bucket

	// Sequence serves counters and sets from the configured backend
	Sequence *sequence.Services
	// Registry hands out message boxes built on Sequence
	Registry *service.Registry

	probes  map[string]health.Probe
	closers []func() error

	mu     sync.Mutex
	tables map[string]*table
}

type table struct {
	def   *model.TableDefinition
	store store.Store
}

// Connect opens the backends selected by cfg.Store.Backend and
// cfg.Sequence.Backend. A backend used by both is opened once. Connection
// failures are returned as Unavailable and leave nothing open.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Backends, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, ferrors.InvalidArgument("invalid configuration", err)
	}

	b := &Backends{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		validator: validation.NewValidatorWithLimits(cfg.Store.MaxValueSize, 0),
		probes:    make(map[string]health.Probe),
		tables:    make(map[string]*table),
	}
	for _, name := range []string{cfg.Store.Backend, cfg.Sequence.Backend} {
		if err := b.open(ctx, name); err != nil {
			return nil, multierr.Append(err, b.closeBackends())
		}
	}
	seq, err := b.sequenceServices(ctx)
	if err != nil {
		return nil, multierr.Append(err, b.closeBackends())
	}
	b.Sequence = seq
	b.Registry = service.NewRegistry(service.RegistryConfig{
		MaxBoxes:          cfg.MessageBox.MaxBoxes,
		UnreadConcurrency: cfg.MessageBox.UnreadConcurrency,
		FrequencyWeight:   cfg.MessageBox.FrequencyWeight,
		RecencyWeight:     cfg.MessageBox.RecencyWeight,
	}, b.Sequence, logger, m)

	logger.Info("Backends connected",
		zap.String("store", cfg.Store.Backend),
		zap.String("sequence", cfg.Sequence.Backend))
	return b, nil
}

// open connects one backend unless it is already open
func (b *Backends) open(ctx context.Context, name string) error {
	cfg := b.cfg
	switch name {
	case config.BackendMemory:
		if b.mem != nil {
			return nil
		}
		b.mem = memstore.NewDB()
		b.closers = append(b.closers, b.mem.Close)
		b.probes[name] = func(ctx context.Context) error { return ctx.Err() }

	case config.BackendPebble:
		if b.pebble != nil {
			return nil
		}
		e, err := pebblestore.Open(pebblestore.Options{
			Dir:                 cfg.Pebble.Dir,
			InMemory:            cfg.Pebble.InMemory,
			CacheSizeMB:         cfg.Pebble.CacheSizeMB,
			DisableSync:         cfg.Pebble.DisableSync,
			MaxDiskUsagePercent: cfg.Pebble.MaxDiskUsagePercent,
		}, b.logger, b.metrics)
		if err != nil {
			return err
		}
		b.pebble = e
		b.closers = append(b.closers, e.Close)
		b.probes[name] = func(ctx context.Context) error {
			_, _, err := e.Get(ctx, []byte{0})
			return err
		}

	case config.BackendPostgres:
		if b.pg != nil {
			return nil
		}
		db, err := pgstore.Connect(ctx, pgstore.Options{
			DSN:            cfg.Postgres.DSN,
			Schema:         cfg.Store.Keyspace,
			MaxConns:       cfg.Postgres.MaxConns,
			MinConns:       cfg.Postgres.MinConns,
			FlushThreshold: cfg.Postgres.FlushThreshold,
		}, b.logger, b.metrics)
		if err != nil {
			return err
		}
		b.pg = db
		b.closers = append(b.closers, func() error { db.Close(); return nil })
		b.probes[name] = db.Ping

	case config.BackendCassandra:
		if b.cql != nil {
			return nil
		}
		c, err := cqlstore.Connect(ctx, cqlstore.Options{
			Hosts:              cfg.Cassandra.Hosts,
			Keyspace:           cfg.Store.Keyspace,
			ReplicationFactor:  cfg.Cassandra.ReplicationFactor,
			Consistency:        cfg.Cassandra.Consistency,
			Timeout:            cfg.Cassandra.Timeout,
			ConnectTimeout:     cfg.Cassandra.ConnectTimeout,
			FlushThreshold:     cfg.Cassandra.FlushThreshold,
			MaxBatchStatements: cfg.Cassandra.MaxBatchStatements,
			CommitConcurrency:  cfg.Cassandra.CommitConcurrency,
			CommitRateLimit:    cfg.Cassandra.CommitRateLimit,
			FlushWorkers:       cfg.Cassandra.FlushWorkers,
		}, b.logger, b.metrics)
		if err != nil {
			return err
		}
		b.cql = c
		b.closers = append(b.closers, c.Close)
		b.probes[name] = c.Ping

	case config.BackendRedis:
		if b.redis != nil {
			return nil
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return ferrors.Unavailable("failed to connect to redis", err).WithDetail("addrs", cfg.Redis.Addrs)
		}
		b.redis = client
		b.closers = append(b.closers, client.Close)
		b.probes[name] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		b.logger.Info("Connected to redis", zap.Strings("addrs", cfg.Redis.Addrs))

	case config.BackendNATS:
		if b.nats != nil {
			return nil
		}
		bucket, err := natskv.Open(ctx, natskv.Options{
			URL:        cfg.NATS.URL,
			Bucket:     cfg.NATS.Bucket,
			Replicas:   cfg.NATS.Replicas,
			Timeout:    cfg.NATS.Timeout,
			ClientName: "ferrite-" + cfg.Server.NodeID,
		}, b.logger, b.metrics)
		if err != nil {
			return err
		}
		b.nats = bucket
		b.closers = append(b.closers, bucket.Close)
		b.probes[name] = bucket.Ping

	default:
		return ferrors.InvalidArgument("unknown backend", nil).WithDetail("backend", name)
	}
	return nil
}

func (b *Backends) casOptions() sequence.CASOptions {
	return sequence.CASOptions{
		MaxAttempts:   b.cfg.Sequence.MaxAttempts,
		RetryDelay:    b.cfg.Sequence.RetryDelay,
		MaxRetryDelay: b.cfg.Sequence.MaxRetryDelay,
	}
}

func (b *Backends) sequenceServices(ctx context.Context) (*sequence.Services, error) {
	ns := b.cfg.Sequence.Namespace
	cas := func(vs sequence.VersionedStore, backend string) *sequence.Services {
		u := sequence.NewCASUpdater(vs, backend, b.casOptions(), b.logger, b.metrics)
		return sequence.NewUpdaterServices(u, backend, b.logger, b.metrics)
	}

	switch b.cfg.Sequence.Backend {
	case config.BackendMemory:
		return cas(memstore.NewVersionedMap(b.mem, ns), memstore.Backend), nil
	case config.BackendPebble:
		return b.pebble.Services(ns), nil
	case config.BackendPostgres:
		t, err := b.pg.VersionedTable(ctx, ns)
		if err != nil {
			return nil, err
		}
		return cas(t, pgstore.Backend), nil
	case config.BackendCassandra:
		t, err := b.cql.VersionedTable(ctx, ns)
		if err != nil {
			return nil, err
		}
		return cas(t, cqlstore.Backend), nil
	case config.BackendRedis:
		return sequence.NewRedisServices(b.redis, b.cfg.Redis.KeyPrefix, b.logger, b.metrics), nil
	case config.BackendNATS:
		return b.nats.Services(b.casOptions()), nil
	}
	return nil, ferrors.InvalidArgument("unknown sequence backend", nil).WithDetail("backend", b.cfg.Sequence.Backend)
}

func (b *Backends) newStore() (store.Store, string) {
	switch b.cfg.Store.Backend {
	case config.BackendMemory:
		return memstore.NewStore(b.mem, b.logger, b.metrics), memstore.Backend
	case config.BackendPebble:
		return b.pebble.NewStore(b.logger), pebblestore.Backend
	case config.BackendPostgres:
		return b.pg.NewStore(), pgstore.Backend
	default:
		return b.cql.NewStore(), cqlstore.Backend
	}
}

// OpenTable returns the store bound to def, creating it on first use. The
// store is shared by every caller asking for the same keyspace and table.
func (b *Backends) OpenTable(ctx context.Context, def *model.TableDefinition) (store.Store, error) {
	if def == nil {
		return nil, ferrors.InvalidArgument("table definition is required", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	name := def.QualifiedName()
	if t, ok := b.tables[name]; ok {
		if !t.def.Equal(def) {
			return nil, ferrors.SchemaMismatch(name, nil)
		}
		return t.store, nil
	}

	next, backend := b.newStore()
	s := store.NewInstrumented(next, backend, name, b.validator, b.logger, b.metrics)
	if err := s.SetSchema(ctx, def); err != nil {
		_ = s.Close()
		return nil, err
	}
	b.tables[name] = &table{def: def, store: s}
	b.logger.Info("Table registered",
		zap.String("table", name),
		zap.String("backend", backend),
		zap.Int("secondary_indices", len(def.SecondaryIndices)))
	return s, nil
}

// RegisterTables opens a store for every definition
func (b *Backends) RegisterTables(ctx context.Context, defs []*model.TableDefinition) error {
	for _, def := range defs {
		if _, err := b.OpenTable(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// Table returns a previously opened store by its qualified name,
// keyspace.name
func (b *Backends) Table(name string) (store.Store, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[name]
	if !ok {
		return nil, false
	}
	return t.store, true
}

// Probes returns a health probe per open backend
func (b *Backends) Probes() map[string]health.Probe {
	probes := make(map[string]health.Probe, len(b.probes))
	for k, v := range b.probes {
		probes[k] = v
	}
	return probes
}

// Close commits and closes every table store, then closes the backends in
// reverse opening order
func (b *Backends) Close(ctx context.Context) error {
	b.mu.Lock()
	tables := b.tables
	b.tables = make(map[string]*table)
	b.mu.Unlock()

	var err error
	for name, t := range tables {
		if cerr := t.store.Commit(ctx); cerr != nil {
			b.logger.Error("Failed to commit table on shutdown", zap.String("table", name), zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
		err = multierr.Append(err, t.store.Close())
	}
	err = multierr.Append(err, b.closeBackends())
	b.logger.Info("Backends closed", zap.Error(err))
	return err
}

func (b *Backends) closeBackends() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i]())
	}
	b.closers = nil
	return err
}
