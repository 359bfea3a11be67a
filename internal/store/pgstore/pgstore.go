// Package pgstore is the SQL backend for PostgreSQL and CockroachDB.
//
// Each table becomes a relation keyed by its typed primary key columns with
// a value column; each secondary index becomes <table>_<index>, keyed by the
// index columns plus the encoded primary key. Writes are queued in a
// pgx.Batch and sent in one transaction by Commit.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/store"
)

const Backend = "postgres"

// Options configures the connection pool
type Options struct {
	DSN            string
	Schema         string
	MaxConns       int32
	MinConns       int32
	FlushThreshold int
}

// DB owns the connection pool shared by every table store
type DB struct {
	pool    *pgxpool.Pool
	schema  string
	flushAt int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Connect opens the pool and verifies the server is reachable
func Connect(ctx context.Context, opts Options, logger *zap.Logger, m *metrics.Metrics) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Schema == "" {
		return nil, ferrors.InvalidArgument("postgres schema is required", nil)
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, ferrors.InvalidArgument("failed to parse postgres connection string", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, ferrors.Unavailable("failed to create postgres pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, ferrors.Unavailable("failed to ping postgres", err)
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{opts.Schema}.Sanitize()); err != nil {
		pool.Close()
		return nil, ferrors.Unavailable("failed to create schema", err).WithDetail("schema", opts.Schema)
	}

	flushAt := opts.FlushThreshold
	if flushAt <= 0 {
		flushAt = 512
	}
	logger.Info("Connected to postgres",
		zap.String("schema", opts.Schema),
		zap.Int32("max_conns", cfg.MaxConns))

	return &DB{pool: pool, schema: opts.Schema, flushAt: flushAt, logger: logger, metrics: m}, nil
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return unavailable(db.pool.Ping(ctx))
}

// Close closes the pool
func (db *DB) Close() {
	db.logger.Info("Closing postgres pool")
	db.pool.Close()
}

func unavailable(err error) error {
	if err == nil || ferrors.IsStorageError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ferrors.Unavailable("postgres request failed", err)
}

func (db *DB) ident(name string) string {
	return pgx.Identifier{db.schema, name}.Sanitize()
}

// schemaFor returns the schema a table lives in: its keyspace, or the
// connection default when the definition names none
func (db *DB) schemaFor(def *model.TableDefinition) string {
	if def.Keyspace != "" {
		return def.Keyspace
	}
	return db.schema
}

func column(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sqlType(t model.ColumnType) string {
	switch t {
	case model.TypeBool:
		return "BOOLEAN"
	case model.TypeInt32:
		return "INTEGER"
	case model.TypeInt64, model.TypeDateTime:
		return "BIGINT"
	case model.TypeFloat32:
		return "REAL"
	case model.TypeFloat64:
		return "DOUBLE PRECISION"
	case model.TypeString:
		return `TEXT COLLATE "C"`
	default:
		return "BYTEA"
	}
}

// layout holds the statements of one bound table
type layout struct {
	def     *model.TableDefinition
	ddl     []string
	upsert  string
	get     string
	delete  string
	indices map[string]indexLayout
	// scans[n] selects rows matching the first n primary key columns
	scans []string
}

type indexLayout struct {
	def    model.KeyDefinition
	insert string
	lookup string
	delete string
}

func columnList(cols []model.DataColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = column(c.Name)
	}
	return out
}

func where(cols []model.DataColumn, first int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = $%d", column(c.Name), first+i)
	}
	return strings.Join(parts, " AND ")
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func (db *DB) layout(def *model.TableDefinition) *layout {
	pk := def.PrimaryKey.Columns
	schema := db.schemaFor(def)
	table := pgx.Identifier{schema, def.Name}.Sanitize()
	cols := columnList(pk)

	defs := make([]string, 0, len(pk)+1)
	for _, c := range pk {
		defs = append(defs, column(c.Name)+" "+sqlType(c.Type)+" NOT NULL")
	}
	l := &layout{
		def: def,
		ddl: []string{
			"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize(),
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, value BYTEA NOT NULL, PRIMARY KEY (%s))",
				table, strings.Join(defs, ", "), strings.Join(cols, ", ")),
		},
		upsert: fmt.Sprintf("INSERT INTO %s (%s, value) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET value = EXCLUDED.value",
			table, strings.Join(cols, ", "), placeholders(len(pk)+1), strings.Join(cols, ", ")),
		get:     fmt.Sprintf("SELECT value FROM %s WHERE %s", table, where(pk, 1)),
		delete:  fmt.Sprintf("DELETE FROM %s WHERE %s", table, where(pk, 1)),
		indices: make(map[string]indexLayout, len(def.SecondaryIndices)),
	}

	order := strings.Join(cols, ", ")
	for n := 0; n <= len(pk); n++ {
		q := fmt.Sprintf("SELECT value FROM %s", table)
		if n > 0 {
			q += " WHERE " + where(pk[:n], 1)
		}
		l.scans = append(l.scans, q+" ORDER BY "+order)
	}

	for _, idx := range def.SecondaryIndices {
		name := pgx.Identifier{schema, def.Name + "_" + idx.Name}.Sanitize()
		icols := columnList(idx.Columns)
		idefs := make([]string, 0, len(idx.Columns)+1)
		for _, c := range idx.Columns {
			idefs = append(idefs, column(c.Name)+" "+sqlType(c.Type)+" NOT NULL")
		}
		l.ddl = append(l.ddl, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, pk BYTEA NOT NULL, PRIMARY KEY (%s, pk))",
			name, strings.Join(idefs, ", "), strings.Join(icols, ", ")))
		l.indices[idx.Name] = indexLayout{
			def: idx,
			insert: fmt.Sprintf("INSERT INTO %s (%s, pk) VALUES (%s) ON CONFLICT DO NOTHING",
				name, strings.Join(icols, ", "), placeholders(len(idx.Columns)+1)),
			lookup: fmt.Sprintf("SELECT pk FROM %s WHERE %s", name, where(idx.Columns, 1)),
			delete: fmt.Sprintf("DELETE FROM %s WHERE %s AND pk = $%d", name, where(idx.Columns, 1), len(idx.Columns)+1),
		}
	}
	return l
}

func natives(values []model.Value, extra ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(values)+len(extra))
	for _, v := range values {
		out = append(out, v.Native())
	}
	return append(out, extra...)
}

// Store is a table store on a DB
type Store struct {
	db      *DB
	binding *store.Binding
	logger  *zap.Logger

	layoutMu sync.RWMutex
	layout   *layout

	mu    sync.Mutex
	batch *pgx.Batch
}

// NewStore returns an unbound table store
func (db *DB) NewStore() *Store {
	return &Store{
		db:      db,
		binding: store.NewBinding(""),
		logger:  db.logger,
		batch:   &pgx.Batch{},
	}
}

func (s *Store) bound() (*store.Codec, *layout, error) {
	codec, err := s.binding.Codec()
	if err != nil {
		return nil, nil, err
	}
	s.layoutMu.RLock()
	defer s.layoutMu.RUnlock()
	return codec, s.layout, nil
}

// SetSchema creates the relations of def when missing
func (s *Store) SetSchema(ctx context.Context, def *model.TableDefinition) error {
	if _, err := store.NewCodec(def); err != nil {
		return err
	}
	l := s.db.layout(def)
	for _, stmt := range l.ddl {
		if _, err := s.db.pool.Exec(ctx, stmt); err != nil {
			return unavailable(err)
		}
	}
	if _, err := s.binding.Bind(def); err != nil {
		return err
	}
	s.layoutMu.Lock()
	s.layout = l
	s.layoutMu.Unlock()
	s.logger.Info("Table schema registered",
		zap.String("backend", Backend),
		zap.String("table", def.QualifiedName()),
		zap.Int("indices", len(def.SecondaryIndices)))
	return nil
}

func (s *Store) queue(ctx context.Context, stmts func(b *pgx.Batch)) error {
	s.mu.Lock()
	stmts(s.batch)
	depth := s.batch.Len()
	s.mu.Unlock()

	s.db.metrics.UpdateWriteQueue(Backend, depth)
	if depth >= s.db.flushAt {
		return s.flush(ctx, "threshold")
	}
	return nil
}

func (s *Store) Put(ctx context.Context, value []byte, keys ...model.Value) error {
	codec, l, err := s.bound()
	if err != nil {
		return err
	}
	rowKey, err := codec.RowKey(keys)
	if err != nil {
		return err
	}
	entries, err := codec.IndexEntries(keys)
	if err != nil {
		return err
	}
	return s.queue(ctx, func(b *pgx.Batch) {
		b.Queue(l.upsert, natives(keys, value)...)
		for _, e := range entries {
			b.Queue(l.indices[e.Index.Name].insert, natives(e.Values, rowKey)...)
		}
	})
}

func (s *Store) get(ctx context.Context, l *layout, keys []model.Value) ([]byte, bool, error) {
	var value []byte
	err := s.db.pool.QueryRow(ctx, l.get, natives(keys)...).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	return value, true, nil
}

func (s *Store) Get(ctx context.Context, keys ...model.Value) ([]byte, bool, error) {
	codec, l, err := s.bound()
	if err != nil {
		return nil, false, err
	}
	if err := codec.CheckPrimary(keys); err != nil {
		return nil, false, err
	}
	return s.get(ctx, l, keys)
}

func (s *Store) resolve(ctx context.Context, codec *store.Codec, l *layout, index string, keys []model.Value) ([]byte, []byte, bool, error) {
	if _, _, err := codec.IndexKey(index, keys); err != nil {
		return nil, nil, false, err
	}
	rows, err := s.db.pool.Query(ctx, l.indices[index].lookup, natives(keys)...)
	if err != nil {
		return nil, nil, false, unavailable(err)
	}
	candidates, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, nil, false, unavailable(err)
	}
	return store.ResolveIndex(ctx, store.IndexLookup{
		Codec:   codec,
		Index:   index,
		Backend: Backend,
		Logger:  s.logger,
		Metrics: s.db.metrics,
	}, candidates, func(ctx context.Context, rowKey []byte) ([]byte, bool, error) {
		pk, err := codec.DecodeRowKey(rowKey)
		if err != nil {
			return nil, false, err
		}
		return s.get(ctx, l, pk)
	})
}

func (s *Store) GetBySecondaryIndex(ctx context.Context, index string, keys ...model.Value) ([]byte, bool, error) {
	codec, l, err := s.bound()
	if err != nil {
		return nil, false, err
	}
	_, value, found, err := s.resolve(ctx, codec, l, index, keys)
	return value, found, err
}

func (s *Store) queueDelete(ctx context.Context, codec *store.Codec, l *layout, rowKey []byte, keys []model.Value) error {
	entries, err := codec.IndexEntries(keys)
	if err != nil {
		return err
	}
	return s.queue(ctx, func(b *pgx.Batch) {
		for _, e := range entries {
			b.Queue(l.indices[e.Index.Name].delete, natives(e.Values, rowKey)...)
		}
		b.Queue(l.delete, natives(keys)...)
	})
}

func (s *Store) Delete(ctx context.Context, keys ...model.Value) error {
	codec, l, err := s.bound()
	if err != nil {
		return err
	}
	rowKey, err := codec.RowKey(keys)
	if err != nil {
		return err
	}
	return s.queueDelete(ctx, codec, l, rowKey, keys)
}

func (s *Store) DeleteBySecondaryIndex(ctx context.Context, index string, keys ...model.Value) error {
	codec, l, err := s.bound()
	if err != nil {
		return err
	}
	rowKey, _, found, err := s.resolve(ctx, codec, l, index, keys)
	if err != nil || !found {
		return err
	}
	pk, err := codec.DecodeRowKey(rowKey)
	if err != nil {
		return err
	}
	return s.queueDelete(ctx, codec, l, rowKey, pk)
}

// Iterate streams values from an open cursor in primary key order
func (s *Store) Iterate(ctx context.Context, prefix ...model.Value) (store.Iterator, error) {
	codec, l, err := s.bound()
	if err != nil {
		return nil, err
	}
	if _, err := codec.RowPrefix(prefix); err != nil {
		return nil, err
	}
	rows, err := s.db.pool.Query(ctx, l.scans[len(prefix)], natives(prefix)...)
	if err != nil {
		return nil, unavailable(err)
	}
	return &rowIterator{rows: rows}, nil
}

// Commit sends every queued statement in one transaction
func (s *Store) Commit(ctx context.Context) error {
	return s.flush(ctx, "commit")
}

func (s *Store) flush(ctx context.Context, trigger string) error {
	s.mu.Lock()
	batch := s.batch
	s.batch = &pgx.Batch{}
	s.mu.Unlock()

	if batch.Len() == 0 {
		return nil
	}
	start := time.Now()
	err := pgx.BeginFunc(ctx, s.db.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	s.db.metrics.RecordFlush(Backend, trigger, time.Since(start).Seconds())
	s.db.metrics.UpdateWriteQueue(Backend, 0)
	if err != nil {
		s.logger.Error("Failed to flush write queue",
			zap.String("backend", Backend),
			zap.String("trigger", trigger),
			zap.Int("statements", batch.Len()),
			zap.Error(err))
		return unavailable(err)
	}
	s.logger.Debug("Write queue flushed",
		zap.String("backend", Backend),
		zap.String("trigger", trigger),
		zap.Int("statements", batch.Len()),
		zap.Duration("latency", time.Since(start)))
	return nil
}

// Close flushes pending writes; the pool is closed by its DB
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.flush(ctx, "close")
}

type rowIterator struct {
	rows  pgx.Rows
	value []byte
	err   error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var v []byte
	if err := it.rows.Scan(&v); err != nil {
		it.err = unavailable(err)
		it.rows.Close()
		return false
	}
	it.value = v
	return true
}

func (it *rowIterator) Value() []byte { return it.value }

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return unavailable(it.rows.Err())
}

func (it *rowIterator) Close() error {
	it.rows.Close()
	return nil
}
