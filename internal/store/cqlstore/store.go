package cqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/store"
	"github.com/aykutalparslan/ferrite/internal/util/workerpool"
)

func cqlType(t model.ColumnType) string {
	switch t {
	case model.TypeBool:
		return "boolean"
	case model.TypeInt32:
		return "int"
	case model.TypeInt64, model.TypeDateTime:
		return "bigint"
	case model.TypeFloat32:
		return "float"
	case model.TypeFloat64:
		return "double"
	case model.TypeString:
		return "text"
	default:
		return "blob"
	}
}

func checkIdentifiers(def *model.TableDefinition) error {
	names := []string{def.Name}
	if def.Keyspace != "" {
		names = append(names, def.Keyspace)
	}
	for _, c := range def.PrimaryKey.Columns {
		names = append(names, c.Name)
	}
	for _, idx := range def.SecondaryIndices {
		names = append(names, idx.Name)
	}
	for _, n := range names {
		if !identifier.MatchString(n) || n == "value" || n == "pk" {
			return ferrors.SchemaMismatch(def.Name, fmt.Errorf("%q is not a usable cql identifier", n))
		}
	}
	return nil
}

// primaryKey renders ((first), rest...)
func primaryKey(cols []string) string {
	out := "((" + cols[0] + ")"
	if len(cols) > 1 {
		out += ", " + strings.Join(cols[1:], ", ")
	}
	return out + ")"
}

func quoted(cols []model.DataColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quote(c.Name)
	}
	return out
}

func where(cols []model.DataColumn) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = quote(c.Name) + " = ?"
	}
	return strings.Join(parts, " AND ")
}

func marks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type layout struct {
	keyspace string
	ddl      []string
	insert   string
	get      string
	delete   string
	scans    []string
	indices  map[string]indexLayout
}

type indexLayout struct {
	insert string
	lookup string
	delete string
}

func (c *Cluster) layout(def *model.TableDefinition) *layout {
	pk := def.PrimaryKey.Columns
	keyspace := c.keyspaceFor(def)
	table := qualified(keyspace, def.Name)
	cols := quoted(pk)

	defs := make([]string, 0, len(pk))
	for _, col := range pk {
		defs = append(defs, quote(col.Name)+" "+cqlType(col.Type))
	}
	l := &layout{
		keyspace: keyspace,
		ddl: []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, value blob, PRIMARY KEY %s)",
			table, strings.Join(defs, ", "), primaryKey(cols))},
		insert: fmt.Sprintf("INSERT INTO %s (%s, value) VALUES (%s) USING TIMESTAMP ?",
			table, strings.Join(cols, ", "), marks(len(pk)+1)),
		get:     fmt.Sprintf("SELECT value FROM %s WHERE %s", table, where(pk)),
		delete:  fmt.Sprintf("DELETE FROM %s USING TIMESTAMP ? WHERE %s", table, where(pk)),
		indices: make(map[string]indexLayout, len(def.SecondaryIndices)),
	}
	// scans[n] restricts the first n columns; the partition column is required
	l.scans = make([]string, len(pk)+1)
	for n := 1; n <= len(pk); n++ {
		l.scans[n] = fmt.Sprintf("SELECT value FROM %s WHERE %s", table, where(pk[:n]))
	}

	for _, idx := range def.SecondaryIndices {
		name := qualified(keyspace, def.Name+"_"+idx.Name)
		icols := quoted(idx.Columns)
		idefs := make([]string, 0, len(idx.Columns))
		for _, col := range idx.Columns {
			idefs = append(idefs, quote(col.Name)+" "+cqlType(col.Type))
		}
		l.ddl = append(l.ddl, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, pk blob, PRIMARY KEY %s)",
			name, strings.Join(idefs, ", "), primaryKey(append(icols, "pk"))))
		l.indices[idx.Name] = indexLayout{
			insert: fmt.Sprintf("INSERT INTO %s (%s, pk) VALUES (%s) USING TIMESTAMP ?",
				name, strings.Join(icols, ", "), marks(len(idx.Columns)+1)),
			lookup: fmt.Sprintf("SELECT pk FROM %s WHERE %s", name, where(idx.Columns)),
			delete: fmt.Sprintf("DELETE FROM %s USING TIMESTAMP ? WHERE %s AND pk = ?", name, where(idx.Columns)),
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

type statement struct {
	cql  string
	args []interface{}
}

// operation groups the statements of one Put or Delete so they land in the
// same batch
type operation []statement

// Store is a table store on a Cluster
type Store struct {
	cluster *Cluster
	binding *store.Binding
	logger  *zap.Logger

	layoutMu sync.RWMutex
	layout   *layout

	mu       sync.Mutex
	queue    []operation
	asyncErr error
	// flushing counts background flushes; idle is signalled on s.mu when
	// it drops to zero
	flushing int
	idle     *sync.Cond
}

// NewStore returns an unbound table store
func (c *Cluster) NewStore() *Store {
	s := &Store{cluster: c, binding: store.NewBinding(""), logger: c.logger}
	s.idle = sync.NewCond(&s.mu)
	return s
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

func (s *Store) SetSchema(ctx context.Context, def *model.TableDefinition) error {
	if _, err := store.NewCodec(def); err != nil {
		return err
	}
	if err := checkIdentifiers(def); err != nil {
		return err
	}
	l := s.cluster.layout(def)
	if err := s.cluster.ensureKeyspace(ctx, l.keyspace); err != nil {
		return err
	}
	for _, stmt := range l.ddl {
		if err := s.cluster.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
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

func (s *Store) enqueue(op operation) {
	s.mu.Lock()
	s.queue = append(s.queue, op)
	depth := len(s.queue)
	s.mu.Unlock()

	s.cluster.metrics.UpdateWriteQueue(Backend, depth)
	if depth >= s.cluster.opts.FlushThreshold {
		s.triggerFlushAsync()
	}
}

// triggerFlushAsync hands the queue to the flush pool. When the pool is
// saturated the flush runs on the caller.
func (s *Store) triggerFlushAsync() {
	s.mu.Lock()
	s.flushing++
	s.mu.Unlock()
	err := s.cluster.pool.SubmitOrRun(workerpool.Task{
		ID:      "flush",
		Context: context.Background(),
		Fn: func(ctx context.Context) error {
			err := s.flush(ctx, "threshold")
			s.mu.Lock()
			if err != nil {
				s.asyncErr = errors.Join(s.asyncErr, err)
			}
			s.flushing--
			if s.flushing == 0 {
				s.idle.Broadcast()
			}
			s.mu.Unlock()
			return err
		},
	})
	if err != nil {
		s.logger.Warn("Background flush failed", zap.Error(err))
	}
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
	if err := ctx.Err(); err != nil {
		return err
	}

	op := make(operation, 0, len(entries)+1)
	op = append(op, statement{l.insert, natives(keys, value, s.cluster.clock.next())})
	for _, e := range entries {
		op = append(op, statement{l.indices[e.Index.Name].insert, natives(e.Values, rowKey, s.cluster.clock.next())})
	}
	s.enqueue(op)
	return nil
}

func (s *Store) get(ctx context.Context, l *layout, keys []model.Value) ([]byte, bool, error) {
	var value []byte
	err := s.cluster.session.Query(l.get, natives(keys)...).WithContext(ctx).Scan(&value)
	if errors.Is(err, gocql.ErrNotFound) {
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
	scanner := s.cluster.session.Query(l.indices[index].lookup, natives(keys)...).WithContext(ctx).Iter().Scanner()
	var candidates [][]byte
	for scanner.Next() {
		var pk []byte
		if err := scanner.Scan(&pk); err != nil {
			return nil, nil, false, unavailable(err)
		}
		candidates = append(candidates, pk)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, false, unavailable(err)
	}
	return store.ResolveIndex(ctx, store.IndexLookup{
		Codec:   codec,
		Index:   index,
		Backend: Backend,
		Logger:  s.logger,
		Metrics: s.cluster.metrics,
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

func (s *Store) enqueueDelete(codec *store.Codec, l *layout, rowKey []byte, keys []model.Value) error {
	entries, err := codec.IndexEntries(keys)
	if err != nil {
		return err
	}
	op := make(operation, 0, len(entries)+1)
	for _, e := range entries {
		args := append([]interface{}{s.cluster.clock.next()}, natives(e.Values, rowKey)...)
		op = append(op, statement{l.indices[e.Index.Name].delete, args})
	}
	op = append(op, statement{l.delete, append([]interface{}{s.cluster.clock.next()}, natives(keys)...)})
	s.enqueue(op)
	return nil
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
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.enqueueDelete(codec, l, rowKey, keys)
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
	return s.enqueueDelete(codec, l, rowKey, pk)
}

// Iterate pages through one partition. The prefix must include the
// partition column.
func (s *Store) Iterate(ctx context.Context, prefix ...model.Value) (store.Iterator, error) {
	codec, l, err := s.bound()
	if err != nil {
		return nil, err
	}
	if _, err := codec.RowPrefix(prefix); err != nil {
		return nil, err
	}
	if len(prefix) == 0 {
		return nil, ferrors.InvalidArgument("iteration requires the partition column", nil).
			WithDetail("table", codec.Table().Name)
	}
	q := s.cluster.session.Query(l.scans[len(prefix)], natives(prefix)...).WithContext(ctx).PageSize(256)
	return &scanIterator{scanner: q.Iter().Scanner()}, nil
}

// Commit waits for background flushes and executes whatever is still queued
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	for s.flushing > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
	err := s.flush(ctx, "commit")

	s.mu.Lock()
	asyncErr := s.asyncErr
	s.asyncErr = nil
	s.mu.Unlock()
	return errors.Join(asyncErr, err)
}

func (s *Store) flush(ctx context.Context, trigger string) error {
	s.mu.Lock()
	ops := s.queue
	s.queue = nil
	s.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	s.cluster.metrics.UpdateWriteQueue(Backend, 0)

	start := time.Now()
	batches := pack(ops, s.cluster.opts.MaxBatchStatements)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cluster.opts.CommitConcurrency)
	for _, batch := range batches {
		g.Go(func() error {
			if err := s.cluster.limiter.Wait(gctx); err != nil {
				return err
			}
			b := s.cluster.session.NewBatch(gocql.UnloggedBatch).WithContext(gctx)
			for _, st := range batch {
				b.Query(st.cql, st.args...)
			}
			return s.cluster.session.ExecuteBatch(b)
		})
	}
	err := g.Wait()
	s.cluster.metrics.RecordFlush(Backend, trigger, time.Since(start).Seconds())
	if err != nil {
		s.logger.Error("Failed to flush write queue",
			zap.String("backend", Backend),
			zap.String("trigger", trigger),
			zap.Int("operations", len(ops)),
			zap.Error(err))
		return unavailable(err)
	}
	s.logger.Debug("Write queue flushed",
		zap.String("backend", Backend),
		zap.String("trigger", trigger),
		zap.Int("operations", len(ops)),
		zap.Int("batches", len(batches)),
		zap.Duration("latency", time.Since(start)))
	return nil
}

// pack groups whole operations into batches of at most limit statements. An
// operation larger than limit gets a batch of its own.
func pack(ops []operation, limit int) [][]statement {
	var batches [][]statement
	var cur []statement
	for _, op := range ops {
		if len(cur) > 0 && len(cur)+len(op) > limit {
			batches = append(batches, cur)
			cur = nil
		}
		cur = append(cur, op...)
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// Close flushes queued writes; the session is closed by its Cluster
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Commit(ctx)
}

type scanIterator struct {
	scanner gocql.Scanner
	value   []byte
	err     error
	done    bool
}

func (it *scanIterator) Next() bool {
	if it.done {
		return false
	}
	if !it.scanner.Next() {
		it.finish()
		return false
	}
	var v []byte
	if err := it.scanner.Scan(&v); err != nil {
		it.err = unavailable(err)
		it.finish()
		return false
	}
	it.value = v
	return true
}

func (it *scanIterator) finish() {
	if it.done {
		return
	}
	it.done = true
	if err := it.scanner.Err(); err != nil && it.err == nil {
		it.err = unavailable(err)
	}
}

func (it *scanIterator) Value() []byte { return it.value }
func (it *scanIterator) Err() error    { return it.err }

func (it *scanIterator) Close() error {
	it.finish()
	return nil
}
