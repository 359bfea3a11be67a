package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
)

// Mutation is one write in an ordered KV batch
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// KVIterator walks key/value pairs in ascending key order
type KVIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// KV is an ordered byte-keyed engine. Apply must perform the mutations in
// order; engines with atomic batches apply them all or none.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Scan(ctx context.Context, prefix []byte) (KVIterator, error)
	Apply(ctx context.Context, muts []Mutation) error
}

// KVStore implements Store for one table over an ordered KV engine using the
// memcomparable key layout. Index entries are stored under
// index key + escaped row key with the row key as value.
type KVStore struct {
	kv      KV
	backend string
	binding *Binding
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewKVStore returns an unbound store; SetSchema binds it to a table
func NewKVStore(kv KV, backend string, logger *zap.Logger, m *metrics.Metrics) *KVStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{
		kv:      kv,
		backend: backend,
		binding: NewBinding(""),
		logger:  logger,
		metrics: m,
	}
}

func (s *KVStore) SetSchema(ctx context.Context, def *model.TableDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.binding.Bind(def)
	return err
}

func (s *KVStore) Put(ctx context.Context, value []byte, keys ...model.Value) error {
	codec, err := s.binding.Codec()
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

	muts := make([]Mutation, 0, len(entries)+1)
	muts = append(muts, Mutation{Key: rowKey, Value: value})
	for _, e := range entries {
		muts = append(muts, Mutation{Key: e.EntryKey(rowKey), Value: rowKey})
	}
	return s.kv.Apply(ctx, muts)
}

func (s *KVStore) Get(ctx context.Context, keys ...model.Value) ([]byte, bool, error) {
	codec, err := s.binding.Codec()
	if err != nil {
		return nil, false, err
	}
	rowKey, err := codec.RowKey(keys)
	if err != nil {
		return nil, false, err
	}
	return s.kv.Get(ctx, rowKey)
}

func (s *KVStore) resolve(ctx context.Context, codec *Codec, index string, keys []model.Value) (rowKey, value []byte, found bool, err error) {
	_, indexKey, err := codec.IndexKey(index, keys)
	if err != nil {
		return nil, nil, false, err
	}
	it, err := s.kv.Scan(ctx, indexKey)
	if err != nil {
		return nil, nil, false, err
	}
	var candidates [][]byte
	for it.Next() {
		candidates = append(candidates, it.Value())
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return nil, nil, false, err
	}
	return ResolveIndex(ctx, IndexLookup{
		Codec:   codec,
		Index:   index,
		Backend: s.backend,
		Logger:  s.logger,
		Metrics: s.metrics,
	}, candidates, s.kv.Get)
}

func (s *KVStore) GetBySecondaryIndex(ctx context.Context, index string, keys ...model.Value) ([]byte, bool, error) {
	codec, err := s.binding.Codec()
	if err != nil {
		return nil, false, err
	}
	_, value, found, err := s.resolve(ctx, codec, index, keys)
	return value, found, err
}

func (s *KVStore) Delete(ctx context.Context, keys ...model.Value) error {
	codec, err := s.binding.Codec()
	if err != nil {
		return err
	}
	rowKey, err := codec.RowKey(keys)
	if err != nil {
		return err
	}
	return s.deleteRow(ctx, codec, rowKey, keys)
}

func (s *KVStore) deleteRow(ctx context.Context, codec *Codec, rowKey []byte, keys []model.Value) error {
	entries, err := codec.IndexEntries(keys)
	if err != nil {
		return err
	}
	muts := make([]Mutation, 0, len(entries)+1)
	for _, e := range entries {
		muts = append(muts, Mutation{Key: e.EntryKey(rowKey), Delete: true})
	}
	muts = append(muts, Mutation{Key: rowKey, Delete: true})
	return s.kv.Apply(ctx, muts)
}

func (s *KVStore) DeleteBySecondaryIndex(ctx context.Context, index string, keys ...model.Value) error {
	codec, err := s.binding.Codec()
	if err != nil {
		return err
	}
	rowKey, _, found, err := s.resolve(ctx, codec, index, keys)
	if err != nil || !found {
		return err
	}
	pk, err := codec.DecodeRowKey(rowKey)
	if err != nil {
		return err
	}
	return s.deleteRow(ctx, codec, rowKey, pk)
}

func (s *KVStore) Iterate(ctx context.Context, prefix ...model.Value) (Iterator, error) {
	codec, err := s.binding.Codec()
	if err != nil {
		return nil, err
	}
	start, err := codec.RowPrefix(prefix)
	if err != nil {
		return nil, err
	}
	it, err := s.kv.Scan(ctx, start)
	if err != nil {
		return nil, err
	}
	return &valueIterator{it: it}, nil
}

// Commit is a no-op: every KV write is applied when issued
func (s *KVStore) Commit(ctx context.Context) error { return ctx.Err() }

// Close is a no-op; the engine is shared and closed by its owner
func (s *KVStore) Close() error { return nil }

type valueIterator struct {
	it KVIterator
}

func (v *valueIterator) Next() bool    { return v.it.Next() }
func (v *valueIterator) Value() []byte { return v.it.Value() }
func (v *valueIterator) Err() error    { return v.it.Err() }
func (v *valueIterator) Close() error  { return v.it.Close() }
