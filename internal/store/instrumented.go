package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/validation"
)

// Instrumented wraps a Store with payload validation, latency logging and
// metrics. Backends are wrapped once by the factory that opens them.
type Instrumented struct {
	next      Store
	backend   string
	table     string
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewInstrumented wraps next
func NewInstrumented(next Store, backend, table string, validator *validation.Validator, logger *zap.Logger, m *metrics.Metrics) *Instrumented {
	if validator == nil {
		validator = validation.NewValidator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{
		next:      next,
		backend:   backend,
		table:     table,
		validator: validator,
		logger:    logger.With(zap.String("backend", backend), zap.String("table", table)),
		metrics:   m,
	}
}

// Unwrap returns the wrapped store
func (s *Instrumented) Unwrap() Store { return s.next }

func (s *Instrumented) observe(op string, start time.Time, err error) {
	d := time.Since(start)
	s.metrics.RecordStoreOp(s.backend, op, d.Seconds(), err)
	if err != nil {
		s.logger.Error("Store operation failed",
			zap.String("op", op),
			zap.Duration("latency", d),
			zap.Error(err))
		return
	}
	s.logger.Debug("Store operation completed",
		zap.String("op", op),
		zap.Duration("latency", d))
}

func (s *Instrumented) SetSchema(ctx context.Context, def *model.TableDefinition) (err error) {
	start := time.Now()
	defer func() { s.observe("set_schema", start, err) }()
	return s.next.SetSchema(ctx, def)
}

func (s *Instrumented) Put(ctx context.Context, value []byte, keys ...model.Value) (err error) {
	start := time.Now()
	defer func() { s.observe("put", start, err) }()
	if err = s.validator.ValidateValue(value); err != nil {
		return err
	}
	s.metrics.RecordPayload(s.backend, "put", len(value))
	return s.next.Put(ctx, value, keys...)
}

func (s *Instrumented) Get(ctx context.Context, keys ...model.Value) (value []byte, found bool, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	value, found, err = s.next.Get(ctx, keys...)
	if found {
		s.metrics.RecordPayload(s.backend, "get", len(value))
	}
	return value, found, err
}

func (s *Instrumented) GetBySecondaryIndex(ctx context.Context, index string, keys ...model.Value) (value []byte, found bool, err error) {
	start := time.Now()
	defer func() { s.observe("get_by_index", start, err) }()
	return s.next.GetBySecondaryIndex(ctx, index, keys...)
}

func (s *Instrumented) Delete(ctx context.Context, keys ...model.Value) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()
	return s.next.Delete(ctx, keys...)
}

func (s *Instrumented) DeleteBySecondaryIndex(ctx context.Context, index string, keys ...model.Value) (err error) {
	start := time.Now()
	defer func() { s.observe("delete_by_index", start, err) }()
	return s.next.DeleteBySecondaryIndex(ctx, index, keys...)
}

func (s *Instrumented) Iterate(ctx context.Context, prefix ...model.Value) (it Iterator, err error) {
	start := time.Now()
	defer func() { s.observe("iterate", start, err) }()
	return s.next.Iterate(ctx, prefix...)
}

func (s *Instrumented) Commit(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.observe("commit", start, err) }()
	return s.next.Commit(ctx)
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}
