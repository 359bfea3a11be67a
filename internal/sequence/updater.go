package sequence

import (
	"context"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/validation"
)

// base carries what every Updater-backed implementation shares
type base struct {
	updater   Updater
	backend   string
	kind      string
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func newBase(u Updater, backend, kind string, logger *zap.Logger, m *metrics.Metrics) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		updater:   u,
		backend:   backend,
		kind:      kind,
		validator: validation.NewValidator(),
		logger:    logger,
		metrics:   m,
	}
}

func (b *base) observe(op string, start time.Time, err error) {
	d := time.Since(start)
	b.metrics.RecordSequenceOp(b.backend, b.kind, op, d.Seconds(), err)
	if err != nil {
		b.logger.Error("Sequence operation failed",
			zap.String("backend", b.backend),
			zap.String("kind", b.kind),
			zap.String("op", op),
			zap.Error(err))
	}
}

// UpdaterCounter implements Counter on top of an Updater
type UpdaterCounter struct {
	base
}

// NewCounter returns a counter that stores its records through u
func NewCounter(u Updater, backend string, logger *zap.Logger, m *metrics.Metrics) *UpdaterCounter {
	return &UpdaterCounter{base: newBase(u, backend, "counter", logger, m)}
}

func (c *UpdaterCounter) Get(ctx context.Context, name string) (v int64, err error) {
	start := time.Now()
	defer func() { c.observe("get", start, err) }()
	if err = c.validator.ValidateName(c.kind, name); err != nil {
		return 0, err
	}
	record, err := c.updater.Load(ctx, name)
	if err != nil {
		return 0, err
	}
	return DecodeCounter(record)
}

func (c *UpdaterCounter) IncrementAndGet(ctx context.Context, name string) (int64, error) {
	return c.IncrementByAndGet(ctx, name, 1)
}

func (c *UpdaterCounter) IncrementByAndGet(ctx context.Context, name string, delta int64) (v int64, err error) {
	start := time.Now()
	defer func() { c.observe("increment", start, err) }()
	if err = c.validator.ValidateName(c.kind, name); err != nil {
		return 0, err
	}
	if delta <= 0 {
		return 0, ferrors.InvalidArgument("increment delta must be positive", nil).WithDetail("delta", delta)
	}
	// skipped is reset on every replay, so the flag reflects the merge that won
	var skipped bool
	merge := func(old, input []byte) ([]byte, error) {
		skipped = false
		out, err := AddNonZero(old, input)
		if err == nil {
			cur, _ := DecodeCounter(old)
			skipped = cur+delta == 0
		}
		return out, err
	}
	record, err := c.updater.Update(ctx, name, EncodeCounter(delta), merge)
	if err != nil {
		return 0, err
	}
	if skipped {
		c.metrics.RecordZeroSkip()
		c.logger.Warn("Counter wrapped past zero", zap.String("name", name))
	}
	return DecodeCounter(record)
}

func (c *UpdaterCounter) AdvanceTo(ctx context.Context, name string, value int64) (v int64, err error) {
	start := time.Now()
	defer func() { c.observe("advance", start, err) }()
	if err = c.validator.ValidateName(c.kind, name); err != nil {
		return 0, err
	}
	record, err := c.updater.Update(ctx, name, EncodeCounter(value), Max)
	if err != nil {
		return 0, err
	}
	return DecodeCounter(record)
}

func (c *UpdaterCounter) Set(ctx context.Context, name string, value int64) (err error) {
	start := time.Now()
	defer func() { c.observe("set", start, err) }()
	if err = c.validator.ValidateName(c.kind, name); err != nil {
		return err
	}
	return c.updater.Store(ctx, name, EncodeCounter(value))
}

// NewUpdaterServices bundles the Updater-backed implementations
func NewUpdaterServices(u Updater, backend string, logger *zap.Logger, m *metrics.Metrics) *Services {
	return &Services{
		Backend:    backend,
		Counter:    NewCounter(u, backend, logger, m),
		OrderedSet: NewOrderedSet(u, backend, logger, m),
		NameSet:    NewNameSet(u, backend, logger, m),
	}
}
