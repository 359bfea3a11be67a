package sequence

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
)

// CASOptions configures the compare-and-swap retry loop
type CASOptions struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultCASOptions returns the defaults used for contended counters
func DefaultCASOptions() CASOptions {
	return CASOptions{
		MaxAttempts:   64,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 100 * time.Millisecond,
	}
}

// CASUpdater implements Updater with a read, merge, conditional-write loop
// over a VersionedStore. Conflicts are retried with exponential backoff and
// jitter; running out of attempts is reported as Unavailable.
type CASUpdater struct {
	store   VersionedStore
	backend string
	opts    CASOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCASUpdater wraps store
func NewCASUpdater(store VersionedStore, backend string, opts CASOptions, logger *zap.Logger, m *metrics.Metrics) *CASUpdater {
	def := DefaultCASOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = def.MaxRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CASUpdater{store: store, backend: backend, opts: opts, logger: logger, metrics: m}
}

func (u *CASUpdater) Load(ctx context.Context, name string) ([]byte, error) {
	value, _, found, err := u.store.Get(ctx, name)
	if err != nil || !found {
		return nil, err
	}
	return value, nil
}

func (u *CASUpdater) Store(ctx context.Context, name string, value []byte) error {
	return u.store.Put(ctx, name, value)
}

func (u *CASUpdater) Update(ctx context.Context, name string, input []byte, merge MergeFunc) ([]byte, error) {
	delay := u.opts.RetryDelay
	for attempt := 1; attempt <= u.opts.MaxAttempts; attempt++ {
		current, version, found, err := u.store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if !found {
			current = nil
		}

		next, err := merge(current, input)
		if err != nil {
			return nil, err
		}

		if found {
			_, err = u.store.CompareAndSwap(ctx, name, next, version)
		} else {
			_, err = u.store.Create(ctx, name, next)
		}
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		u.metrics.RecordCASRetry(u.backend)
		u.logger.Debug("CAS conflict, retrying",
			zap.String("backend", u.backend),
			zap.String("name", name),
			zap.Int("attempt", attempt))

		if err := sleep(ctx, jitter(delay)); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > u.opts.MaxRetryDelay {
			delay = u.opts.MaxRetryDelay
		}
	}

	u.logger.Warn("CAS retries exhausted",
		zap.String("backend", u.backend),
		zap.String("name", name),
		zap.Int("attempts", u.opts.MaxAttempts))
	return nil, ferrors.Unavailable("update did not converge", ferrors.Conflict(name, u.opts.MaxAttempts))
}

// jitter returns a duration in [d/2, d)
func jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
