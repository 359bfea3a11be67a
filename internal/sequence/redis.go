package sequence

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/storage/keyenc"
	"github.com/aykutalparslan/ferrite/internal/validation"
)

const redisBackend = "redis"

// maxWatchAttempts bounds the optimistic WATCH/MULTI loop of AdvanceTo
const maxWatchAttempts = 32

type redisBase struct {
	client    redis.UniversalClient
	prefix    string
	kind      string
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func newRedisBase(client redis.UniversalClient, prefix, kind string, logger *zap.Logger, m *metrics.Metrics) redisBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return redisBase{
		client:    client,
		prefix:    prefix,
		kind:      kind,
		validator: validation.NewValidator(),
		logger:    logger,
		metrics:   m,
	}
}

func (r *redisBase) key(name string) (string, error) {
	if err := r.validator.ValidateName(r.kind, name); err != nil {
		return "", err
	}
	return r.prefix + name, nil
}

func (r *redisBase) observe(op string, start time.Time, err error) {
	r.metrics.RecordSequenceOp(redisBackend, r.kind, op, time.Since(start).Seconds(), err)
	if err != nil {
		r.logger.Error("Redis sequence operation failed",
			zap.String("kind", r.kind),
			zap.String("op", op),
			zap.Error(err))
	}
}

func unavailable(err error) error {
	if err == nil || ferrors.IsStorageError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ferrors.Unavailable("redis command failed", err)
}

// RedisCounter implements Counter with server-side INCRBY
type RedisCounter struct {
	redisBase
}

// NewRedisCounter returns a counter stored in Redis strings
func NewRedisCounter(client redis.UniversalClient, prefix string, logger *zap.Logger, m *metrics.Metrics) *RedisCounter {
	return &RedisCounter{redisBase: newRedisBase(client, prefix, "counter", logger, m)}
}

func (c *RedisCounter) Get(ctx context.Context, name string) (v int64, err error) {
	start := time.Now()
	defer func() { c.observe("get", start, err) }()
	key, err := c.key(name)
	if err != nil {
		return 0, err
	}
	v, err = c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, unavailable(err)
}

func (c *RedisCounter) IncrementAndGet(ctx context.Context, name string) (int64, error) {
	return c.IncrementByAndGet(ctx, name, 1)
}

func (c *RedisCounter) IncrementByAndGet(ctx context.Context, name string, delta int64) (v int64, err error) {
	start := time.Now()
	defer func() { c.observe("increment", start, err) }()
	key, err := c.key(name)
	if err != nil {
		return 0, err
	}
	if delta <= 0 {
		return 0, ferrors.InvalidArgument("increment delta must be positive", nil).WithDetail("delta", delta)
	}
	v, err = c.client.IncrBy(ctx, key, delta).Result()
	if err != nil && isOverflow(err) {
		// INCRBY refuses to wrap; wrap in a transaction instead
		v, err = c.watchUpdate(ctx, name, key, func(cur int64, _ bool) (int64, bool) {
			return cur + delta, true
		})
	}
	if err != nil {
		return 0, unavailable(err)
	}
	if v == 0 {
		c.metrics.RecordZeroSkip()
		c.logger.Warn("Counter wrapped past zero", zap.String("name", name))
		v, err = c.client.IncrBy(ctx, key, delta).Result()
	}
	return v, unavailable(err)
}

func isOverflow(err error) bool {
	return strings.Contains(err.Error(), "overflow")
}

// AdvanceTo uses WATCH/MULTI so the comparison is exact over the full int64
// range
func (c *RedisCounter) AdvanceTo(ctx context.Context, name string, value int64) (v int64, err error) {
	start := time.Now()
	defer func() { c.observe("advance", start, err) }()
	key, err := c.key(name)
	if err != nil {
		return 0, err
	}
	return c.watchUpdate(ctx, name, key, func(cur int64, exists bool) (int64, bool) {
		if exists && cur >= value {
			return cur, false
		}
		return value, true
	})
}

// watchUpdate runs an optimistic read-compute-write transaction on key.
// next returns the new value and whether it must be written.
func (c *RedisCounter) watchUpdate(ctx context.Context, name, key string, next func(cur int64, exists bool) (int64, bool)) (v int64, err error) {
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err = c.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Int64()
			exists := err == nil
			if err != nil && err != redis.Nil {
				return err
			}
			target, write := next(cur, exists)
			if !write {
				v = target
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, strconv.FormatInt(target, 10), 0)
				return nil
			})
			if err == nil {
				v = target
			}
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return v, unavailable(err)
		}
		c.metrics.RecordCASRetry(redisBackend)
	}
	return 0, ferrors.Unavailable("redis transaction did not converge", ferrors.Conflict(name, maxWatchAttempts))
}

func (c *RedisCounter) Set(ctx context.Context, name string, value int64) (err error) {
	start := time.Now()
	defer func() { c.observe("set", start, err) }()
	key, err := c.key(name)
	if err != nil {
		return err
	}
	return unavailable(c.client.Set(ctx, key, strconv.FormatInt(value, 10), 0).Err())
}

// RedisOrderedSet implements OrderedSet with a sorted set whose members all
// share score 0 and are memcomparable int64 encodings, so lexicographic
// range commands order them numerically without float precision loss.
type RedisOrderedSet struct {
	redisBase
}

// NewRedisOrderedSet returns an ordered set stored in Redis sorted sets
func NewRedisOrderedSet(client redis.UniversalClient, prefix string, logger *zap.Logger, m *metrics.Metrics) *RedisOrderedSet {
	return &RedisOrderedSet{redisBase: newRedisBase(client, prefix, "ordered_set", logger, m)}
}

func lexMember(v int64) string {
	return string(keyenc.New(8).AppendInt64(v).Bytes())
}

func (s *RedisOrderedSet) Add(ctx context.Context, name string, member int64) (err error) {
	start := time.Now()
	defer func() { s.observe("add", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return err
	}
	return unavailable(s.client.ZAdd(ctx, key, redis.Z{Member: lexMember(member)}).Err())
}

func (s *RedisOrderedSet) Remove(ctx context.Context, name string, member int64) (err error) {
	start := time.Now()
	defer func() { s.observe("remove", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return err
	}
	return unavailable(s.client.ZRem(ctx, key, lexMember(member)).Err())
}

func (s *RedisOrderedSet) RemoveEqualOrLess(ctx context.Context, name string, threshold int64) (err error) {
	start := time.Now()
	defer func() { s.observe("trim", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return err
	}
	return unavailable(s.client.ZRemRangeByLex(ctx, key, "-", "["+lexMember(threshold)).Err())
}

func (s *RedisOrderedSet) Get(ctx context.Context, name string) (members []int64, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	members = make([]int64, 0, len(raw))
	for _, m := range raw {
		_, v, err := keyenc.DecodeInt64([]byte(m))
		if err != nil {
			return nil, ferrors.CorruptedData("malformed ordered set member", err).WithDetail("name", name)
		}
		members = append(members, v)
	}
	return members, nil
}

func (s *RedisOrderedSet) Len(ctx context.Context, name string) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("len", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return 0, err
	}
	card, err := s.client.ZCard(ctx, key).Result()
	return int(card), unavailable(err)
}

// RedisNameSet implements NameSet with a score-0 sorted set
type RedisNameSet struct {
	redisBase
}

// NewRedisNameSet returns a name set stored in Redis sorted sets
func NewRedisNameSet(client redis.UniversalClient, prefix string, logger *zap.Logger, m *metrics.Metrics) *RedisNameSet {
	return &RedisNameSet{redisBase: newRedisBase(client, prefix, "name_set", logger, m)}
}

func (s *RedisNameSet) Add(ctx context.Context, name, member string) (err error) {
	start := time.Now()
	defer func() { s.observe("add", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return err
	}
	return unavailable(s.client.ZAdd(ctx, key, redis.Z{Member: member}).Err())
}

func (s *RedisNameSet) Remove(ctx context.Context, name, member string) (err error) {
	start := time.Now()
	defer func() { s.observe("remove", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return err
	}
	return unavailable(s.client.ZRem(ctx, key, member).Err())
}

func (s *RedisNameSet) Members(ctx context.Context, name string) (members []string, err error) {
	start := time.Now()
	defer func() { s.observe("members", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}
	members, err = s.client.ZRange(ctx, key, 0, -1).Result()
	return members, unavailable(err)
}

func (s *RedisNameSet) Len(ctx context.Context, name string) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("len", start, err) }()
	key, err := s.key(name)
	if err != nil {
		return 0, err
	}
	card, err := s.client.ZCard(ctx, key).Result()
	return int(card), unavailable(err)
}

// NewRedisServices bundles the Redis implementations
func NewRedisServices(client redis.UniversalClient, prefix string, logger *zap.Logger, m *metrics.Metrics) *Services {
	return &Services{
		Backend:    redisBackend,
		Counter:    NewRedisCounter(client, prefix, logger, m),
		OrderedSet: NewRedisOrderedSet(client, prefix, logger, m),
		NameSet:    NewRedisNameSet(client, prefix, logger, m),
	}
}
