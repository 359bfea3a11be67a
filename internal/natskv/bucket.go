// Package natskv keeps counter and set records in a NATS JetStream
// key-value bucket. Bucket revisions serve as record versions, so the
// generic CAS updater in package sequence runs on top of it unchanged.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/sequence"
)

const Backend = "nats"

// Options configures the connection and the bucket
type Options struct {
	URL           string
	Bucket        string
	Replicas      int
	Timeout       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
	ClientName    string
}

func (o *Options) setDefaults() {
	if o.Bucket == "" {
		o.Bucket = "ferrite_sequences"
	}
	if o.Replicas <= 0 {
		o.Replicas = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = -1
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.ClientName == "" {
		o.ClientName = "ferrite"
	}
}

// Bucket is a sequence.VersionedStore backed by a JetStream KV bucket.
// Record names are base64url encoded since KV keys only allow a restricted
// alphabet.
type Bucket struct {
	conn    *nats.Conn
	kv      jetstream.KeyValue
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ sequence.VersionedStore = (*Bucket)(nil)

// Open connects to the server and opens the bucket, creating it when missing
func Open(ctx context.Context, opts Options, logger *zap.Logger, m *metrics.Metrics) (*Bucket, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	if opts.URL == "" {
		return nil, ferrors.InvalidArgument("nats url is required", nil)
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.ClientName),
		nats.Timeout(opts.Timeout),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, ferrors.Unavailable("failed to connect to nats", err).WithDetail("url", opts.URL)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, ferrors.Unavailable("failed to open jetstream context", err)
	}

	kv, err := js.KeyValue(ctx, opts.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      opts.Bucket,
			Description: "ferrite counters and sets",
			History:     1,
			Replicas:    opts.Replicas,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, opts.Bucket)
		}
	}
	if err != nil {
		conn.Close()
		return nil, ferrors.Unavailable("failed to open kv bucket", err).WithDetail("bucket", opts.Bucket)
	}

	logger.Info("NATS KV bucket opened",
		zap.String("url", opts.URL),
		zap.String("bucket", opts.Bucket))

	return &Bucket{conn: conn, kv: kv, timeout: opts.Timeout, logger: logger, metrics: m}, nil
}

func key(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func (b *Bucket) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// mapError turns revision mismatches into sequence.ErrConflict
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return sequence.ErrConflict
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return sequence.ErrConflict
	}
	return ferrors.Unavailable("nats kv "+op+" failed", err)
}

func (b *Bucket) Get(ctx context.Context, name string) ([]byte, uint64, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	entry, err := b.kv.Get(ctx, key(name))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, mapError("get", err)
	}
	return entry.Value(), entry.Revision(), true, nil
}

func (b *Bucket) Create(ctx context.Context, name string, value []byte) (uint64, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	rev, err := b.kv.Create(ctx, key(name), value)
	return rev, mapError("create", err)
}

func (b *Bucket) CompareAndSwap(ctx context.Context, name string, value []byte, version uint64) (uint64, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	rev, err := b.kv.Update(ctx, key(name), value, version)
	return rev, mapError("update", err)
}

func (b *Bucket) Put(ctx context.Context, name string, value []byte) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.kv.Put(ctx, key(name), value)
	return mapError("put", err)
}

// Ping reports whether the connection is up
func (b *Bucket) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.conn.IsConnected() {
		return ferrors.Unavailable("nats connection is "+b.conn.Status().String(), nil)
	}
	return nil
}

// Services returns counter and set services running CAS loops on the bucket
func (b *Bucket) Services(opts sequence.CASOptions) *sequence.Services {
	u := sequence.NewCASUpdater(b, Backend, opts, b.logger, b.metrics)
	return sequence.NewUpdaterServices(u, Backend, b.logger, b.metrics)
}

// Close drains the connection
func (b *Bucket) Close() error {
	b.logger.Info("Closing NATS connection")
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
