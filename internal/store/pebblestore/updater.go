package pebblestore

import (
	"context"

	"github.com/aykutalparslan/ferrite/internal/sequence"
	"github.com/aykutalparslan/ferrite/internal/storage/keyenc"
)

// Updater is a read-modify-write session over the engine. Updates to one
// name serialize on a lock stripe; the merged record is returned only after
// its batch commit has been acknowledged.
type Updater struct {
	engine    *Engine
	namespace string
}

var _ sequence.Updater = (*Updater)(nil)

// Updater returns an updater whose records live under namespace
func (e *Engine) Updater(namespace string) *Updater {
	return &Updater{engine: e, namespace: namespace}
}

func (u *Updater) key(name string) []byte {
	return keyenc.EncodeSystem(u.namespace, name)
}

func (u *Updater) Load(ctx context.Context, name string) ([]byte, error) {
	v, _, err := u.engine.Get(ctx, u.key(name))
	return v, err
}

func (u *Updater) Update(ctx context.Context, name string, input []byte, merge sequence.MergeFunc) ([]byte, error) {
	key := u.key(name)
	l := u.engine.lockFor(key)
	l.Lock()
	defer l.Unlock()

	e := u.engine
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(ctx); err != nil {
		return nil, err
	}

	current, _, err := e.get(key)
	if err != nil {
		return nil, err
	}
	next, err := merge(current, input)
	if err != nil {
		return nil, err
	}
	if err := e.guard(len(key) + len(next)); err != nil {
		return nil, err
	}
	if err := wrap("commit", e.db.Set(key, next, e.write)); err != nil {
		return nil, err
	}
	return next, nil
}

func (u *Updater) Store(ctx context.Context, name string, value []byte) error {
	key := u.key(name)
	l := u.engine.lockFor(key)
	l.Lock()
	defer l.Unlock()

	e := u.engine
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(ctx); err != nil {
		return err
	}
	if err := e.guard(len(key) + len(value)); err != nil {
		return err
	}
	return wrap("commit", e.db.Set(key, value, e.write))
}

// Services returns counter and set services backed by the engine
func (e *Engine) Services(namespace string) *sequence.Services {
	return sequence.NewUpdaterServices(e.Updater(namespace), Backend, e.logger, e.metrics)
}
