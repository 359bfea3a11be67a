package memstore

import (
	"context"
	"encoding/binary"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/sequence"
	"github.com/aykutalparslan/ferrite/internal/storage/keyenc"
)

// VersionedMap stores name-addressed records in a DB under system keys.
// Each stored value is an 8-byte big-endian version followed by the payload.
type VersionedMap struct {
	db        *DB
	namespace string
}

// NewVersionedMap returns a versioned record map in namespace
func NewVersionedMap(db *DB, namespace string) *VersionedMap {
	return &VersionedMap{db: db, namespace: namespace}
}

var _ sequence.VersionedStore = (*VersionedMap)(nil)

func (m *VersionedMap) key(name string) []byte {
	return keyenc.EncodeSystem(m.namespace, name)
}

func (m *VersionedMap) read(key []byte) (value []byte, version uint64, found bool, err error) {
	raw, ok := m.db.list.Search(key)
	if !ok {
		return nil, 0, false, nil
	}
	if len(raw) < 8 {
		return nil, 0, false, ferrors.CorruptedData("versioned record shorter than its header", nil)
	}
	return append([]byte(nil), raw[8:]...), binary.BigEndian.Uint64(raw), true, nil
}

func (m *VersionedMap) write(key, value []byte, version uint64) {
	raw := make([]byte, 8, 8+len(value))
	binary.BigEndian.PutUint64(raw, version)
	m.db.list.Insert(key, append(raw, value...))
}

func (m *VersionedMap) Get(ctx context.Context, name string) ([]byte, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, false, err
	}
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()
	if m.db.closed {
		return nil, 0, false, ferrors.Closed(Backend)
	}
	return m.read(m.key(name))
}

func (m *VersionedMap) Create(ctx context.Context, name string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.closed {
		return 0, ferrors.Closed(Backend)
	}
	key := m.key(name)
	if _, ok := m.db.list.Search(key); ok {
		return 0, sequence.ErrConflict
	}
	m.write(key, value, 1)
	return 1, nil
}

func (m *VersionedMap) CompareAndSwap(ctx context.Context, name string, value []byte, version uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.closed {
		return 0, ferrors.Closed(Backend)
	}
	key := m.key(name)
	_, current, found, err := m.read(key)
	if err != nil {
		return 0, err
	}
	if !found || current != version {
		return 0, sequence.ErrConflict
	}
	m.write(key, value, version+1)
	return version + 1, nil
}

func (m *VersionedMap) Put(ctx context.Context, name string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.closed {
		return ferrors.Closed(Backend)
	}
	key := m.key(name)
	_, current, _, err := m.read(key)
	if err != nil {
		return err
	}
	m.write(key, value, current+1)
	return nil
}
