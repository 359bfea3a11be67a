package store

import (
	"sync"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/model"
)

// Binding holds the table a store was bound to by SetSchema
type Binding struct {
	mu    sync.RWMutex
	codec *Codec
	table string
}

// NewBinding returns a binding for the table with the given qualified name
// (keyspace.name). An empty name accepts the first definition passed to Bind.
func NewBinding(table string) *Binding {
	return &Binding{table: table}
}

// Bind validates def and binds it. Rebinding the same table replaces the
// definition; binding a different table is a SchemaMismatch.
func (b *Binding) Bind(def *model.TableDefinition) (*Codec, error) {
	codec, err := NewCodec(def)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	name := def.QualifiedName()
	if b.table != "" && b.table != name {
		return nil, ferrors.NewStorageError(ferrors.ErrCodeSchemaMismatch, "store is bound to another table", nil).
			WithDetail("table", b.table).
			WithDetail("requested", name)
	}
	b.table = name
	b.codec = codec
	return codec, nil
}

// Codec returns the bound codec or UnknownTable before SetSchema ran
func (b *Binding) Codec() (*Codec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.codec == nil {
		return nil, ferrors.UnknownTable(b.table)
	}
	return b.codec, nil
}
