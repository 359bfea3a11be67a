package store

import (
	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/storage/keyenc"
)

// Codec validates key tuples against a table definition and encodes them.
// Every argument error is reported as SchemaMismatch before any I/O happens.
type Codec struct {
	def *model.TableDefinition
}

// IndexEntry is one secondary index record derived from a primary key
type IndexEntry struct {
	Index  model.KeyDefinition
	Values []model.Value
	Key    []byte
}

// NewCodec validates def and returns a codec for it
func NewCodec(def *model.TableDefinition) (*Codec, error) {
	if err := def.Validate(); err != nil {
		name := ""
		if def != nil {
			name = def.Name
		}
		return nil, ferrors.SchemaMismatch(name, err)
	}
	return &Codec{def: def}, nil
}

// Table returns the table definition
func (c *Codec) Table() *model.TableDefinition { return c.def }

// CheckPrimary validates a full primary key tuple
func (c *Codec) CheckPrimary(values []model.Value) error {
	if err := c.def.PrimaryKey.Validate(values, false); err != nil {
		return ferrors.SchemaMismatch(c.def.Name, err)
	}
	return nil
}

// RowKey encodes a full primary key
func (c *Codec) RowKey(values []model.Value) ([]byte, error) {
	if err := c.CheckPrimary(values); err != nil {
		return nil, err
	}
	return c.encodeRow(values)
}

// RowPrefix encodes a leading subset of the primary key
func (c *Codec) RowPrefix(values []model.Value) ([]byte, error) {
	if err := c.def.PrimaryKey.Validate(values, true); err != nil {
		return nil, ferrors.SchemaMismatch(c.def.Name, err)
	}
	return c.encodeRow(values)
}

func (c *Codec) encodeRow(values []model.Value) ([]byte, error) {
	key, err := keyenc.EncodeRow(c.def.Keyspace, c.def.Name, values...)
	if err != nil {
		return nil, ferrors.SchemaMismatch(c.def.Name, err)
	}
	return key, nil
}

// Index looks up a secondary index definition by name
func (c *Codec) Index(name string) (model.KeyDefinition, error) {
	idx, ok := c.def.SecondaryIndex(name)
	if !ok {
		return model.KeyDefinition{}, ferrors.UnknownIndex(c.def.Name, name)
	}
	return idx, nil
}

// IndexKey validates a full index tuple and encodes it
func (c *Codec) IndexKey(index string, values []model.Value) (model.KeyDefinition, []byte, error) {
	idx, err := c.Index(index)
	if err != nil {
		return model.KeyDefinition{}, nil, err
	}
	if err := idx.Validate(values, false); err != nil {
		return model.KeyDefinition{}, nil, ferrors.SchemaMismatch(c.def.Name, err).WithDetail("index", index)
	}
	key, err := keyenc.EncodeIndex(c.def.Keyspace, c.def.Name, idx.Name, values...)
	if err != nil {
		return model.KeyDefinition{}, nil, ferrors.SchemaMismatch(c.def.Name, err)
	}
	return idx, key, nil
}

// IndexEntries derives the index records of a row from its primary key
func (c *Codec) IndexEntries(pkValues []model.Value) ([]IndexEntry, error) {
	entries := make([]IndexEntry, 0, len(c.def.SecondaryIndices))
	for _, idx := range c.def.SecondaryIndices {
		values, err := model.ProjectKey(c.def.PrimaryKey, pkValues, idx)
		if err != nil {
			return nil, ferrors.SchemaMismatch(c.def.Name, err)
		}
		key, err := keyenc.EncodeIndex(c.def.Keyspace, c.def.Name, idx.Name, values...)
		if err != nil {
			return nil, ferrors.SchemaMismatch(c.def.Name, err)
		}
		entries = append(entries, IndexEntry{Index: idx, Values: values, Key: key})
	}
	return entries, nil
}

// EntryKey returns the physical key of the index entry pointing at rowKey
func (e IndexEntry) EntryKey(rowKey []byte) []byte {
	return keyenc.EncodeIndexEntry(e.Key, rowKey)
}

// DecodeRowKey recovers the primary key tuple from an encoded row key, which
// is what index entries store as their value
func (c *Codec) DecodeRowKey(rowKey []byte) ([]model.Value, error) {
	values, err := keyenc.DecodeAll(rowKey, c.def.PrimaryKey)
	if err != nil {
		return nil, ferrors.CorruptedData("malformed row key in index entry", err).
			WithDetail("table", c.def.Name)
	}
	return values, nil
}
