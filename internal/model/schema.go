package model

import (
	"fmt"
	"slices"
)

// DataColumn names one typed column of a key
type DataColumn struct {
	Name string     `yaml:"name"`
	Type ColumnType `yaml:"type"`
}

// KeyDefinition is an ordered list of columns. The order fixes both the
// physical sort order of encoded keys and the argument order callers use.
type KeyDefinition struct {
	Name    string       `yaml:"name"`
	Columns []DataColumn `yaml:"columns"`
}

// TableDefinition describes one logical table: a primary key and zero or
// more secondary indices whose columns are drawn from the primary key.
type TableDefinition struct {
	Keyspace         string          `yaml:"keyspace"`
	Name             string          `yaml:"name"`
	PrimaryKey       KeyDefinition   `yaml:"primary_key"`
	SecondaryIndices []KeyDefinition `yaml:"secondary_indices"`
}

// Index returns the position of the named column, or -1
func (k KeyDefinition) Index(name string) int {
	for i, c := range k.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column looks up a column by name
func (k KeyDefinition) Column(name string) (DataColumn, bool) {
	if i := k.Index(name); i >= 0 {
		return k.Columns[i], true
	}
	return DataColumn{}, false
}

// Validate checks that values conform to the key definition. With
// allowPrefix a leading subset of the columns is accepted, which is what
// prefix scans pass in.
func (k KeyDefinition) Validate(values []Value, allowPrefix bool) error {
	if allowPrefix {
		if len(values) > len(k.Columns) {
			return fmt.Errorf("key %q: got %d values, at most %d columns", k.Name, len(values), len(k.Columns))
		}
	} else if len(values) != len(k.Columns) {
		return fmt.Errorf("key %q: got %d values, want %d", k.Name, len(values), len(k.Columns))
	}
	for i, v := range values {
		col := k.Columns[i]
		if !v.IsValid() {
			return fmt.Errorf("key %q: column %q has no value", k.Name, col.Name)
		}
		if v.Type() != col.Type {
			return fmt.Errorf("key %q: column %q is %s, got %s", k.Name, col.Name, col.Type, v.Type())
		}
	}
	return nil
}

func (k KeyDefinition) validateShape() error {
	if k.Name == "" {
		return fmt.Errorf("key definition has no name")
	}
	if len(k.Columns) == 0 {
		return fmt.Errorf("key %q has no columns", k.Name)
	}
	seen := make(map[string]struct{}, len(k.Columns))
	for _, c := range k.Columns {
		if c.Name == "" {
			return fmt.Errorf("key %q has a column with no name", k.Name)
		}
		if _, ok := columnTypeNames[c.Type]; !ok {
			return fmt.Errorf("key %q: column %q has invalid type", k.Name, c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("key %q: duplicate column %q", k.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Validate checks the table's structural invariants
func (t *TableDefinition) Validate() error {
	if t == nil {
		return fmt.Errorf("table definition is nil")
	}
	if t.Name == "" {
		return fmt.Errorf("table definition has no name")
	}
	if err := t.PrimaryKey.validateShape(); err != nil {
		return fmt.Errorf("table %q: %w", t.Name, err)
	}
	names := make(map[string]struct{}, len(t.SecondaryIndices))
	for _, idx := range t.SecondaryIndices {
		if err := idx.validateShape(); err != nil {
			return fmt.Errorf("table %q: %w", t.Name, err)
		}
		if idx.Name == t.PrimaryKey.Name {
			return fmt.Errorf("table %q: index %q shadows the primary key", t.Name, idx.Name)
		}
		if _, dup := names[idx.Name]; dup {
			return fmt.Errorf("table %q: duplicate index %q", t.Name, idx.Name)
		}
		names[idx.Name] = struct{}{}
		for _, c := range idx.Columns {
			pc, ok := t.PrimaryKey.Column(c.Name)
			if !ok {
				return fmt.Errorf("table %q: index %q column %q is not in the primary key", t.Name, idx.Name, c.Name)
			}
			if pc.Type != c.Type {
				return fmt.Errorf("table %q: index %q column %q is %s, primary key has %s", t.Name, idx.Name, c.Name, c.Type, pc.Type)
			}
		}
	}
	return nil
}

// QualifiedName returns keyspace.name, which identifies the table across
// keyspaces
func (t *TableDefinition) QualifiedName() string {
	if t.Keyspace == "" {
		return t.Name
	}
	return t.Keyspace + "." + t.Name
}

// SecondaryIndex looks up an index by name
func (t *TableDefinition) SecondaryIndex(name string) (KeyDefinition, bool) {
	for _, idx := range t.SecondaryIndices {
		if idx.Name == name {
			return idx, true
		}
	}
	return KeyDefinition{}, false
}

// Equal reports whether both keys have the same name and columns
func (k KeyDefinition) Equal(o KeyDefinition) bool {
	return k.Name == o.Name && slices.Equal(k.Columns, o.Columns)
}

// Equal reports whether both definitions describe the same physical table
func (t *TableDefinition) Equal(o *TableDefinition) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Keyspace == o.Keyspace &&
		t.Name == o.Name &&
		t.PrimaryKey.Equal(o.PrimaryKey) &&
		slices.EqualFunc(t.SecondaryIndices, o.SecondaryIndices, KeyDefinition.Equal)
}

// ProjectKey re-derives the values of target from a full primary key tuple
func ProjectKey(pk KeyDefinition, pkValues []Value, target KeyDefinition) ([]Value, error) {
	if len(pkValues) != len(pk.Columns) {
		return nil, fmt.Errorf("key %q: got %d values, want %d", pk.Name, len(pkValues), len(pk.Columns))
	}
	out := make([]Value, len(target.Columns))
	for i, c := range target.Columns {
		j := pk.Index(c.Name)
		if j < 0 {
			return nil, fmt.Errorf("key %q: column %q is not in %q", target.Name, c.Name, pk.Name)
		}
		out[i] = pkValues[j]
	}
	return out, nil
}
