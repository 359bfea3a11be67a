package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a column type from its schema-file name
func (t *ColumnType) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseColumnType(name)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*t = parsed
	return nil
}

// MarshalYAML encodes a column type by name
func (t ColumnType) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// tableFile is the on-disk layout of a schema file
type tableFile struct {
	Keyspace string            `yaml:"keyspace"`
	Tables   []TableDefinition `yaml:"tables"`
}

// LoadTableDefinitions reads table definitions from a YAML file. A
// top-level keyspace is applied to every table that does not set its own.
func LoadTableDefinitions(path string) ([]*TableDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return ParseTableDefinitions(data)
}

// ParseTableDefinitions decodes and validates a schema document
func ParseTableDefinitions(data []byte) ([]*TableDefinition, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	tables := make([]*TableDefinition, 0, len(file.Tables))
	seen := make(map[string]struct{}, len(file.Tables))
	for i := range file.Tables {
		t := file.Tables[i]
		if t.Keyspace == "" {
			t.Keyspace = file.Keyspace
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid table definition: %w", err)
		}
		qualified := t.QualifiedName()
		if _, dup := seen[qualified]; dup {
			return nil, fmt.Errorf("duplicate table %q", qualified)
		}
		seen[qualified] = struct{}{}
		tables = append(tables, &t)
	}
	return tables, nil
}
