package model

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersTable() *TableDefinition {
	return &TableDefinition{
		Keyspace: "ferrite",
		Name:     "users",
		PrimaryKey: KeyDefinition{
			Name: "pk",
			Columns: []DataColumn{
				{Name: "user_id", Type: TypeInt64},
				{Name: "phone", Type: TypeString},
				{Name: "username", Type: TypeString},
			},
		},
		SecondaryIndices: []KeyDefinition{
			{Name: "by_phone", Columns: []DataColumn{{Name: "phone", Type: TypeString}}},
			{Name: "by_username", Columns: []DataColumn{{Name: "username", Type: TypeString}}},
		},
	}
}

func TestTableDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TableDefinition)
		wantErr string
	}{
		{name: "valid", mutate: func(*TableDefinition) {}},
		{
			name:    "missing name",
			mutate:  func(td *TableDefinition) { td.Name = "" },
			wantErr: "no name",
		},
		{
			name:    "no primary columns",
			mutate:  func(td *TableDefinition) { td.PrimaryKey.Columns = nil },
			wantErr: "no columns",
		},
		{
			name: "duplicate primary column",
			mutate: func(td *TableDefinition) {
				td.PrimaryKey.Columns = append(td.PrimaryKey.Columns, DataColumn{Name: "phone", Type: TypeString})
			},
			wantErr: "duplicate column",
		},
		{
			name: "index column outside primary key",
			mutate: func(td *TableDefinition) {
				td.SecondaryIndices[0].Columns[0].Name = "email"
			},
			wantErr: "not in the primary key",
		},
		{
			name: "index column type differs",
			mutate: func(td *TableDefinition) {
				td.SecondaryIndices[0].Columns[0].Type = TypeBytes
			},
			wantErr: "primary key has string",
		},
		{
			name: "duplicate index",
			mutate: func(td *TableDefinition) {
				td.SecondaryIndices[1].Name = "by_phone"
			},
			wantErr: "duplicate index",
		},
		{
			name: "invalid column type",
			mutate: func(td *TableDefinition) {
				td.PrimaryKey.Columns[0].Type = TypeInvalid
			},
			wantErr: "invalid type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td := usersTable()
			tt.mutate(td)
			err := td.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTableDefinition_Equal(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TableDefinition)
		equal  bool
	}{
		{name: "same", mutate: func(*TableDefinition) {}, equal: true},
		{name: "keyspace", mutate: func(td *TableDefinition) { td.Keyspace = "other" }},
		{name: "column type", mutate: func(td *TableDefinition) { td.PrimaryKey.Columns[1].Type = TypeBytes }},
		{name: "dropped index", mutate: func(td *TableDefinition) { td.SecondaryIndices = td.SecondaryIndices[:1] }},
		{name: "renamed index", mutate: func(td *TableDefinition) { td.SecondaryIndices[0].Name = "phone" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := usersTable()
			tt.mutate(other)
			assert.Equal(t, tt.equal, usersTable().Equal(other))
		})
	}
	var nilDef *TableDefinition
	assert.False(t, usersTable().Equal(nil))
	assert.True(t, nilDef.Equal(nil))
}

func TestKeyDefinition_Validate(t *testing.T) {
	pk := usersTable().PrimaryKey

	assert.NoError(t, pk.Validate([]Value{Int64(1), String("+1"), String("bob")}, false))
	assert.NoError(t, pk.Validate([]Value{Int64(1)}, true))
	assert.NoError(t, pk.Validate(nil, true))

	assert.Error(t, pk.Validate([]Value{Int64(1)}, false), "short tuple without prefix")
	assert.Error(t, pk.Validate([]Value{Int32(1), String("+1"), String("bob")}, false), "wrong type")
	assert.Error(t, pk.Validate([]Value{Int64(1), {}, String("bob")}, false), "zero value")
	assert.Error(t, pk.Validate([]Value{Int64(1), String("a"), String("b"), String("c")}, true), "too long")
}

func TestProjectKey(t *testing.T) {
	td := usersTable()
	idx, ok := td.SecondaryIndex("by_username")
	require.True(t, ok)

	got, err := ProjectKey(td.PrimaryKey, []Value{Int64(7), String("+44"), String("alice")}, idx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(String("alice")))

	_, err = ProjectKey(td.PrimaryKey, []Value{Int64(7)}, idx)
	assert.Error(t, err)

	_, ok = td.SecondaryIndex("missing")
	assert.False(t, ok)
}

func TestValue_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"bool", Bool(false), Bool(true), -1},
		{"int32 negative", Int32(-5), Int32(3), -1},
		{"int64 equal", Int64(42), Int64(42), 0},
		{"float negative zero", Float64(math.Copysign(0, -1)), Float64(0), -1},
		{"float nan last", Float64(math.NaN()), Float64(math.Inf(1)), 1},
		{"string prefix", String("test"), String("test2"), -1},
		{"bytes empty", Bytes(nil), Bytes([]byte{0}), -1},
		{"datetime", DateTime(time.Unix(1, 0)), DateTime(time.Unix(2, 0)), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestValue_NativeRoundTrip(t *testing.T) {
	values := []Value{
		Bool(true), Int32(-3), Int64(math.MinInt64), Float32(1.5), Float64(-2.25),
		DateTime(time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)), String("x"), Bytes([]byte{1, 2}),
	}
	for _, v := range values {
		t.Run(v.Type().String(), func(t *testing.T) {
			back, err := FromNative(v.Type(), v.Native())
			require.NoError(t, err)
			assert.True(t, v.Equal(back), "%s != %s", v, back)
		})
	}

	_, err := FromNative(TypeInt64, "nope")
	assert.Error(t, err)
}

func TestTableDefinition_QualifiedName(t *testing.T) {
	assert.Equal(t, "ferrite.users", usersTable().QualifiedName())

	bare := usersTable()
	bare.Keyspace = ""
	assert.Equal(t, "users", bare.QualifiedName())
}

func TestParseTableDefinitions_SameNameAcrossKeyspaces(t *testing.T) {
	doc := "tables:\n" +
		"  - {name: users, keyspace: tenant_a, primary_key: {name: pk, columns: [{name: a, type: int64}]}}\n" +
		"  - {name: users, keyspace: tenant_b, primary_key: {name: pk, columns: [{name: a, type: int64}]}}\n"
	tables, err := ParseTableDefinitions([]byte(doc))
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "tenant_a.users", tables[0].QualifiedName())
	assert.Equal(t, "tenant_b.users", tables[1].QualifiedName())
}

func TestLoadTableDefinitions(t *testing.T) {
	doc := `
keyspace: ferrite
tables:
  - name: users
    primary_key:
      name: pk
      columns:
        - {name: user_id, type: int64}
        - {name: phone, type: string}
    secondary_indices:
      - name: by_phone
        columns:
          - {name: phone, type: string}
  - name: sessions
    keyspace: other
    primary_key:
      name: pk
      columns:
        - {name: auth_key_id, type: int64}
        - {name: created, type: datetime}
`
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	tables, err := LoadTableDefinitions(path)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	assert.Equal(t, "ferrite", tables[0].Keyspace)
	assert.Equal(t, TypeInt64, tables[0].PrimaryKey.Columns[0].Type)
	_, ok := tables[0].SecondaryIndex("by_phone")
	assert.True(t, ok)

	assert.Equal(t, "other", tables[1].Keyspace)
	assert.Equal(t, TypeDateTime, tables[1].PrimaryKey.Columns[1].Type)
}

func TestParseTableDefinitions_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown type", "tables:\n  - name: t\n    primary_key: {name: pk, columns: [{name: a, type: uuid}]}\n"},
		{"invalid table", "tables:\n  - name: t\n    primary_key: {name: pk}\n"},
		{"duplicate table", "tables:\n  - name: t\n    primary_key: {name: pk, columns: [{name: a, type: bool}]}\n  - name: t\n    primary_key: {name: pk, columns: [{name: a, type: bool}]}\n"},
		{"malformed", "tables: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTableDefinitions([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
