package pgstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aykutalparslan/ferrite/internal/store/storetest"
)

func TestLayoutKeyspace(t *testing.T) {
	db := &DB{schema: "ferrite"}

	tests := []struct {
		name     string
		keyspace string
		schema   string
	}{
		{"definition keyspace", "tenant_a", `"tenant_a"`},
		{"connection default", "", `"ferrite"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := storetest.MessagesTable("users")
			def.Keyspace = tt.keyspace
			l := db.layout(def)

			require.Len(t, l.ddl, 3)
			assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS "+tt.schema, l.ddl[0])
			assert.Contains(t, l.ddl[1], tt.schema+`."users"`)
			assert.Contains(t, l.ddl[2], tt.schema+`."users_by_message"`)
			assert.Contains(t, l.upsert, tt.schema+`."users"`)
			assert.Contains(t, l.indices["by_message"].lookup, tt.schema+`."users_by_message"`)
		})
	}
}
