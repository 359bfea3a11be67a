package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *StorageError
		want codes.Code
	}{
		{"schema mismatch", SchemaMismatch("users", errors.New("bad arity")), codes.InvalidArgument},
		{"unknown index", UnknownIndex("users", "by_x"), codes.InvalidArgument},
		{"empty name", EmptyName("counter"), codes.InvalidArgument},
		{"ambiguous index", IndexAmbiguous("users", "by_phone", 2), codes.FailedPrecondition},
		{"backend unavailable", Unavailable("redis ping failed", errors.New("refused")), codes.Unavailable},
		{"closed", Closed("pebble engine"), codes.Unavailable},
		{"corrupted", CorruptedData("bad trailer", nil), codes.DataLoss},
		{"checksum", ChecksumFailed(1, 2), codes.DataLoss},
		{"conflict", Conflict("seq:pts:1", 10), codes.Aborted},
		{"internal", InternalError("boom", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestGetCode_Wrapped(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("open store: %w", Unavailable("cassandra", cause))

	assert.True(t, IsStorageError(err))
	assert.Equal(t, ErrCodeUnavailable, GetCode(err))
	assert.True(t, IsCode(err, ErrCodeUnavailable))
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("plain")))
	assert.False(t, IsCode(nil, ErrCodeOK))
}

func TestWithDetail(t *testing.T) {
	err := SchemaMismatch("users", nil).WithDetail("column", "phone")
	assert.Equal(t, "users", err.Details["table"])
	assert.Equal(t, "phone", err.Details["column"])
	assert.Equal(t, "schema mismatch on table users", err.Error())
}
