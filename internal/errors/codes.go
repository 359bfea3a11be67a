package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for store and sequence operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeSchemaMismatch  ErrorCode = 1001
	ErrCodeKeyNotFound     ErrorCode = 1002
	ErrCodeUnknownTable    ErrorCode = 1003
	ErrCodeUnknownIndex    ErrorCode = 1004
	ErrCodeIndexAmbiguous  ErrorCode = 1005
	ErrCodeChecksumFailed  ErrorCode = 1006

	// Backend errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeConflict          ErrorCode = 2002
	ErrCodeCorruptedData     ErrorCode = 2003
	ErrCodeResourceExhausted ErrorCode = 2004
	ErrCodeClosed            ErrorCode = 2005
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeSchemaMismatch, ErrCodeUnknownTable, ErrCodeUnknownIndex:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeIndexAmbiguous:
		return codes.FailedPrecondition
	case ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable, ErrCodeClosed:
		return codes.Unavailable
	case ErrCodeConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func SchemaMismatch(table string, cause error) *StorageError {
	return NewStorageError(ErrCodeSchemaMismatch, fmt.Sprintf("schema mismatch on table %s", table), cause).
		WithDetail("table", table)
}

func UnknownTable(table string) *StorageError {
	return NewStorageError(ErrCodeUnknownTable, fmt.Sprintf("no schema registered for table %s", table), nil).
		WithDetail("table", table)
}

func UnknownIndex(table, index string) *StorageError {
	return NewStorageError(ErrCodeUnknownIndex, fmt.Sprintf("table %s has no index %s", table, index), nil).
		WithDetail("table", table).
		WithDetail("index", index)
}

func IndexAmbiguous(table, index string, matches int) *StorageError {
	return NewStorageError(ErrCodeIndexAmbiguous, fmt.Sprintf("index %s.%s matched %d rows, expected one", table, index, matches), nil).
		WithDetail("table", table).
		WithDetail("index", index).
		WithDetail("matches", matches)
}

func EmptyName(kind string) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, fmt.Sprintf("%s name must not be empty", kind), nil).
		WithDetail("kind", kind)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func Conflict(name string, attempts int) *StorageError {
	return NewStorageError(ErrCodeConflict, fmt.Sprintf("concurrent update conflict on %s after %d attempts", name, attempts), nil).
		WithDetail("name", name).
		WithDetail("attempts", attempts)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func Closed(component string) *StorageError {
	return NewStorageError(ErrCodeClosed, fmt.Sprintf("%s is closed", component), nil)
}

func ResourceExhausted(resource string, current, limit int) *StorageError {
	return NewStorageError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
