package validation

import (
	"fmt"
	"unicode/utf8"

	"github.com/aykutalparslan/ferrite/internal/errors"
)

const (
	// Size limits
	MaxValueSize = 16 * 1024 * 1024 // 16 MB
	MaxNameSize  = 512
)

// Validator checks caller-supplied names and payloads before any I/O
type Validator struct {
	maxValueSize int
	maxNameSize  int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return NewValidatorWithLimits(MaxValueSize, MaxNameSize)
}

// NewValidatorWithLimits creates a validator with custom limits. Zero keeps
// the default.
func NewValidatorWithLimits(maxValueSize, maxNameSize int) *Validator {
	if maxValueSize <= 0 {
		maxValueSize = MaxValueSize
	}
	if maxNameSize <= 0 {
		maxNameSize = MaxNameSize
	}
	return &Validator{
		maxValueSize: maxValueSize,
		maxNameSize:  maxNameSize,
	}
}

// ValidateName checks a counter or set name. Names are opaque apart from
// being non-empty, bounded and valid UTF-8.
func (v *Validator) ValidateName(kind, name string) error {
	if name == "" {
		return errors.EmptyName(kind)
	}
	if len(name) > v.maxNameSize {
		return errors.InvalidArgument(fmt.Sprintf("%s name size %d exceeds maximum %d", kind, len(name), v.maxNameSize), nil).
			WithDetail("size", len(name)).
			WithDetail("max_size", v.maxNameSize)
	}
	if !utf8.ValidString(name) {
		return errors.InvalidArgument(fmt.Sprintf("%s name is not valid UTF-8", kind), nil)
	}
	return nil
}

// ValidateValue checks a payload before it is written
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.InvalidArgument(fmt.Sprintf("value size %d exceeds maximum %d", len(value), v.maxValueSize), nil).
			WithDetail("size", len(value)).
			WithDetail("max_size", v.maxValueSize)
	}
	return nil
}
