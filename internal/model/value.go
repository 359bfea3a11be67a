package model

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ColumnType identifies the semantic type of a key column
type ColumnType uint8

const (
	TypeInvalid ColumnType = iota
	TypeBool
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeDateTime
	TypeString
	TypeBytes
)

var columnTypeNames = map[ColumnType]string{
	TypeBool:     "bool",
	TypeInt32:    "int32",
	TypeInt64:    "int64",
	TypeFloat32:  "float32",
	TypeFloat64:  "float64",
	TypeDateTime: "datetime",
	TypeString:   "string",
	TypeBytes:    "bytes",
}

// String returns the lower-case name used in schema files
func (t ColumnType) String() string {
	if name, ok := columnTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("invalid(%d)", uint8(t))
}

// ParseColumnType parses a schema-file type name
func ParseColumnType(name string) (ColumnType, error) {
	for t, n := range columnTypeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown column type %q", name)
}

// Value is a typed key value. The zero Value is invalid and is rejected by
// every store operation.
type Value struct {
	typ ColumnType
	i   int64
	f   float64
	s   string
	b   []byte
}

// Bool returns a Bool value
func Bool(v bool) Value {
	if v {
		return Value{typ: TypeBool, i: 1}
	}
	return Value{typ: TypeBool}
}

// Int32 returns an Int32 value
func Int32(v int32) Value { return Value{typ: TypeInt32, i: int64(v)} }

// Int64 returns an Int64 value
func Int64(v int64) Value { return Value{typ: TypeInt64, i: v} }

// Float32 returns a Float32 value
func Float32(v float32) Value { return Value{typ: TypeFloat32, f: float64(v)} }

// Float64 returns a Float64 value
func Float64(v float64) Value { return Value{typ: TypeFloat64, f: v} }

// DateTime returns a DateTime value. Only the instant is kept; the location
// is normalized to UTC.
func DateTime(v time.Time) Value { return Value{typ: TypeDateTime, i: v.UnixNano()} }

// String returns a String value
func String(v string) Value { return Value{typ: TypeString, s: v} }

// Bytes returns a Bytes value. The slice is copied.
func Bytes(v []byte) Value {
	c := make([]byte, len(v))
	copy(c, v)
	return Value{typ: TypeBytes, b: c}
}

// Type returns the value's column type
func (v Value) Type() ColumnType { return v.typ }

// IsValid reports whether v was built by one of the constructors
func (v Value) IsValid() bool { return v.typ != TypeInvalid }

// AsBool returns the payload of a Bool value
func (v Value) AsBool() bool { return v.i != 0 }

// AsInt32 returns the payload of an Int32 value
func (v Value) AsInt32() int32 { return int32(v.i) }

// AsInt64 returns the payload of an Int64 value
func (v Value) AsInt64() int64 { return v.i }

// AsFloat32 returns the payload of a Float32 value
func (v Value) AsFloat32() float32 { return float32(v.f) }

// AsFloat64 returns the payload of a Float64 value
func (v Value) AsFloat64() float64 { return v.f }

// AsDateTime returns the payload of a DateTime value in UTC
func (v Value) AsDateTime() time.Time { return time.Unix(0, v.i).UTC() }

// AsString returns the payload of a String value
func (v Value) AsString() string { return v.s }

// AsBytes returns the payload of a Bytes value. Callers must not modify it.
func (v Value) AsBytes() []byte { return v.b }

// Equal reports whether two values have the same type and payload
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.Compare(o) == 0
}

// Compare orders two values of the same type by their semantic order:
// false < true, numbers by signed value, strings and bytes by content then
// length. Values of different types are ordered by type tag.
func (v Value) Compare(o Value) int {
	if v.typ != o.typ {
		return cmp.Compare(v.typ, o.typ)
	}
	switch v.typ {
	case TypeBool, TypeInt32, TypeInt64, TypeDateTime:
		return cmp.Compare(v.i, o.i)
	case TypeFloat32, TypeFloat64:
		return compareFloat(v.f, o.f)
	case TypeString:
		return cmp.Compare(v.s, o.s)
	case TypeBytes:
		return bytes.Compare(v.b, o.b)
	}
	return 0
}

// compareFloat orders -0 before +0 and NaN after +Inf, which is the order
// the key encoding produces.
func compareFloat(a, b float64) int {
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return 1
	case math.IsNaN(b):
		return -1
	case a == 0 && b == 0:
		return cmp.Compare(boolInt(!math.Signbit(a)), boolInt(!math.Signbit(b)))
	}
	return cmp.Compare(a, b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// String renders the value for logs and error messages
func (v Value) String() string {
	switch v.typ {
	case TypeBool:
		return strconv.FormatBool(v.AsBool())
	case TypeInt32, TypeInt64:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat32:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case TypeFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeDateTime:
		return v.AsDateTime().Format(time.RFC3339Nano)
	case TypeString:
		return strconv.Quote(v.s)
	case TypeBytes:
		return "0x" + hex.EncodeToString(v.b)
	}
	return "<invalid>"
}

// Native returns the payload as a plain Go value, suitable for binding to a
// database driver.
func (v Value) Native() interface{} {
	switch v.typ {
	case TypeBool:
		return v.AsBool()
	case TypeInt32:
		return v.AsInt32()
	case TypeInt64, TypeDateTime:
		return v.i
	case TypeFloat32:
		return v.AsFloat32()
	case TypeFloat64:
		return v.f
	case TypeString:
		return v.s
	case TypeBytes:
		return v.b
	}
	return nil
}

// FromNative converts a driver-scanned value back into a Value of type t
func FromNative(t ColumnType, native interface{}) (Value, error) {
	switch t {
	case TypeBool:
		if x, ok := native.(bool); ok {
			return Bool(x), nil
		}
	case TypeInt32:
		if x, ok := native.(int32); ok {
			return Int32(x), nil
		}
		if x, ok := native.(int); ok {
			return Int32(int32(x)), nil
		}
	case TypeInt64:
		if x, ok := native.(int64); ok {
			return Int64(x), nil
		}
	case TypeDateTime:
		if x, ok := native.(int64); ok {
			return Value{typ: TypeDateTime, i: x}, nil
		}
	case TypeFloat32:
		if x, ok := native.(float32); ok {
			return Float32(x), nil
		}
	case TypeFloat64:
		if x, ok := native.(float64); ok {
			return Float64(x), nil
		}
	case TypeString:
		if x, ok := native.(string); ok {
			return String(x), nil
		}
	case TypeBytes:
		if x, ok := native.([]byte); ok {
			return Bytes(x), nil
		}
	}
	return Value{}, fmt.Errorf("cannot convert %T to %s", native, t)
}
