// Package keyenc implements the memcomparable key encoding: typed tuples are
// encoded so that unsigned byte-wise comparison of the encodings orders them
// the same way as comparing the tuples column by column.
//
// Every key starts with a header naming the keyspace and table it belongs
// to:
//
//	row key:    escaped(keyspace) 0x01 escaped(table) columns...
//	index key:  escaped(keyspace) 0x02 escaped(table) escaped(index) columns...
//	system key: escaped(namespace) 0x03 escaped(name)
//
// Strings and byte slices are escaped (0x00 becomes 0x00 0xFF) and
// terminated with 0x00 0x01, which keeps every encoding prefix-free.
package keyenc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/aykutalparslan/ferrite/internal/model"
)

const (
	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff

	KindRow    byte = 0x01
	KindIndex  byte = 0x02
	KindSystem byte = 0x03
)

// Key is a growable buffer that typed values are appended to
type Key struct {
	buf []byte
}

// New returns an empty key with room for size bytes
func New(size int) *Key {
	return &Key{buf: make([]byte, 0, size)}
}

// NewRow returns a key positioned after the header of table's row space
func NewRow(keyspace, table string) *Key {
	k := New(len(keyspace) + len(table) + 32)
	k.buf = appendEscaped(k.buf, []byte(keyspace))
	k.buf = append(k.buf, KindRow)
	k.buf = appendEscaped(k.buf, []byte(table))
	return k
}

// NewIndex returns a key positioned after the header of an index space
func NewIndex(keyspace, table, index string) *Key {
	k := New(len(keyspace) + len(table) + len(index) + 32)
	k.buf = appendEscaped(k.buf, []byte(keyspace))
	k.buf = append(k.buf, KindIndex)
	k.buf = appendEscaped(k.buf, []byte(table))
	k.buf = appendEscaped(k.buf, []byte(index))
	return k
}

// Bytes returns the encoded key. The slice aliases the buffer.
func (k *Key) Bytes() []byte { return k.buf }

// Len returns the encoded length
func (k *Key) Len() int { return len(k.buf) }

func (k *Key) AppendBool(v bool) *Key {
	if v {
		k.buf = append(k.buf, 1)
	} else {
		k.buf = append(k.buf, 0)
	}
	return k
}

func (k *Key) AppendInt32(v int32) *Key {
	k.buf = binary.BigEndian.AppendUint32(k.buf, uint32(v)^(1<<31))
	return k
}

func (k *Key) AppendInt64(v int64) *Key {
	k.buf = binary.BigEndian.AppendUint64(k.buf, uint64(v)^(1<<63))
	return k
}

func (k *Key) AppendFloat32(v float32) *Key {
	if v != v {
		v = float32(math.NaN())
	}
	bits := math.Float32bits(v)
	if bits&(1<<31) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 31
	}
	k.buf = binary.BigEndian.AppendUint32(k.buf, bits)
	return k
}

func (k *Key) AppendFloat64(v float64) *Key {
	if math.IsNaN(v) {
		v = math.NaN()
	}
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	k.buf = binary.BigEndian.AppendUint64(k.buf, bits)
	return k
}

func (k *Key) AppendString(v string) *Key {
	k.buf = appendEscaped(k.buf, []byte(v))
	return k
}

func (k *Key) AppendBytes(v []byte) *Key {
	k.buf = appendEscaped(k.buf, v)
	return k
}

// AppendValue appends v using the encoding of its column type
func (k *Key) AppendValue(v model.Value) error {
	switch v.Type() {
	case model.TypeBool:
		k.AppendBool(v.AsBool())
	case model.TypeInt32:
		k.AppendInt32(v.AsInt32())
	case model.TypeInt64, model.TypeDateTime:
		// DateTime keys carry Unix nanoseconds
		k.AppendInt64(v.AsInt64())
	case model.TypeFloat32:
		k.AppendFloat32(v.AsFloat32())
	case model.TypeFloat64:
		k.AppendFloat64(v.AsFloat64())
	case model.TypeString:
		k.AppendString(v.AsString())
	case model.TypeBytes:
		k.AppendBytes(v.AsBytes())
	default:
		return fmt.Errorf("cannot encode value of type %s", v.Type())
	}
	return nil
}

// EncodeRow encodes a (possibly partial) primary key tuple of table
func EncodeRow(keyspace, table string, values ...model.Value) ([]byte, error) {
	k := NewRow(keyspace, table)
	for _, v := range values {
		if err := k.AppendValue(v); err != nil {
			return nil, err
		}
	}
	return k.Bytes(), nil
}

// EncodeIndex encodes a (possibly partial) secondary index tuple
func EncodeIndex(keyspace, table, index string, values ...model.Value) ([]byte, error) {
	k := NewIndex(keyspace, table, index)
	for _, v := range values {
		if err := k.AppendValue(v); err != nil {
			return nil, err
		}
	}
	return k.Bytes(), nil
}

// EncodeSystem encodes a name-addressed record such as a counter
func EncodeSystem(namespace, name string) []byte {
	b := make([]byte, 0, len(namespace)+len(name)+5)
	b = appendEscaped(b, []byte(namespace))
	b = append(b, KindSystem)
	return appendEscaped(b, []byte(name))
}

// EncodeIndexEntry appends the owning row key to a complete index key, so
// several rows can share one index tuple. Scanning the index key as a prefix
// finds every row it points to.
func EncodeIndexEntry(indexKey, rowKey []byte) []byte {
	b := make([]byte, 0, len(indexKey)+len(rowKey)+4)
	b = append(b, indexKey...)
	return appendEscaped(b, rowKey)
}

// PrefixEnd returns the smallest key greater than every key that has prefix
// as a prefix. A nil result means the range is unbounded above.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func appendEscaped(b, data []byte) []byte {
	for {
		i := bytes.IndexByte(data, escape)
		if i == -1 {
			break
		}
		b = append(b, data[:i]...)
		b = append(b, escape, escaped00)
		data = data[i+1:]
	}
	b = append(b, data...)
	return append(b, escape, escapedTerm)
}

// decodeEscaped reads one escaped segment and returns the rest of b
func decodeEscaped(b []byte) (rest, out []byte, err error) {
	out = []byte{}
	for {
		i := bytes.IndexByte(b, escape)
		if i == -1 {
			return nil, nil, fmt.Errorf("did not find terminator %#x in buffer %#x", escape, b)
		}
		if i+1 >= len(b) {
			return nil, nil, fmt.Errorf("malformed escape in buffer %#x", b)
		}
		switch b[i+1] {
		case escapedTerm:
			out = append(out, b[:i]...)
			return b[i+2:], out, nil
		case escaped00:
			out = append(out, b[:i]...)
			out = append(out, 0)
		default:
			return nil, nil, fmt.Errorf("unknown escape sequence: %#x %#x", escape, b[i+1])
		}
		b = b[i+2:]
	}
}

// Header is the decoded header of a key. For system keys Keyspace holds
// the namespace and Table the record name.
type Header struct {
	Keyspace string
	Kind     byte
	Table    string
	Index    string
}

// DecodeHeader parses the header of key and returns the column bytes that
// follow it
func DecodeHeader(key []byte) (Header, []byte, error) {
	rest, keyspace, err := decodeEscaped(key)
	if err != nil {
		return Header{}, nil, fmt.Errorf("keyspace: %w", err)
	}
	if len(rest) == 0 {
		return Header{}, nil, fmt.Errorf("key %#x has no kind byte", key)
	}
	h := Header{Keyspace: string(keyspace), Kind: rest[0]}
	switch h.Kind {
	case KindRow, KindIndex, KindSystem:
	default:
		return Header{}, nil, fmt.Errorf("unknown key kind %#x", h.Kind)
	}
	var name []byte
	rest, name, err = decodeEscaped(rest[1:])
	if err != nil {
		return Header{}, nil, fmt.Errorf("table name: %w", err)
	}
	h.Table = string(name)
	if h.Kind == KindIndex {
		rest, name, err = decodeEscaped(rest)
		if err != nil {
			return Header{}, nil, fmt.Errorf("index name: %w", err)
		}
		h.Index = string(name)
	}
	return h, rest, nil
}

// Decode returns the value of one column of an encoded key. It reports
// false when the column is not part of def.
func Decode(key []byte, def model.KeyDefinition, column string) (model.Value, bool, error) {
	pos := def.Index(column)
	if pos < 0 {
		return model.Value{}, false, nil
	}
	_, b, err := DecodeHeader(key)
	if err != nil {
		return model.Value{}, false, err
	}
	for i := 0; i < pos; i++ {
		if b, err = skipColumn(b, def.Columns[i].Type); err != nil {
			return model.Value{}, false, fmt.Errorf("column %q: %w", def.Columns[i].Name, err)
		}
	}
	v, _, err := decodeColumn(b, def.Columns[pos].Type)
	if err != nil {
		return model.Value{}, false, fmt.Errorf("column %q: %w", column, err)
	}
	return v, true, nil
}

// DecodeAll returns every column of an encoded key in definition order
func DecodeAll(key []byte, def model.KeyDefinition) ([]model.Value, error) {
	_, b, err := DecodeHeader(key)
	if err != nil {
		return nil, err
	}
	values := make([]model.Value, len(def.Columns))
	for i, c := range def.Columns {
		values[i], b, err = decodeColumn(b, c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after key %q", len(b), def.Name)
	}
	return values, nil
}

func fixedWidth(t model.ColumnType) int {
	switch t {
	case model.TypeBool:
		return 1
	case model.TypeInt32, model.TypeFloat32:
		return 4
	case model.TypeInt64, model.TypeFloat64, model.TypeDateTime:
		return 8
	}
	return 0
}

func skipColumn(b []byte, t model.ColumnType) ([]byte, error) {
	if n := fixedWidth(t); n > 0 {
		if len(b) < n {
			return nil, fmt.Errorf("insufficient bytes for %s: %d", t, len(b))
		}
		return b[n:], nil
	}
	rest, _, err := decodeEscaped(b)
	return rest, err
}

func decodeColumn(b []byte, t model.ColumnType) (model.Value, []byte, error) {
	if n := fixedWidth(t); n > 0 && len(b) < n {
		return model.Value{}, nil, fmt.Errorf("insufficient bytes for %s: %d", t, len(b))
	}
	switch t {
	case model.TypeBool:
		return model.Bool(b[0] != 0), b[1:], nil
	case model.TypeInt32:
		return model.Int32(int32(binary.BigEndian.Uint32(b) ^ (1 << 31))), b[4:], nil
	case model.TypeInt64:
		return model.Int64(int64(binary.BigEndian.Uint64(b) ^ (1 << 63))), b[8:], nil
	case model.TypeDateTime:
		v, err := model.FromNative(model.TypeDateTime, int64(binary.BigEndian.Uint64(b)^(1<<63)))
		return v, b[8:], err
	case model.TypeFloat32:
		bits := binary.BigEndian.Uint32(b)
		if bits&(1<<31) != 0 {
			bits &^= 1 << 31
		} else {
			bits = ^bits
		}
		return model.Float32(math.Float32frombits(bits)), b[4:], nil
	case model.TypeFloat64:
		bits := binary.BigEndian.Uint64(b)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return model.Float64(math.Float64frombits(bits)), b[8:], nil
	case model.TypeString:
		rest, s, err := decodeEscaped(b)
		if err != nil {
			return model.Value{}, nil, err
		}
		return model.String(string(s)), rest, nil
	case model.TypeBytes:
		rest, s, err := decodeEscaped(b)
		if err != nil {
			return model.Value{}, nil, err
		}
		return model.Bytes(s), rest, nil
	}
	return model.Value{}, nil, fmt.Errorf("unsupported column type %s", t)
}

// DecodeInt64 reads one encoded int64 and returns the rest of b
func DecodeInt64(b []byte) ([]byte, int64, error) {
	if len(b) < 8 {
		return nil, 0, fmt.Errorf("insufficient bytes for int64: %d", len(b))
	}
	return b[8:], int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

// DecodeString reads one escaped string and returns the rest of b
func DecodeString(b []byte) ([]byte, string, error) {
	rest, s, err := decodeEscaped(b)
	if err != nil {
		return nil, "", err
	}
	return rest, string(s), nil
}
