package sequence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
)

func counter(t *testing.T, b []byte) int64 {
	t.Helper()
	v, err := DecodeCounter(b)
	require.NoError(t, err)
	return v
}

func TestAddNonZero(t *testing.T) {
	tests := []struct {
		name  string
		old   []byte
		delta int64
		want  int64
	}{
		{"absent starts at delta", nil, 1, 1},
		{"adds delta", EncodeCounter(41), 1, 42},
		{"larger delta", EncodeCounter(10), 5, 15},
		{"skips zero", EncodeCounter(-1), 1, 1},
		{"skips zero with delta", EncodeCounter(-3), 3, 3},
		{"wraps to negative", EncodeCounter(math.MaxInt64), 1, math.MinInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := AddNonZero(tt.old, EncodeCounter(tt.delta))
			require.NoError(t, err)
			assert.Equal(t, tt.want, counter(t, out))
		})
	}
}

func TestMax(t *testing.T) {
	tests := []struct {
		name  string
		old   []byte
		input int64
		want  int64
	}{
		{"absent takes input", nil, 7, 7},
		{"absent takes negative input", nil, -7, -7},
		{"raises", EncodeCounter(3), 7, 7},
		{"never lowers", EncodeCounter(9), 7, 9},
		{"equal", EncodeCounter(7), 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Max(tt.old, EncodeCounter(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, counter(t, out))
		})
	}
}

func TestDecodeCounter_Corrupt(t *testing.T) {
	_, err := DecodeCounter([]byte{1, 2, 3})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeCorruptedData))

	_, err = AddNonZero([]byte{1}, EncodeCounter(1))
	assert.Error(t, err)
}

func apply(t *testing.T, record []byte, merge MergeFunc, input int64) []byte {
	t.Helper()
	out, err := merge(record, memberInput(input))
	require.NoError(t, err)
	return out
}

func members(t *testing.T, record []byte) []int64 {
	t.Helper()
	m, err := DecodeMembers(record)
	require.NoError(t, err)
	return m
}

func TestOrderedSetMerges(t *testing.T) {
	var record []byte
	for _, v := range []int64{5, -2, 9, 0, 5, math.MinInt64, math.MaxInt64} {
		record = apply(t, record, Insert, v)
	}
	assert.Equal(t, []int64{math.MinInt64, -2, 0, 5, 9, math.MaxInt64}, members(t, record))

	record = apply(t, record, Erase, 5)
	record = apply(t, record, Erase, 42)
	assert.Equal(t, []int64{math.MinInt64, -2, 0, 9, math.MaxInt64}, members(t, record))

	tests := []struct {
		name      string
		threshold int64
		want      []int64
	}{
		{"below all", math.MinInt64 + 1, []int64{-2, 0, 9, math.MaxInt64}},
		{"member", 0, []int64{9, math.MaxInt64}},
		{"between", 5, []int64{9, math.MaxInt64}},
		{"above all", math.MaxInt64, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, members(t, apply(t, record, TrimEqualOrLess, tt.threshold)))
		})
	}
}

func TestDecodeMembers(t *testing.T) {
	m, err := DecodeMembers(nil)
	require.NoError(t, err)
	assert.Empty(t, m)

	record := EncodeMembers([]int64{1, 2})
	record[0] ^= 0xff
	_, err = DecodeMembers(record)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeChecksumFailed), "got %v", err)

	_, err = DecodeMembers([]byte{1, 2})
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeCorruptedData), "got %v", err)
}

func TestNameSetMerges(t *testing.T) {
	var record []byte
	var err error
	for _, n := range []string{"msg:unread:1-0-2", "", "a\x00b", "msg:unread:1-0-1", "a"} {
		record, err = InsertName(record, []byte(n))
		require.NoError(t, err)
	}
	record, err = InsertName(record, []byte("a"))
	require.NoError(t, err)

	names, err := DecodeNames(record)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "a", "a\x00b", "msg:unread:1-0-1", "msg:unread:1-0-2"}, names)

	record, err = EraseName(record, []byte("a\x00b"))
	require.NoError(t, err)
	record, err = EraseName(record, []byte("absent"))
	require.NoError(t, err)

	names, err = DecodeNames(record)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "a", "msg:unread:1-0-1", "msg:unread:1-0-2"}, names)
}
