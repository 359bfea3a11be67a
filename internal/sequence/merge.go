package sequence

import (
	"encoding/binary"
	"fmt"
	"slices"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/storage/keyenc"
	"github.com/aykutalparslan/ferrite/internal/util"
)

// Counter records are 8-byte big-endian int64 values.

func EncodeCounter(v int64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(v))
}

func DecodeCounter(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, ferrors.CorruptedData(fmt.Sprintf("counter record has %d bytes, want 8", len(b)), nil)
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// AddNonZero adds the input delta. A sum of zero is advanced by the delta
// once more.
func AddNonZero(old, input []byte) ([]byte, error) {
	cur, err := DecodeCounter(old)
	if err != nil {
		return nil, err
	}
	delta, err := DecodeCounter(input)
	if err != nil {
		return nil, err
	}
	next := cur + delta
	if next == 0 {
		next += delta
	}
	return EncodeCounter(next), nil
}

// Max keeps the larger of the stored value and the input
func Max(old, input []byte) ([]byte, error) {
	cur, err := DecodeCounter(old)
	if err != nil {
		return nil, err
	}
	v, err := DecodeCounter(input)
	if err != nil {
		return nil, err
	}
	if old != nil && cur >= v {
		return old, nil
	}
	return EncodeCounter(v), nil
}

// Ordered set records hold ascending members encoded as memcomparable
// int64s followed by a checksum trailer.

func EncodeMembers(members []int64) []byte {
	k := keyenc.New(len(members)*8 + util.ChecksumSize)
	for _, m := range members {
		k.AppendInt64(m)
	}
	return util.AppendChecksum(k.Bytes())
}

func DecodeMembers(record []byte) ([]int64, error) {
	payload, err := util.StripChecksum(record)
	if err != nil {
		return nil, err
	}
	if len(payload)%8 != 0 {
		return nil, ferrors.CorruptedData(fmt.Sprintf("ordered set payload has %d bytes", len(payload)), nil)
	}
	members := make([]int64, 0, len(payload)/8)
	for len(payload) > 0 {
		var m int64
		payload, m, err = keyenc.DecodeInt64(payload)
		if err != nil {
			return nil, ferrors.CorruptedData("malformed ordered set member", err)
		}
		members = append(members, m)
	}
	return members, nil
}

func memberInput(v int64) []byte { return EncodeCounter(v) }

// Insert adds the input member
func Insert(old, input []byte) ([]byte, error) {
	members, err := DecodeMembers(old)
	if err != nil {
		return nil, err
	}
	v, err := DecodeCounter(input)
	if err != nil {
		return nil, err
	}
	i, found := slices.BinarySearch(members, v)
	if found {
		return EncodeMembers(members), nil
	}
	return EncodeMembers(slices.Insert(members, i, v)), nil
}

// Erase removes the input member
func Erase(old, input []byte) ([]byte, error) {
	members, err := DecodeMembers(old)
	if err != nil {
		return nil, err
	}
	v, err := DecodeCounter(input)
	if err != nil {
		return nil, err
	}
	if i, found := slices.BinarySearch(members, v); found {
		members = slices.Delete(members, i, i+1)
	}
	return EncodeMembers(members), nil
}

// TrimEqualOrLess removes every member <= the input threshold
func TrimEqualOrLess(old, input []byte) ([]byte, error) {
	members, err := DecodeMembers(old)
	if err != nil {
		return nil, err
	}
	threshold, err := DecodeCounter(input)
	if err != nil {
		return nil, err
	}
	i, found := slices.BinarySearch(members, threshold)
	if found {
		i++
	}
	return EncodeMembers(members[i:]), nil
}

// Name set records hold ascending escaped strings followed by a checksum
// trailer.

func EncodeNames(names []string) []byte {
	size := util.ChecksumSize
	for _, n := range names {
		size += len(n) + 2
	}
	k := keyenc.New(size)
	for _, n := range names {
		k.AppendString(n)
	}
	return util.AppendChecksum(k.Bytes())
}

func DecodeNames(record []byte) ([]string, error) {
	payload, err := util.StripChecksum(record)
	if err != nil {
		return nil, err
	}
	var names []string
	for len(payload) > 0 {
		var n string
		payload, n, err = keyenc.DecodeString(payload)
		if err != nil {
			return nil, ferrors.CorruptedData("malformed name set member", err)
		}
		names = append(names, n)
	}
	return names, nil
}

// InsertName adds the input string
func InsertName(old, input []byte) ([]byte, error) {
	names, err := DecodeNames(old)
	if err != nil {
		return nil, err
	}
	v := string(input)
	i, found := slices.BinarySearch(names, v)
	if found {
		return EncodeNames(names), nil
	}
	return EncodeNames(slices.Insert(names, i, v)), nil
}

// EraseName removes the input string
func EraseName(old, input []byte) ([]byte, error) {
	names, err := DecodeNames(old)
	if err != nil {
		return nil, err
	}
	if i, found := slices.BinarySearch(names, string(input)); found {
		names = slices.Delete(names, i, i+1)
	}
	return EncodeNames(names), nil
}
