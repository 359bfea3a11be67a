package util

import (
	"encoding/binary"
	"hash/crc32"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
)

// Serialized records carry a CRC32 (Castagnoli) trailer:
//
//	[payload][checksum (4 bytes, little endian)]

const ChecksumSize = 4

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// AppendChecksum returns a copy of data with its checksum appended
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data), len(data)+ChecksumSize)
	copy(result, data)
	return binary.LittleEndian.AppendUint32(result, ComputeChecksum(data))
}

// StripChecksum validates the trailer of record and returns the payload. An
// empty record is treated as an empty payload so absent keys decode cleanly.
func StripChecksum(record []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, nil
	}
	if len(record) < ChecksumSize {
		return nil, ferrors.CorruptedData("record shorter than checksum trailer", nil).
			WithDetail("length", len(record))
	}
	n := len(record) - ChecksumSize
	payload := record[:n]
	expected := binary.LittleEndian.Uint32(record[n:])
	if actual := ComputeChecksum(payload); actual != expected {
		return nil, ferrors.ChecksumFailed(expected, actual)
	}
	return payload, nil
}
