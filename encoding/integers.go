package encoding

import (
	"encoding/binary"
)

// EncUint64 encodes a uint64 as a slice of 8 bytes.
func EncUint64(i uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, i)
	return b
}

// DecUint64 decodes a slice of 8 bytes into a uint64. If len(b) < 8,
// DecUint64 panics.
func DecUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// EncInt64 encodes an int64 as a slice of 8 bytes.
func EncInt64(i int64) []byte {
	return EncUint64(uint64(i))
}

// DecInt64 decodes a slice of 8 bytes into an int64. If len(b) < 8,
// DecInt64 panics.
func DecInt64(b []byte) int64 {
	return int64(DecUint64(b))
}

// EncLen encodes a length as a slice of 4 bytes.
func EncLen(l int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(l))
	return b
}

// DecLen decodes a slice of 4 bytes into an int. If len(b) < 4, DecLen
// panics.
func DecLen(b []byte) int {
	return int(binary.LittleEndian.Uint32(b))
}
