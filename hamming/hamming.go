// Package hamming implements the bit-population checks used to validate
// e-Fuse fields.
//
// Fuse fields are validated by Hamming weight, for which there are two
// valid values:
//
//	Unset: 0
//	Set:   equal numbers of 1's and 0's
package hamming

import (
	"encoding/binary"
	"math/bits"
)

// PopCount returns the number of set bits in buf. The buffer is processed
// in 8-byte words with a byte tail, so the result is independent of length
// and alignment.
func PopCount(buf []byte) int {
	count := 0

	for len(buf) >= 8 {
		count += bits.OnesCount64(binary.LittleEndian.Uint64(buf))
		buf = buf[8:]
	}

	for _, b := range buf {
		count += bits.OnesCount8(b)
	}

	return count
}

// ValidWeight reports whether buf has a valid fuse-field Hamming weight:
// either zero (unset) or exactly half of the bits set. The empty buffer
// counts as unset.
func ValidWeight(buf []byte) bool {
	count := PopCount(buf)
	return count == 0 || count == len(buf)*8/2
}

// IsConstant reports whether every byte of buf equals val. Vacuously true
// for the empty buffer.
func IsConstant(buf []byte, val byte) bool {
	for _, b := range buf {
		if b != val {
			return false
		}
	}
	return true
}
