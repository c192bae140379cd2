package fusebank

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/apbridge/bootid/hamming"
	"github.com/apbridge/bootid/interfaces"
)

// GenerateIMS produces a fresh IMS with balanced Hamming weight over its
// meaningful prefix: random bytes from r, adjusted until exactly half the
// bits are set. The trailing bytes beyond the meaningful prefix are left
// zero. r should be crypto/rand.Reader on a manufacturing line.
func GenerateIMS(r io.Reader) ([interfaces.IMSLength]byte, error) {
	var ims [interfaces.IMSLength]byte

	if _, err := io.ReadFull(r, ims[:interfaces.IMSMeaningfulLength]); err != nil {
		return ims, fmt.Errorf("failed to read IMS entropy: %w", err)
	}

	balance(ims[:interfaces.IMSMeaningfulLength])
	return ims, nil
}

// IMSFromSeed derives a deterministic IMS from a seed via HKDF-SHA256,
// balance-adjusted the same way as GenerateIMS. CI benches use it to get
// reproducible fuse images; it must never be used for production units.
func IMSFromSeed(seed, info []byte) ([interfaces.IMSLength]byte, error) {
	var ims [interfaces.IMSLength]byte

	kdf := hkdf.New(sha256.New, seed, nil, info)
	if _, err := io.ReadFull(kdf, ims[:interfaces.IMSMeaningfulLength]); err != nil {
		return ims, fmt.Errorf("failed to expand IMS seed: %w", err)
	}

	balance(ims[:interfaces.IMSMeaningfulLength])
	return ims, nil
}

// GenerateID produces a 32-bit identifier with balanced Hamming weight,
// suitable as a vendor or product ID fuse value.
func GenerateID(r io.Reader) (uint32, error) {
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return 0, fmt.Errorf("failed to read ID entropy: %w", err)
	}

	balance(raw[:])
	return binary.LittleEndian.Uint32(raw[:]), nil
}

// balance adjusts buf in place to exactly len(buf)*4 set bits. Excess set
// bits are cleared from the lowest positions upward, missing ones set the
// same way, so the adjustment is deterministic for a given input.
func balance(buf []byte) {
	target := len(buf) * 8 / 2
	count := hamming.PopCount(buf)

	for pos := 0; count > target && pos < len(buf)*8; pos++ {
		byteIdx, mask := pos/8, byte(1)<<uint(pos%8)
		if buf[byteIdx]&mask != 0 {
			buf[byteIdx] &^= mask
			count--
		}
	}

	for pos := 0; count < target && pos < len(buf)*8; pos++ {
		byteIdx, mask := pos/8, byte(1)<<uint(pos%8)
		if buf[byteIdx]&mask == 0 {
			buf[byteIdx] |= mask
			count++
		}
	}
}
