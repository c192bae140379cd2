// Package identity derives the per-device endpoint ID from the Internal
// Master Secret.
//
// The derivation is a keyed three-round hash chain:
//
//	Y1     = sha256(IMS[0:16] xor copy(0x3d, 16))
//	Z0     = sha256(Y1 || copy(0x01, 32))
//	EP_UID = sha256(Z0)[0:8]
//
// The XOR with a fixed pad and the two extra rounds over fixed padding are
// a domain-separation construction: neither the raw secret nor a
// single-round hash of it is ever observable through the published
// identifier. The construction is not reversible and must not be weakened
// by skipping rounds.
package identity

import (
	"crypto/sha256"

	"github.com/apbridge/bootid/hamming"
	"github.com/apbridge/bootid/interfaces"
)

const (
	// xorPad is XORed over the first 16 bytes of the secret before the
	// first hash round.
	xorPad = 0x3d

	// onesPadLength is the number of 0x01 bytes appended in the second
	// round.
	onesPadLength = 32

	// xorSpanLength is how many secret bytes feed the first round.
	xorSpanLength = 16
)

// SecretDeriver is the production Deriver. It is a pure function of the
// secret: the same input yields the same endpoint ID on every boot of the
// same unit.
type SecretDeriver struct{}

// DeriveEndpointID validates the secret and computes the endpoint ID.
// An all-zero secret means the unit was provisioned without an IMS and
// yields (0, false, nil). A secret with invalid Hamming weight yields
// ErrBadSecretIntegrity. All intermediate buffers are wiped before
// returning.
func (SecretDeriver) DeriveEndpointID(secret []byte) (interfaces.EndpointID, bool, error) {
	if hamming.IsConstant(secret, 0x00) {
		return 0, false, nil
	}

	if len(secret) < xorSpanLength || !hamming.ValidWeight(secret) {
		return 0, false, interfaces.ErrBadSecretIntegrity
	}

	keyed := make([]byte, xorSpanLength)
	for i := range keyed {
		keyed[i] = secret[i] ^ xorPad
	}
	y1 := sha256.Sum256(keyed)
	Wipe(keyed)

	h := sha256.New()
	h.Write(y1[:])
	for i := 0; i < onesPadLength; i++ {
		h.Write([]byte{0x01})
	}
	z0 := h.Sum(nil)

	ep := sha256.Sum256(z0)

	id, err := interfaces.NewEndpointIDFromDigest(ep[:])

	// The intermediates are one XOR or one hash round away from the
	// secret; they get the same treatment it does.
	Wipe(y1[:])
	Wipe(z0)

	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// FixedDeriver substitutes a configured endpoint ID for simulation benches
// where the hash hardware is absent. It applies the same secret validation
// as SecretDeriver so that simulation and production runs take the same
// paths through the orchestrator.
type FixedDeriver struct {
	ID interfaces.EndpointID
}

// DeriveEndpointID validates the secret and returns the configured ID.
func (d FixedDeriver) DeriveEndpointID(secret []byte) (interfaces.EndpointID, bool, error) {
	if hamming.IsConstant(secret, 0x00) {
		return 0, false, nil
	}

	if !hamming.ValidWeight(secret) {
		return 0, false, interfaces.ErrBadSecretIntegrity
	}

	return d.ID, true, nil
}

// Wipe zeroes data in place. Callers holding raw secret material must wipe
// it on every exit path rather than leaving reclamation to the garbage
// collector.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
