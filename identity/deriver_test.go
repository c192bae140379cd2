package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/apbridge/bootid/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// balancedSecret returns a 32-byte secret with exactly half the bits set.
func balancedSecret() []byte {
	secret := make([]byte, interfaces.IMSMeaningfulLength)
	for i := 0; i < len(secret); i += 2 {
		secret[i] = 0xff
	}
	return secret
}

func TestSecretDeriverKnownChain(t *testing.T) {
	secret := balancedSecret()

	id, ok, err := SecretDeriver{}.DeriveEndpointID(secret)
	require.NoError(t, err)
	require.True(t, ok, "balanced secret must yield an identity")

	// Recompute the chain independently.
	keyed := make([]byte, 16)
	for i := range keyed {
		keyed[i] = secret[i] ^ 0x3d
	}
	y1 := sha256.Sum256(keyed)

	h := sha256.New()
	h.Write(y1[:])
	for i := 0; i < 32; i++ {
		h.Write([]byte{0x01})
	}
	z0 := h.Sum(nil)
	ep := sha256.Sum256(z0)

	assert.Equal(t, binary.LittleEndian.Uint64(ep[:8]), uint64(id))

	// Word order is part of the wire contract: low word first, both
	// little-endian over the digest's first 8 bytes.
	assert.Equal(t, binary.LittleEndian.Uint32(ep[0:4]), id.Low())
	assert.Equal(t, binary.LittleEndian.Uint32(ep[4:8]), id.High())
	assert.Equal(t, id, interfaces.JoinEndpointID(id.Low(), id.High()))
}

func TestSecretDeriverDeterministic(t *testing.T) {
	secret := balancedSecret()

	first, ok, err := SecretDeriver{}.DeriveEndpointID(secret)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 10; i++ {
		again, ok, err := SecretDeriver{}.DeriveEndpointID(balancedSecret())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first, again, "derivation must be a pure function of the secret")
	}
}

func TestSecretDeriverNoSecret(t *testing.T) {
	// All-zero secret is a benign omission, not an error.
	id, ok, err := SecretDeriver{}.DeriveEndpointID(make([]byte, interfaces.IMSMeaningfulLength))
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, interfaces.EndpointID(0), id)

	// Empty input counts as all-zero as well.
	_, ok, err = SecretDeriver{}.DeriveEndpointID(nil)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSecretDeriverBadWeight(t *testing.T) {
	secret := make([]byte, interfaces.IMSMeaningfulLength)
	secret[0] = 0x01 // population count 1: non-zero, unbalanced

	_, ok, err := SecretDeriver{}.DeriveEndpointID(secret)
	assert.ErrorIs(t, err, interfaces.ErrBadSecretIntegrity)
	assert.False(t, ok)
}

func TestSecretDeriverAvalanche(t *testing.T) {
	// Moving a single set bit to a different position keeps the weight
	// balanced but must flip roughly half of the output bits. Statistical
	// check over many samples, not exact values.
	rng := rand.New(rand.NewSource(42))

	const samples = 64
	totalDistance := 0

	for i := 0; i < samples; i++ {
		secret := balancedSecret()
		base, ok, err := SecretDeriver{}.DeriveEndpointID(secret)
		require.NoError(t, err)
		require.True(t, ok)

		// Pick one set bit and one clear bit and swap them.
		setByte := 2 * rng.Intn(16)   // even bytes are 0xff
		clearByte := 2*rng.Intn(16) + 1 // odd bytes are 0x00
		bit := byte(1) << uint(rng.Intn(8))
		secret[setByte] &^= bit
		secret[clearByte] |= bit

		mutated, ok, err := SecretDeriver{}.DeriveEndpointID(secret)
		require.NoError(t, err)
		require.True(t, ok)

		distance := bits.OnesCount64(uint64(base) ^ uint64(mutated))
		assert.Greater(t, distance, 8, "sample %d: output barely changed", i)
		totalDistance += distance
	}

	// Expect ~50% of 64 output bits flipped on average.
	mean := float64(totalDistance) / samples
	assert.InDelta(t, 32.0, mean, 6.0, "avalanche mean off: %f", mean)
}

func TestFixedDeriver(t *testing.T) {
	fixed := FixedDeriver{ID: interfaces.JoinEndpointID(0x12345678, 0x9abcdef0)}

	// Same validation paths as the production deriver.
	_, ok, err := fixed.DeriveEndpointID(make([]byte, interfaces.IMSMeaningfulLength))
	assert.NoError(t, err)
	assert.False(t, ok)

	bad := make([]byte, interfaces.IMSMeaningfulLength)
	bad[3] = 0x10
	_, _, err = fixed.DeriveEndpointID(bad)
	assert.ErrorIs(t, err, interfaces.ErrBadSecretIntegrity)

	id, ok, err := fixed.DeriveEndpointID(balancedSecret())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fixed.ID, id)
	assert.Equal(t, uint32(0x12345678), id.Low())
	assert.Equal(t, uint32(0x9abcdef0), id.High())
}

func TestWipe(t *testing.T) {
	buf := balancedSecret()
	Wipe(buf)
	for i, b := range buf {
		require.Zero(t, b, "byte %d not wiped", i)
	}
}
