package escrow

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminKeyPair(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	pubKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	})
	return key, pubKeyPEM
}

func testSetup(t *testing.T, threshold, admins int) ([]byte, [][]byte, []*ecdsa.PrivateKey, [][]byte) {
	t.Helper()

	secret := make([]byte, 35)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	keys := make([]*ecdsa.PrivateKey, admins)
	pems := make([][]byte, admins)
	for i := range keys {
		keys[i], pems[i] = adminKeyPair(t)
	}

	e, shares, err := Split(secret, Config{Threshold: threshold, AdminPubKeys: pems})
	require.NoError(t, err)
	require.True(t, e.IsUnlocked())
	require.Len(t, shares, admins)

	return secret, shares, keys, pems
}

func TestSplitValidation(t *testing.T) {
	_, pubPEM := adminKeyPair(t)
	pems := [][]byte{pubPEM, pubPEM, pubPEM}

	_, _, err := Split(make([]byte, 16), Config{Threshold: 2, AdminPubKeys: pems})
	assert.Error(t, err, "secret shorter than 32 bytes must be rejected")

	_, _, err = Split(make([]byte, 35), Config{Threshold: 1, AdminPubKeys: pems})
	assert.Error(t, err, "threshold below 2 must be rejected")

	_, _, err = Split(make([]byte, 35), Config{Threshold: 4, AdminPubKeys: pems})
	assert.Error(t, err, "threshold above share count must be rejected")

	_, _, err = Split(make([]byte, 35), Config{Threshold: 2, AdminPubKeys: [][]byte{pubPEM, []byte("not-a-pem")}})
	assert.Error(t, err, "invalid admin key must be rejected")
}

func TestRecoverAtThreshold(t *testing.T) {
	secret, shares, keys, pems := testSetup(t, 3, 5)

	recovery, err := NewRecovery(Config{Threshold: 3, AdminPubKeys: pems})
	require.NoError(t, err)
	assert.False(t, recovery.IsUnlocked())

	_, err = recovery.Secret()
	assert.Error(t, err, "secret must not be readable while locked")

	for i := 0; i < 3; i++ {
		sig, err := SignShare(shares[i], keys[i])
		require.NoError(t, err)
		require.NoError(t, recovery.SubmitShare(i, shares[i], sig, pems[i]))
	}

	require.True(t, recovery.IsUnlocked())
	recovered, err := recovery.Secret()
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)

	// Further submissions are refused once unlocked.
	sig, err := SignShare(shares[3], keys[3])
	require.NoError(t, err)
	assert.Error(t, recovery.SubmitShare(3, shares[3], sig, pems[3]))
}

func TestBelowThresholdStaysLocked(t *testing.T) {
	_, shares, keys, pems := testSetup(t, 3, 5)

	recovery, err := NewRecovery(Config{Threshold: 3, AdminPubKeys: pems})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sig, err := SignShare(shares[i], keys[i])
		require.NoError(t, err)
		require.NoError(t, recovery.SubmitShare(i, shares[i], sig, pems[i]))
	}

	assert.False(t, recovery.IsUnlocked())
}

func TestRejectsBadSubmissions(t *testing.T) {
	_, shares, keys, pems := testSetup(t, 2, 3)

	recovery, err := NewRecovery(Config{Threshold: 2, AdminPubKeys: pems})
	require.NoError(t, err)

	// Signature from the wrong key.
	wrongSig, err := SignShare(shares[0], keys[1])
	require.NoError(t, err)
	assert.Error(t, recovery.SubmitShare(0, shares[0], wrongSig, pems[0]))

	// Unregistered admin key.
	strangerKey, strangerPEM := adminKeyPair(t)
	sig, err := SignShare(shares[0], strangerKey)
	require.NoError(t, err)
	assert.Error(t, recovery.SubmitShare(0, shares[0], sig, strangerPEM))

	// Tampered share fails signature verification.
	sig, err = SignShare(shares[0], keys[0])
	require.NoError(t, err)
	tampered := append([]byte(nil), shares[0]...)
	tampered[0] ^= 0xff
	assert.Error(t, recovery.SubmitShare(0, tampered, sig, pems[0]))

	assert.False(t, recovery.IsUnlocked())
}

func TestDestroyWipesSecret(t *testing.T) {
	_, pubPEM1 := adminKeyPair(t)
	_, pubPEM2 := adminKeyPair(t)

	secret := make([]byte, 35)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	e, _, err := Split(secret, Config{Threshold: 2, AdminPubKeys: [][]byte{pubPEM1, pubPEM2}})
	require.NoError(t, err)

	e.Destroy()
	assert.False(t, e.IsUnlocked())
	_, err = e.Secret()
	assert.Error(t, err)
}
