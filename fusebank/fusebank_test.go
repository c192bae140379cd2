package fusebank

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/apbridge/bootid/hamming"
	"github.com/apbridge/bootid/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() *Image {
	img := &Image{
		VendorID:  0x0000ffff,
		ProductID: 0x00ff00ff,
	}
	for i := 0; i < interfaces.IMSMeaningfulLength; i += 2 {
		img.IMS[i] = 0xff
	}
	return img
}

func TestImageRoundTrip(t *testing.T) {
	img := testImage()
	img.ECCError = true

	data, err := img.Marshal()
	require.NoError(t, err)

	parsed, err := ParseImage(data)
	require.NoError(t, err)
	assert.Equal(t, img, parsed)
}

func TestImageSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.fuse.json")
	img := testImage()

	require.NoError(t, img.Save(path))
	loaded, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, img, loaded)
}

func TestParseImageValidation(t *testing.T) {
	_, err := ParseImage([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseImage([]byte(`{"vendor_id":"zzzz"}`))
	assert.Error(t, err)

	_, err = ParseImage([]byte(`{"ims":"ffff"}`))
	assert.Error(t, err, "IMS must be exactly 35 bytes")

	// Absent IMS is a unit provisioned without a secret.
	img, err := ParseImage([]byte(`{"vendor_id":"0x0000ffff","product_id":"0x00000000"}`))
	require.NoError(t, err)
	assert.False(t, img.HasSecret())
}

func TestImageBlanked(t *testing.T) {
	img := testImage()
	require.True(t, img.HasSecret())

	blank := img.Blanked()
	assert.False(t, blank.HasSecret())
	assert.Equal(t, img.VendorID, blank.VendorID)
	assert.True(t, img.HasSecret(), "blanking must not touch the original")
}

func TestSimBankReads(t *testing.T) {
	bank := NewSimBank(testImage(), nil)

	assert.False(t, bank.ECCError())
	assert.Equal(t, uint32(0x0000ffff), bank.VendorID())
	assert.Equal(t, uint32(0x00ff00ff), bank.ProductID())

	buf := make([]byte, interfaces.IMSMeaningfulLength)
	n := bank.ReadSecret(buf)
	assert.Equal(t, interfaces.IMSMeaningfulLength, n)
	assert.Equal(t, byte(0xff), buf[0])
	assert.Equal(t, byte(0x00), buf[1])
	assert.Equal(t, 1, bank.SecretReads())

	// Reads are idempotent.
	again := make([]byte, interfaces.IMSMeaningfulLength)
	bank.ReadSecret(again)
	assert.Equal(t, buf, again)
}

func TestSimBankLockdown(t *testing.T) {
	bank := NewSimBank(testImage(), nil)

	bank.DisableIMSAccess()
	bank.DisableIMSAccess() // idempotent
	bank.DisableCMSAccess()

	assert.True(t, bank.IMSLocked())
	assert.True(t, bank.CMSLocked())

	buf := make([]byte, interfaces.IMSMeaningfulLength)
	buf[0] = 0xaa
	n := bank.ReadSecret(buf)
	assert.Equal(t, interfaces.IMSMeaningfulLength, n)
	for i, b := range buf {
		require.Zero(t, b, "byte %d readable after lockdown", i)
	}
}

func TestGenerateIMS(t *testing.T) {
	for i := 0; i < 20; i++ {
		ims, err := GenerateIMS(rand.Reader)
		require.NoError(t, err)

		meaningful := ims[:interfaces.IMSMeaningfulLength]
		assert.Equal(t, interfaces.IMSMeaningfulLength*4, hamming.PopCount(meaningful),
			"generated IMS must have balanced weight")
		assert.True(t, hamming.ValidWeight(meaningful))
		assert.True(t, hamming.IsConstant(ims[interfaces.IMSMeaningfulLength:], 0),
			"trailing bytes stay zero")
	}
}

func TestIMSFromSeedDeterministic(t *testing.T) {
	seed := []byte("bench seed for ci images")

	first, err := IMSFromSeed(seed, []byte("unit-1"))
	require.NoError(t, err)
	again, err := IMSFromSeed(seed, []byte("unit-1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := IMSFromSeed(seed, []byte("unit-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "different info must give a different IMS")

	assert.True(t, hamming.ValidWeight(first[:interfaces.IMSMeaningfulLength]))
}

func TestGenerateID(t *testing.T) {
	for i := 0; i < 20; i++ {
		id, err := GenerateID(rand.Reader)
		require.NoError(t, err)

		raw := []byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)}
		assert.Equal(t, 16, hamming.PopCount(raw), "ID %#08x not balanced", id)
	}
}
