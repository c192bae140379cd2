package efuse

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/apbridge/bootid/attrbus"
	"github.com/apbridge/bootid/fusebank"
	"github.com/apbridge/bootid/identity"
	"github.com/apbridge/bootid/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goodImage is the reference scenario: ECC clear, vendor ID with 16 ones,
// product ID unset, IMS of alternating 0xff/0x00 bytes (balanced weight).
func goodImage() *fusebank.Image {
	img := &fusebank.Image{
		VendorID:  0x0000ffff,
		ProductID: 0x00000000,
	}
	for i := 0; i < interfaces.IMSMeaningfulLength; i += 2 {
		img.IMS[i] = 0xff
	}
	return img
}

// expectedEndpointID recomputes the derivation chain for goodImage's IMS.
func expectedEndpointID(t *testing.T) interfaces.EndpointID {
	t.Helper()

	keyed := make([]byte, 16)
	for i := 0; i < 16; i += 2 {
		keyed[i] = 0xff ^ 0x3d
		keyed[i+1] = 0x3d
	}
	y1 := sha256.Sum256(keyed)

	h := sha256.New()
	h.Write(y1[:])
	for i := 0; i < 32; i++ {
		h.Write([]byte{0x01})
	}
	ep := sha256.Sum256(h.Sum(nil))

	return interfaces.EndpointID(binary.LittleEndian.Uint64(ep[:8]))
}

func newProvisioner(img *fusebank.Image) (*Provisioner, *fusebank.SimBank, *attrbus.LocalBus) {
	bank := fusebank.NewSimBank(img, nil)
	bus := attrbus.NewLocalBus(nil)
	p := NewProvisioner(bank, bus, identity.SecretDeriver{}, nil)
	return p, bank, bus
}

func TestRunPublishesEndpointID(t *testing.T) {
	p, _, bus := newProvisioner(goodImage())

	outcome, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Published)

	want := expectedEndpointID(t)
	assert.Equal(t, want, outcome.EndpointID)
	assert.Equal(t, interfaces.BootOK, interfaces.CodeForError(err))

	low, ok := bus.ReadAttribute(interfaces.EndpointIDLowAttr)
	require.True(t, ok)
	high, ok := bus.ReadAttribute(interfaces.EndpointIDHighAttr)
	require.True(t, ok)
	assert.Equal(t, want.Low(), low)
	assert.Equal(t, want.High(), high)
	assert.Equal(t, want, interfaces.JoinEndpointID(low, high))
}

func TestRunDeterministicAcrossBoots(t *testing.T) {
	first, _, _ := newProvisioner(goodImage())
	second, _, _ := newProvisioner(goodImage())

	a, err := first.Run(context.Background())
	require.NoError(t, err)
	b, err := second.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, a.EndpointID, b.EndpointID,
		"same unit must derive the same ID on every boot")
}

func TestRunFuseECCError(t *testing.T) {
	img := goodImage()
	img.ECCError = true
	p, bank, bus := newProvisioner(img)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrFuseECC)
	assert.Equal(t, interfaces.BootErrFuseECC, interfaces.CodeForError(err))

	// A corrupted fuse bank stops everything: no secret access, no writes.
	assert.Zero(t, bank.SecretReads())
	assert.Zero(t, bus.WriteCount())
}

func TestRunBadVendorID(t *testing.T) {
	img := goodImage()
	img.VendorID = 0x00000001 // one bit set, unbalanced
	p, bank, bus := newProvisioner(img)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrBadVendorID)
	assert.Zero(t, bank.SecretReads(), "vendor check must fail before any secret processing")
	assert.Zero(t, bus.WriteCount())
}

func TestRunBadProductID(t *testing.T) {
	img := goodImage()
	img.ProductID = 0xffffffff
	p, bank, bus := newProvisioner(img)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrBadProductID)
	assert.Zero(t, bank.SecretReads())
	assert.Zero(t, bus.WriteCount())
}

func TestRunBadSecretIntegrity(t *testing.T) {
	img := goodImage()
	img.IMS = [interfaces.IMSLength]byte{0x01} // population count 1
	p, _, bus := newProvisioner(img)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrBadSecretIntegrity)
	assert.Equal(t, interfaces.BootErrBadIMS, interfaces.CodeForError(err))
	assert.Zero(t, bus.WriteCount())
}

func TestRunNoIMS(t *testing.T) {
	img := goodImage()
	img.IMS = [interfaces.IMSLength]byte{}
	p, _, bus := newProvisioner(img)

	outcome, err := p.Run(context.Background())
	require.NoError(t, err, "missing IMS is a benign omission")
	assert.False(t, outcome.Published)
	assert.Zero(t, bus.WriteCount(), "nothing is published without an identity")
}

func TestRunPublishFaultFirstWrite(t *testing.T) {
	bank := fusebank.NewSimBank(goodImage(), nil)
	bus := attrbus.NewLocalBus(nil)
	faulty := &attrbus.FaultInjector{Bus: bus, FailOn: 1}
	p := NewProvisioner(bank, faulty, identity.SecretDeriver{}, nil)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrIdentityPublish)
	assert.Zero(t, bus.WriteCount())
	assert.Equal(t, 1, faulty.Writes(), "sequence stops at the first failed write")
}

func TestRunPublishFaultSecondWrite(t *testing.T) {
	bank := fusebank.NewSimBank(goodImage(), nil)
	bus := attrbus.NewLocalBus(nil)
	faulty := &attrbus.FaultInjector{Bus: bus, FailOn: 2}
	p := NewProvisioner(bank, faulty, identity.SecretDeriver{}, nil)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrIdentityPublish)

	// The low word stays in place: no rollback on partial publish.
	low, ok := bus.ReadAttribute(interfaces.EndpointIDLowAttr)
	assert.True(t, ok)
	assert.Equal(t, expectedEndpointID(t).Low(), low)

	_, ok = bus.ReadAttribute(interfaces.EndpointIDHighAttr)
	assert.False(t, ok)
}

func TestRunWithFixedDeriver(t *testing.T) {
	bank := fusebank.NewSimBank(goodImage(), nil)
	bus := attrbus.NewLocalBus(nil)
	fixed := identity.FixedDeriver{ID: interfaces.JoinEndpointID(0x12345678, 0x9abcdef0)}
	p := NewProvisioner(bank, bus, fixed, nil)

	outcome, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Published)

	low, _ := bus.ReadAttribute(interfaces.EndpointIDLowAttr)
	high, _ := bus.ReadAttribute(interfaces.EndpointIDHighAttr)
	assert.Equal(t, uint32(0x12345678), low)
	assert.Equal(t, uint32(0x9abcdef0), high)
}

func TestRigForUntrusted(t *testing.T) {
	p, bank, _ := newProvisioner(goodImage())

	// Lockdown is unconditional and independent of whether Run happened.
	p.RigForUntrusted()
	assert.True(t, bank.IMSLocked())
	assert.True(t, bank.CMSLocked())

	// After lockdown the secret region reads as zero, so a (misordered)
	// later run sees no identity rather than the secret.
	outcome, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.Published)
}

type memBackend struct {
	stored map[interfaces.ContentID][]byte
}

func (m *memBackend) Fetch(ctx context.Context, id interfaces.ContentID, ct interfaces.ContentType) ([]byte, error) {
	data, ok := m.stored[id]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return data, nil
}

func (m *memBackend) Store(ctx context.Context, data []byte, ct interfaces.ContentType) (interfaces.ContentID, error) {
	if m.stored == nil {
		m.stored = make(map[interfaces.ContentID][]byte)
	}
	id := interfaces.ComputeID(data)
	m.stored[id] = data
	return id, nil
}

func (m *memBackend) Available(ctx context.Context) bool { return true }
func (m *memBackend) Name() string                       { return "mem" }
func (m *memBackend) LocationURI() string                { return "mem://" }

func TestProvisioningRecord(t *testing.T) {
	p, bank, _ := newProvisioner(goodImage())
	outcome, err := p.Run(context.Background())
	require.NoError(t, err)

	rec := NewRecord(bank, outcome, interfaces.ContentID{})
	assert.Equal(t, "0x0000ffff", rec.VendorID)
	assert.Equal(t, "0x00000000", rec.ProductID)
	assert.Equal(t, outcome.EndpointID.String(), rec.EndpointID)
	assert.Empty(t, rec.ImageDigest)

	backend := &memBackend{}
	id, err := rec.Store(context.Background(), backend)
	require.NoError(t, err)

	data, err := backend.Fetch(context.Background(), id, interfaces.RecordType)
	require.NoError(t, err)
	assert.Contains(t, string(data), rec.EndpointID)
}
