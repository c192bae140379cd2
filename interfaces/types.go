// Package interfaces defines the core types and contracts of the boot
// identity subsystem. It provides the contract between different components
// without implementation details.
package interfaces

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// IMSLength is the size of the Internal Master Secret e-Fuse region in bytes.
const IMSLength = 35

// IMSMeaningfulLength is the prefix of the IMS the boot firmware cares about.
// The trailing bytes exist in the fuse bank but carry no semantics.
const IMSMeaningfulLength = 32

// EndpointID is the 64-bit per-device identifier derived from the IMS.
// It is safe to expose on the bus; the IMS itself never is.
type EndpointID uint64

// NewEndpointIDFromDigest builds an endpoint ID from the first 8 bytes of a
// derivation digest. The word order is part of the wire contract with the
// attribute bus: the low 32-bit word is the little-endian value of
// digest[0:4], the high word of digest[4:8]. Downstream consumers compare
// this value across implementations, so the order must never change.
func NewEndpointIDFromDigest(digest []byte) (EndpointID, error) {
	if len(digest) < 8 {
		return 0, fmt.Errorf("digest too short for endpoint ID: %d bytes", len(digest))
	}
	return EndpointID(binary.LittleEndian.Uint64(digest[:8])), nil
}

// JoinEndpointID reassembles an endpoint ID from its two published words.
func JoinEndpointID(low, high uint32) EndpointID {
	return EndpointID(uint64(low) | uint64(high)<<32)
}

// Low returns the 32-bit word published to the low attribute slot.
func (id EndpointID) Low() uint32 {
	return uint32(id)
}

// High returns the 32-bit word published to the high attribute slot.
func (id EndpointID) High() uint32 {
	return uint32(id >> 32)
}

// String returns the identifier as a fixed-width hex string.
func (id EndpointID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// AttributeID identifies a slot on the bus-visible attribute interface.
type AttributeID uint16

// The two attribute slots the derived identifier is published to, low word
// first. These are fixed by the platform register map.
const (
	EndpointIDLowAttr  AttributeID = 0xd810
	EndpointIDHighAttr AttributeID = 0xd811
)

// AttrScope selects which bus peer an attribute write targets.
type AttrScope int

const (
	// AttrLocal addresses the local peer's attribute space.
	AttrLocal AttrScope = iota
	// AttrPeer addresses the remote peer's attribute space.
	AttrPeer
)

// FuseBank reads the one-time-programmed fuse region. Contents never change
// during the process lifetime, so all reads are idempotent. On real hardware
// the reads are local synchronous bus operations that either succeed or take
// the platform down; they do not return errors here.
type FuseBank interface {
	// ECCError reports whether the fuse bank's ECC status flags corruption.
	ECCError() bool

	// VendorID returns the vendor identifier fuse value.
	VendorID() uint32

	// ProductID returns the product identifier fuse value.
	ProductID() uint32

	// ReadSecret fills buf with up to len(buf) bytes of the IMS region and
	// returns the number of bytes read. After DisableIMSAccess the region
	// reads back as zero.
	ReadSecret(buf []byte) int

	// DisableIMSAccess revokes read access to the IMS fuse region for the
	// remainder of the power cycle. Irreversible.
	DisableIMSAccess()

	// DisableCMSAccess revokes read access to the CMS fuse region for the
	// remainder of the power cycle. Irreversible.
	DisableCMSAccess()
}

// AttributeBus publishes 32-bit values to bus-visible attribute slots that
// other bus participants can read once written.
type AttributeBus interface {
	// WriteAttribute writes value to the attribute slot. A returned error
	// indicates a transport fault; the write must not be retried.
	WriteAttribute(ctx context.Context, id AttributeID, value uint32, peer uint16, scope AttrScope) error
}

// Deriver computes the endpoint ID from the meaningful prefix of the IMS.
// ok reports whether an identity exists: (0, false, nil) means the secret
// was never provisioned, which is a normal outcome and not an error.
// Implementations must be pure functions of the secret.
type Deriver interface {
	DeriveEndpointID(secret []byte) (id EndpointID, ok bool, err error)
}

// Error kinds surfaced by the provisioning sequence. Callers match with
// errors.Is; CodeForError maps them to stable diagnostic codes.
var (
	// ErrFuseECC means the fuse bank itself reports corruption. Fatal: no
	// fuse-derived value can be trusted.
	ErrFuseECC = errors.New("efuse ECC error")

	// ErrBadVendorID means the vendor identifier failed the Hamming weight
	// check.
	ErrBadVendorID = errors.New("invalid vendor ID hamming weight")

	// ErrBadProductID means the product identifier failed the Hamming
	// weight check.
	ErrBadProductID = errors.New("invalid product ID hamming weight")

	// ErrBadSecretIntegrity means the IMS is neither all-zero nor of
	// balanced Hamming weight. No identity can be derived from it.
	ErrBadSecretIntegrity = errors.New("invalid IMS hamming weight")

	// ErrIdentityPublish means the attribute bus rejected one of the two
	// identifier writes. A partially published identifier is left in place;
	// the bus offers no transactional write.
	ErrIdentityPublish = errors.New("endpoint ID attribute write failed")
)

// BootErrorCode is the diagnostic code reported to downstream boot stages.
type BootErrorCode uint32

const (
	BootOK BootErrorCode = iota
	BootErrFuseECC
	BootErrBadVendorID
	BootErrBadProductID
	BootErrBadIMS
	BootErrEndpointIDWrite
	BootErrUnknown
)

// CodeForError maps a provisioning error to its diagnostic code. A nil
// error maps to BootOK.
func CodeForError(err error) BootErrorCode {
	switch {
	case err == nil:
		return BootOK
	case errors.Is(err, ErrFuseECC):
		return BootErrFuseECC
	case errors.Is(err, ErrBadVendorID):
		return BootErrBadVendorID
	case errors.Is(err, ErrBadProductID):
		return BootErrBadProductID
	case errors.Is(err, ErrBadSecretIntegrity):
		return BootErrBadIMS
	case errors.Is(err, ErrIdentityPublish):
		return BootErrEndpointIDWrite
	default:
		return BootErrUnknown
	}
}

// String returns the code's name for diagnostic logs.
func (c BootErrorCode) String() string {
	switch c {
	case BootOK:
		return "ok"
	case BootErrFuseECC:
		return "efuse_ecc"
	case BootErrBadVendorID:
		return "bad_vendor_id"
	case BootErrBadProductID:
		return "bad_product_id"
	case BootErrBadIMS:
		return "bad_ims"
	case BootErrEndpointIDWrite:
		return "endpoint_id_write"
	default:
		return "unknown"
	}
}
