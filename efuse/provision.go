// Package efuse implements the boot-time fuse provisioning sequence: it
// validates fuse bank health, checks the vendor and product identifiers,
// derives the per-device endpoint ID from the Internal Master Secret, and
// publishes the ID to the attribute bus. A separate entry point revokes
// secret fuse access before control passes to less-trusted code.
package efuse

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/apbridge/bootid/hamming"
	"github.com/apbridge/bootid/identity"
	"github.com/apbridge/bootid/interfaces"
)

// Provisioner runs the fuse provisioning sequence. It executes once, early
// in boot, single-threaded and run-to-completion; there are no retries
// because every step touches one-time-programmed or early-boot hardware
// state where retrying cannot change the outcome.
type Provisioner struct {
	bank    interfaces.FuseBank
	bus     interfaces.AttributeBus
	deriver interfaces.Deriver
	log     *slog.Logger
}

// NewProvisioner creates a provisioner over the given fuse bank, attribute
// bus and deriver. The deriver is injected so simulation benches can swap
// in a fixed-ID implementation without touching the sequence itself.
func NewProvisioner(bank interfaces.FuseBank, bus interfaces.AttributeBus, deriver interfaces.Deriver, log *slog.Logger) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{
		bank:    bank,
		bus:     bus,
		deriver: deriver,
		log:     log,
	}
}

// Outcome reports what a successful run produced. Published is false when
// the unit has no IMS, which is a normal outcome: callers distinguish the
// benign omission (nil error, Published false) from a failure (non-nil
// error) without consulting any shared state.
type Outcome struct {
	EndpointID interfaces.EndpointID
	Published  bool
}

// Run executes the provisioning sequence and stops on the first failure.
// The sequence is: fuse ECC check, vendor ID weight check, product ID
// weight check, identity derivation, publish of the low then high endpoint
// ID words. On a publish failure the already-written word is left in
// place; the bus has no transactional write and no rollback is attempted.
//
// The IMS is read into a stack-scoped buffer and wiped on every exit path.
func (p *Provisioner) Run(ctx context.Context) (Outcome, error) {
	if p.bank.ECCError() {
		p.log.Error("Fuse bank reports ECC error")
		return Outcome{}, interfaces.ErrFuseECC
	}

	vendorID := p.bank.VendorID()
	if !hamming.ValidWeight(wordBytes(vendorID)) {
		p.log.Error("Invalid vendor ID", slog.String("vendor_id", fmt.Sprintf("0x%08x", vendorID)))
		return Outcome{}, fmt.Errorf("%w: 0x%08x", interfaces.ErrBadVendorID, vendorID)
	}

	productID := p.bank.ProductID()
	if !hamming.ValidWeight(wordBytes(productID)) {
		p.log.Error("Invalid product ID", slog.String("product_id", fmt.Sprintf("0x%08x", productID)))
		return Outcome{}, fmt.Errorf("%w: 0x%08x", interfaces.ErrBadProductID, productID)
	}

	secret := make([]byte, interfaces.IMSLength)
	defer identity.Wipe(secret)
	p.bank.ReadSecret(secret)

	endpointID, ok, err := p.deriver.DeriveEndpointID(secret[:interfaces.IMSMeaningfulLength])
	if err != nil {
		p.log.Error("Endpoint ID derivation failed", "err", err)
		return Outcome{}, err
	}
	if !ok {
		p.log.Info("No IMS provisioned, booting without endpoint ID")
		return Outcome{}, nil
	}

	p.log.Info("Derived endpoint ID", slog.String("endpoint_id", endpointID.String()))

	if err := p.bus.WriteAttribute(ctx, interfaces.EndpointIDLowAttr, endpointID.Low(), 0, interfaces.AttrLocal); err != nil {
		return Outcome{EndpointID: endpointID}, fmt.Errorf("%w: low word: %v", interfaces.ErrIdentityPublish, err)
	}
	if err := p.bus.WriteAttribute(ctx, interfaces.EndpointIDHighAttr, endpointID.High(), 0, interfaces.AttrLocal); err != nil {
		return Outcome{EndpointID: endpointID}, fmt.Errorf("%w: high word: %v", interfaces.ErrIdentityPublish, err)
	}

	return Outcome{EndpointID: endpointID, Published: true}, nil
}

// RigForUntrusted revokes read access to the secret-bearing fuse regions
// for the remainder of the power cycle. It must be called before handing
// control to any less-trusted code, unconditionally: whether or not the
// provisioning run succeeded, the secret must not stay readable.
func (p *Provisioner) RigForUntrusted() {
	p.bank.DisableIMSAccess()
	p.bank.DisableCMSAccess()
}

// wordBytes returns the identifier's in-memory byte layout for the weight
// check. Population count is order-independent, but the layout matches the
// little-endian fuse register map for consistency with the wire contract.
func wordBytes(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}
