// Package fusebank provides the simulated fuse bank used by benches and
// tests, the bench fuse image format, and manufacturing-side generation of
// fuse values. Real hardware exposes the same surface through the
// interfaces.FuseBank contract.
package fusebank

import (
	"log/slog"
	"sync"

	"github.com/apbridge/bootid/interfaces"
)

// SimBank is an in-memory fuse bank. Fuse contents are fixed at
// construction, mirroring one-time-programmed hardware; only the lockdown
// latches change state afterwards.
type SimBank struct {
	mu        sync.Mutex
	eccError  bool
	vendorID  uint32
	productID uint32
	ims       [interfaces.IMSLength]byte

	imsLocked bool
	cmsLocked bool

	secretReads int
	log         *slog.Logger
}

// NewSimBank creates a simulated fuse bank holding the image's contents.
func NewSimBank(img *Image, log *slog.Logger) *SimBank {
	if log == nil {
		log = slog.Default()
	}
	b := &SimBank{
		eccError:  img.ECCError,
		vendorID:  img.VendorID,
		productID: img.ProductID,
		log:       log,
	}
	copy(b.ims[:], img.IMS[:])
	return b
}

// ECCError reports the simulated ECC status flag.
func (b *SimBank) ECCError() bool {
	return b.eccError
}

// VendorID returns the vendor identifier fuse value.
func (b *SimBank) VendorID() uint32 {
	return b.vendorID
}

// ProductID returns the product identifier fuse value.
func (b *SimBank) ProductID() uint32 {
	return b.productID
}

// ReadSecret fills buf with the IMS region. Once access has been revoked
// the region reads back as zero, matching the hardware latch.
func (b *SimBank) ReadSecret(buf []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.secretReads++

	n := len(buf)
	if n > interfaces.IMSLength {
		n = interfaces.IMSLength
	}

	if b.imsLocked {
		for i := 0; i < n; i++ {
			buf[i] = 0
		}
		return n
	}

	copy(buf[:n], b.ims[:n])
	return n
}

// DisableIMSAccess latches the IMS region closed for the rest of the
// simulated power cycle. Idempotent; there is no way to unlatch.
func (b *SimBank) DisableIMSAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.imsLocked {
		b.imsLocked = true
		b.log.Info("IMS fuse region access disabled")
	}
}

// DisableCMSAccess latches the CMS region closed.
func (b *SimBank) DisableCMSAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cmsLocked {
		b.cmsLocked = true
		b.log.Info("CMS fuse region access disabled")
	}
}

// IMSLocked reports whether IMS access has been revoked.
func (b *SimBank) IMSLocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.imsLocked
}

// CMSLocked reports whether CMS access has been revoked.
func (b *SimBank) CMSLocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cmsLocked
}

// SecretReads returns how many times the IMS region was read. Benches use
// it to prove a failed run never touched the secret.
func (b *SimBank) SecretReads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.secretReads
}
