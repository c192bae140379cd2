// Package escrow implements manufacturing-side escrow of Internal Master
// Secrets using Shamir's Secret Sharing.
//
// A generated IMS is split into shares distributed to administrators; a
// threshold of shares is needed to reconstruct it (for example to
// re-derive a unit's endpoint ID after a bench failure). The IMS itself is
// never written to persistent storage: it exists in memory during split
// and again only after enough signed shares are submitted. Shares are
// wiped after reconstruction.
package escrow

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"

	"github.com/apbridge/bootid/identity"
)

// Config holds the escrow parameters.
type Config struct {
	// Threshold is the minimum number of shares required to reconstruct
	// the secret.
	Threshold int

	// AdminPubKeys lists the authorized administrator public keys in PEM
	// format, one per share.
	AdminPubKeys [][]byte
}

// Escrow holds either a live secret (after Split) or collects signed
// shares until the threshold is reached (after NewRecovery).
type Escrow struct {
	mu             sync.RWMutex
	secret         []byte
	unlocked       bool
	threshold      int
	receivedShares map[int][]byte
	adminPubKeys   map[string][]byte
}

// Split splits the secret into one share per administrator key and returns
// the escrow alongside the shares. The caller distributes the shares and
// wipes its own copy of the secret.
func Split(secret []byte, config Config) (*Escrow, [][]byte, error) {
	if len(secret) < 32 {
		return nil, nil, errors.New("escrow secret must be at least 32 bytes")
	}

	if config.Threshold < 2 {
		return nil, nil, errors.New("threshold must be at least 2")
	}

	if len(config.AdminPubKeys) < config.Threshold {
		return nil, nil, errors.New("need at least threshold many admin keys")
	}

	shares, err := shamir.Split(secret, len(config.AdminPubKeys), config.Threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split escrow secret: %w", err)
	}

	e := &Escrow{
		secret:         secret,
		unlocked:       true,
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
	}

	if err := e.registerAdmins(config.AdminPubKeys); err != nil {
		return nil, nil, err
	}

	return e, shares, nil
}

// NewRecovery creates an escrow in recovery mode. It stays locked until
// enough valid shares are submitted to reconstruct the secret.
func NewRecovery(config Config) (*Escrow, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	e := &Escrow{
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
	}

	if err := e.registerAdmins(config.AdminPubKeys); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Escrow) registerAdmins(pubKeyPEMs [][]byte) error {
	for _, publicKeyPEM := range pubKeyPEMs {
		if _, err := parseAdminKey(publicKeyPEM); err != nil {
			return fmt.Errorf("invalid admin pubkey: %w", err)
		}
		fingerprint := sha256.Sum256(publicKeyPEM)
		e.adminPubKeys[hex.EncodeToString(fingerprint[:])] = publicKeyPEM
	}
	return nil
}

// SubmitShare submits a key share with cryptographic verification. The
// share must be signed by the administrator's private key. When the
// threshold is reached the secret is reconstructed automatically and the
// collected shares are wiped.
func (e *Escrow) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.unlocked {
		return errors.New("escrow is already unlocked")
	}

	fingerprint := sha256.Sum256(adminPubKeyPEM)
	registered, found := e.adminPubKeys[hex.EncodeToString(fingerprint[:])]
	if !found {
		return errors.New("unregistered admin public key")
	}
	if !bytes.Equal(registered, adminPubKeyPEM) {
		return errors.New("public key does not match registered fingerprint")
	}

	pubKey, err := parseAdminKey(adminPubKeyPEM)
	if err != nil {
		return err
	}

	switch key := pubKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(share)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return errors.New("invalid share signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, share, signature) {
			return errors.New("invalid share signature")
		}
	default:
		return errors.New("admin public key is neither ECDSA nor Ed25519")
	}

	e.receivedShares[shareIndex] = share
	return e.tryReconstruct()
}

// tryReconstruct combines the collected shares once the threshold is
// reached, then wipes them.
func (e *Escrow) tryReconstruct() error {
	if len(e.receivedShares) < e.threshold {
		return nil // not enough shares yet, not an error
	}

	shares := make([][]byte, 0, len(e.receivedShares))
	for _, share := range e.receivedShares {
		shares = append(shares, share)
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct escrow secret: %w", err)
	}

	e.secret = secret
	e.unlocked = true

	for i := range e.receivedShares {
		identity.Wipe(e.receivedShares[i])
	}
	e.receivedShares = make(map[int][]byte)

	return nil
}

// IsUnlocked reports whether the secret is available.
func (e *Escrow) IsUnlocked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unlocked
}

// Secret returns the reconstructed secret. The caller must wipe the
// returned copy when done with it.
func (e *Escrow) Secret() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.unlocked {
		return nil, errors.New("escrow is locked, need more shares")
	}

	out := make([]byte, len(e.secret))
	copy(out, e.secret)
	return out, nil
}

// Destroy wipes the held secret. The escrow cannot be reused afterwards.
func (e *Escrow) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	identity.Wipe(e.secret)
	e.secret = nil
	e.unlocked = false
}

// SignShare signs a share with an administrator's ECDSA private key,
// producing the signature SubmitShare expects.
func SignShare(share []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(share)
	return ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
}

func parseAdminKey(pubKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode admin public key PEM")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin public key: %w", err)
	}
	return pubKey, nil
}
