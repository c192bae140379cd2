package fusebank

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apbridge/bootid/interfaces"
)

// Image is the bench fuse image: the full contents of a fuse bank in a
// form that can be generated on a manufacturing line, carried between
// tools, and loaded into a SimBank.
type Image struct {
	ECCError  bool
	VendorID  uint32
	ProductID uint32
	IMS       [interfaces.IMSLength]byte
}

// imageJSON is the wire form. Identifier fields are hex strings so that
// images stay readable in review; the IMS is plain hex with no prefix.
type imageJSON struct {
	ECCError  bool   `json:"ecc_error"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	IMS       string `json:"ims"`
}

// ParseImage decodes and validates a JSON fuse image.
func ParseImage(data []byte) (*Image, error) {
	var wire imageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("invalid fuse image: %w", err)
	}

	vendorID, err := parseHexID(wire.VendorID)
	if err != nil {
		return nil, fmt.Errorf("invalid vendor_id: %w", err)
	}

	productID, err := parseHexID(wire.ProductID)
	if err != nil {
		return nil, fmt.Errorf("invalid product_id: %w", err)
	}

	img := &Image{
		ECCError:  wire.ECCError,
		VendorID:  vendorID,
		ProductID: productID,
	}

	// An absent IMS field means the unit was provisioned without a secret;
	// the region reads as all-zero.
	if wire.IMS != "" {
		imsBytes, err := hex.DecodeString(wire.IMS)
		if err != nil {
			return nil, fmt.Errorf("invalid ims hex: %w", err)
		}
		if len(imsBytes) != interfaces.IMSLength {
			return nil, fmt.Errorf("ims must be %d bytes, got %d", interfaces.IMSLength, len(imsBytes))
		}
		copy(img.IMS[:], imsBytes)
	}

	return img, nil
}

// LoadImage reads and parses a fuse image file.
func LoadImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fuse image: %w", err)
	}
	return ParseImage(data)
}

// Marshal encodes the image to its JSON wire form.
func (img *Image) Marshal() ([]byte, error) {
	wire := imageJSON{
		ECCError:  img.ECCError,
		VendorID:  fmt.Sprintf("0x%08x", img.VendorID),
		ProductID: fmt.Sprintf("0x%08x", img.ProductID),
		IMS:       hex.EncodeToString(img.IMS[:]),
	}
	return json.MarshalIndent(wire, "", "  ")
}

// Save writes the image to path.
func (img *Image) Save(path string) error {
	data, err := img.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write fuse image: %w", err)
	}
	return nil
}

// Blanked returns a copy with the IMS cleared. Golden images handed to a
// storage backend must never carry the secret.
func (img *Image) Blanked() *Image {
	blank := *img
	blank.IMS = [interfaces.IMSLength]byte{}
	return &blank
}

// HasSecret reports whether any IMS byte is non-zero.
func (img *Image) HasSecret() bool {
	for _, b := range img.IMS {
		if b != 0 {
			return true
		}
	}
	return false
}

func parseHexID(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	clean := strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(clean, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
