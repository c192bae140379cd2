// fusegen creates and inspects fuse images for simulation benches. It can
// generate random or seed-derived secrets, split the IMS into escrow
// shares for authorized administrators, and report what identity a given
// image would produce.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/apbridge/bootid/cmd/flags"
	"github.com/apbridge/bootid/escrow"
	"github.com/apbridge/bootid/fusebank"
	"github.com/apbridge/bootid/hamming"
	"github.com/apbridge/bootid/identity"
	"github.com/apbridge/bootid/interfaces"
)

func main() {
	app := &cli.App{
		Name:  "fusegen",
		Usage: "Generate and inspect simulation fuse images",
		Commands: []*cli.Command{
			{
				Name:   "generate",
				Usage:  "Generate a fuse image",
				Flags:  generateFlags,
				Action: runGenerate,
			},
			{
				Name:   "inspect",
				Usage:  "Report an image's IDs and the identity it derives",
				Flags:  inspectFlags,
				Action: runInspect,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var generateFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:     "out",
		Required: true,
		Usage:    "path to write the fuse image to",
	},
	&cli.StringFlag{
		Name:  "vendor-id",
		Value: "",
		Usage: "8-char hex vendor ID; random balanced value when empty",
	},
	&cli.StringFlag{
		Name:  "product-id",
		Value: "",
		Usage: "8-char hex product ID; random balanced value when empty",
	},
	&cli.StringFlag{
		Name:  "seed",
		Value: "",
		Usage: "hex seed for deterministic IMS derivation; random IMS when empty",
	},
	&cli.BoolFlag{
		Name:  "blank",
		Value: false,
		Usage: "generate an image without an IMS (no-identity unit)",
	},
	&cli.StringSliceFlag{
		Name:  "escrow-admin-key",
		Usage: "PEM file with an administrator public key (repeatable); enables IMS escrow",
	},
	&cli.IntFlag{
		Name:  "escrow-threshold",
		Value: 2,
		Usage: "shares required to reconstruct the IMS",
	},
	&cli.StringFlag{
		Name:  "escrow-dir",
		Value: "",
		Usage: "directory to write escrow shares to (defaults to the image's directory)",
	},
}, flags.CommonFlags...)

func runGenerate(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	vendorID, err := resolveID(cCtx.String("vendor-id"))
	if err != nil {
		return fmt.Errorf("invalid vendor-id: %w", err)
	}
	productID, err := resolveID(cCtx.String("product-id"))
	if err != nil {
		return fmt.Errorf("invalid product-id: %w", err)
	}

	img := &fusebank.Image{
		VendorID:  vendorID,
		ProductID: productID,
	}

	if !cCtx.Bool("blank") {
		if seedHex := cCtx.String("seed"); seedHex != "" {
			seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
			if err != nil {
				return fmt.Errorf("invalid seed: %w", err)
			}
			img.IMS, err = fusebank.IMSFromSeed(seed, []byte("fusegen-ims"))
			if err != nil {
				return err
			}
			identity.Wipe(seed)
		} else {
			img.IMS, err = fusebank.GenerateIMS(rand.Reader)
			if err != nil {
				return err
			}
		}
	}

	outPath := cCtx.String("out")
	if err := img.Save(outPath); err != nil {
		return err
	}
	logger.Info("Fuse image written",
		"path", outPath,
		"vendor_id", fmt.Sprintf("0x%08x", vendorID),
		"product_id", fmt.Sprintf("0x%08x", productID),
		"has_secret", img.HasSecret())

	if adminKeyFiles := cCtx.StringSlice("escrow-admin-key"); len(adminKeyFiles) > 0 {
		if !img.HasSecret() {
			return fmt.Errorf("cannot escrow a blank image")
		}
		shareDir := cCtx.String("escrow-dir")
		if shareDir == "" {
			shareDir = filepath.Dir(outPath)
		}
		if err := escrowIMS(img, adminKeyFiles, cCtx.Int("escrow-threshold"), shareDir); err != nil {
			return err
		}
		logger.Info("IMS escrow shares written",
			"dir", shareDir,
			"shares", len(adminKeyFiles),
			"threshold", cCtx.Int("escrow-threshold"))
	}

	return nil
}

// escrowIMS splits the image's IMS into Shamir shares, one per
// administrator, and writes each share hex-encoded next to the image.
func escrowIMS(img *fusebank.Image, adminKeyFiles []string, threshold int, shareDir string) error {
	adminKeys := make([][]byte, 0, len(adminKeyFiles))
	for _, path := range adminKeyFiles {
		pem, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read admin key %s: %w", path, err)
		}
		adminKeys = append(adminKeys, pem)
	}

	secret := make([]byte, interfaces.IMSMeaningfulLength)
	copy(secret, img.IMS[:interfaces.IMSMeaningfulLength])
	defer identity.Wipe(secret)

	esc, shares, err := escrow.Split(secret, escrow.Config{
		Threshold:    threshold,
		AdminPubKeys: adminKeys,
	})
	if err != nil {
		return err
	}
	defer esc.Destroy()

	for i, share := range shares {
		sharePath := filepath.Join(shareDir, fmt.Sprintf("ims-share-%d.hex", i))
		if err := os.WriteFile(sharePath, []byte(hex.EncodeToString(share)), 0o600); err != nil {
			return fmt.Errorf("failed to write share %d: %w", i, err)
		}
		identity.Wipe(share)
	}
	return nil
}

var inspectFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:     "image",
		Required: true,
		Usage:    "path to the fuse image JSON file",
	},
}, flags.CommonFlags...)

func runInspect(cCtx *cli.Context) error {
	img, err := fusebank.LoadImage(cCtx.String("image"))
	if err != nil {
		return err
	}

	fmt.Printf("vendor_id:  0x%08x (weight %s)\n", img.VendorID, weightName(idBytes(img.VendorID)))
	fmt.Printf("product_id: 0x%08x (weight %s)\n", img.ProductID, weightName(idBytes(img.ProductID)))
	fmt.Printf("ecc_error:  %v\n", img.ECCError)
	fmt.Printf("has_secret: %v\n", img.HasSecret())

	if !img.HasSecret() {
		fmt.Println("endpoint_id: none (no secret)")
		return nil
	}

	secret := make([]byte, interfaces.IMSMeaningfulLength)
	copy(secret, img.IMS[:interfaces.IMSMeaningfulLength])
	defer identity.Wipe(secret)

	id, ok, err := identity.SecretDeriver{}.DeriveEndpointID(secret)
	if err != nil {
		return fmt.Errorf("image secret fails integrity checks: %w", err)
	}
	if !ok {
		fmt.Println("endpoint_id: none (blank secret)")
		return nil
	}

	fmt.Printf("endpoint_id: %s\n", id.String())
	fmt.Printf("attr 0x%04x: 0x%08x\n", uint16(interfaces.EndpointIDLowAttr), id.Low())
	fmt.Printf("attr 0x%04x: 0x%08x\n", uint16(interfaces.EndpointIDHighAttr), id.High())
	return nil
}

func idBytes(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}

func weightName(buf []byte) string {
	count := hamming.PopCount(buf)
	if !hamming.ValidWeight(buf) {
		return fmt.Sprintf("invalid, %d bits set", count)
	}
	if count == 0 {
		return "unset"
	}
	return "balanced"
}

// resolveID parses an 8-char hex ID or generates a random balanced one.
func resolveID(s string) (uint32, error) {
	if s == "" {
		return fusebank.GenerateID(rand.Reader)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
