// bootprov runs the boot-time identity provisioning flow against a fuse
// image: validate the fuse bank, derive the endpoint ID, publish it to the
// attribute bus, and lock secret access. Optionally archives a
// provisioning record and serves the bench status API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/apbridge/bootid/attrbus"
	"github.com/apbridge/bootid/cmd/flags"
	"github.com/apbridge/bootid/efuse"
	"github.com/apbridge/bootid/fusebank"
	"github.com/apbridge/bootid/httpserver"
	"github.com/apbridge/bootid/identity"
	"github.com/apbridge/bootid/interfaces"
	"github.com/apbridge/bootid/storage"
)

var cliFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:     "image",
		Required: true,
		Usage:    "path to the fuse image JSON file",
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "",
		Usage: "address to serve the bench status API on; empty disables the server",
	},
	&cli.StringSliceFlag{
		Name:  "storage",
		Usage: "storage backend URI for provisioning records (repeatable), e.g. file:///var/lib/provisioning/",
	},
	&cli.StringFlag{
		Name:  "sim-endpoint-id",
		Value: "",
		Usage: "16-char hex endpoint ID; replaces derivation with a fixed identity for bench bring-up",
	},
	&cli.BoolFlag{
		Name:  "keep-secret-access",
		Value: false,
		Usage: "skip the secret-access lockdown after provisioning (debug benches only)",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "bootprov",
		Usage: "Provision a chip identity from a fuse image",
		Flags: cliFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := context.Background()

	imagePath := cCtx.String("image")
	img, err := fusebank.LoadImage(imagePath)
	if err != nil {
		logger.Error("Failed to load fuse image", "err", err, "path", imagePath)
		return err
	}

	bank := fusebank.NewSimBank(img, logger)
	bus := attrbus.NewLocalBus(logger)

	var deriver interfaces.Deriver = identity.SecretDeriver{}
	if simID := cCtx.String("sim-endpoint-id"); simID != "" {
		id, err := parseEndpointID(simID)
		if err != nil {
			logger.Error("Invalid sim-endpoint-id", "err", err)
			return err
		}
		logger.Warn("Using fixed endpoint ID, derived identity disabled",
			"endpoint_id", id.String())
		deriver = identity.FixedDeriver{ID: id}
	}

	prov := efuse.NewProvisioner(bank, bus, deriver, logger)
	outcome, runErr := prov.Run(ctx)
	if runErr != nil {
		logger.Error("Provisioning failed",
			"err", runErr,
			"error_code", uint32(interfaces.CodeForError(runErr)))
	} else if outcome.Published {
		logger.Info("Provisioning complete", "endpoint_id", outcome.EndpointID.String())
	} else {
		logger.Info("Provisioning complete, no identity on this unit")
	}

	if !cCtx.Bool("keep-secret-access") {
		prov.RigForUntrusted()
	} else {
		logger.Warn("Secret access left enabled")
	}

	if storageURIs := cCtx.StringSlice("storage"); len(storageURIs) > 0 && runErr == nil {
		if err := archiveRecord(ctx, logger, bank, img, outcome, storageURIs); err != nil {
			logger.Error("Failed to archive provisioning record", "err", err)
			return err
		}
	}

	listenAddr := cCtx.String("listen-addr")
	if listenAddr == "" {
		return runErr
	}

	handler := httpserver.NewHandler(bus, logger)
	handler.SetResult(outcome, runErr)

	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Bench status server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	return runErr
}

func archiveRecord(ctx context.Context, logger *slog.Logger, bank *fusebank.SimBank, img *fusebank.Image, outcome efuse.Outcome, uris []string) error {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return fmt.Errorf("invalid storage URI %q: %w", uri, err)
		}
		locations = append(locations, loc)
	}

	factory := storage.NewStorageBackendFactory(logger)
	backend, err := factory.CreateMultiBackend(locations)
	if err != nil {
		return err
	}

	// Archive the blanked image alongside the record so the line can be
	// replayed; the IMS never leaves the bank.
	blanked, err := img.Blanked().Marshal()
	if err != nil {
		return err
	}
	imageDigest, err := backend.Store(ctx, blanked, interfaces.ImageType)
	if err != nil {
		return err
	}

	record := efuse.NewRecord(bank, outcome, imageDigest)
	recordID, err := record.Store(ctx, backend)
	if err != nil {
		return err
	}

	logger.Info("Provisioning record archived",
		"record_id", recordID.String(),
		"image_digest", imageDigest.String())
	return nil
}

func parseEndpointID(s string) (interfaces.EndpointID, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("endpoint ID must be hex: %w", err)
	}
	return interfaces.EndpointID(v), nil
}
