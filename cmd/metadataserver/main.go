package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/threshold-key-manager/api/metadatahandler"
	"github.com/ruteri/threshold-key-manager/cmd/flags"
	"github.com/ruteri/threshold-key-manager/httpserver"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/metadata"
	"github.com/ruteri/threshold-key-manager/storage"
)

var storageFlag = &cli.StringSliceFlag{
	Name:    "storage",
	Value:   cli.NewStringSlice("file://./metadata-store/"),
	EnvVars: []string{"METADATA_STORAGE"},
	Usage:   "record backend URI, repeat to mirror across backends (file, memory, s3, minio, vault, ipfs, postgres)",
}

func main() {
	app := &cli.App{
		Name:  "metadataserver",
		Usage: "Serve signed, versioned key metadata records",
		Flags: append(flags.ServerFlags("metadataserver"), storageFlag),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			var locations []interfaces.StorageBackendLocation
			for _, uri := range cCtx.StringSlice(storageFlag.Name) {
				locations = append(locations, interfaces.StorageBackendLocation(uri))
			}
			backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
			if err != nil {
				logger.Error("Failed to create storage backend", "err", err)
				return err
			}
			logger.Info("Using record backend", "location", backend.LocationURI())

			service := metadata.NewService(backend, logger)
			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), metadatahandler.NewHandler(service, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
