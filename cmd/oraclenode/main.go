package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/threshold-key-manager/api/oraclehandler"
	"github.com/ruteri/threshold-key-manager/cmd/flags"
	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/httpserver"
	"github.com/ruteri/threshold-key-manager/oracle"
)

var configFlag = &cli.StringFlag{
	Name:     "config",
	Required: true,
	EnvVars:  []string{"ORACLE_NODE_CONFIG"},
	Usage:    "path to the node YAML config (index, threshold, seed, nodeKey, verifiers)",
}

func main() {
	app := &cli.App{
		Name:  "oraclenode",
		Usage: "Serve identity-gated key shares as one node of a reference oracle network",
		Flags: append(flags.ServerFlags("oraclenode"), configFlag),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			file, err := oracle.LoadNodeFile(cCtx.String(configFlag.Name))
			if err != nil {
				logger.Error("Failed to load node config", "err", err)
				return err
			}
			nodeCfg, err := file.NodeConfig()
			if err != nil {
				logger.Error("Invalid node config", "err", err)
				return err
			}
			nodeCfg.Log = logger

			node, err := oracle.NewNode(nodeCfg)
			if err != nil {
				logger.Error("Failed to create node", "err", err)
				return err
			}
			logger.Info("Oracle node ready",
				"index", node.Index(),
				"nodeKey", cryptoutils.PublicKeyHex(node.NodePublicKey()),
				"verifiers", len(nodeCfg.Verifiers))

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), oraclehandler.NewHandler(node, logger))
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
