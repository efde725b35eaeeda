package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ruteri/medvault-enclave/api/clients"
	"github.com/ruteri/medvault-enclave/api/keyserverapi"
	"github.com/ruteri/medvault-enclave/cmd/flags"
	"github.com/ruteri/medvault-enclave/httpserver"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/urfave/cli/v2"
)

var serveFlags = append([]cli.Flag{
	flags.ListenAddrFlagFn("0.0.0.0:8081"),
	flags.LogServiceFlagFn("keyserver"),
	&cli.StringFlag{
		Name:     "key-file",
		Required: true,
		Usage:    "node key file written by the generate command",
	},
	&cli.StringFlag{
		Name:     "ledger-url",
		Required: true,
		Usage:    "vault server used to simulate policy transactions",
	},
}, flags.CommonFlags...)

var generateFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "threshold",
		Value: 2,
		Usage: "number of key servers that must release a key",
	},
	&cli.StringSliceFlag{
		Name:     "url",
		Required: true,
		Usage:    "key server URL; repeat once per node",
	},
	&cli.StringFlag{
		Name:  "out",
		Value: ".",
		Usage: "directory receiving committee.json and one key file per node",
	},
}

func main() {
	app := &cli.App{
		Name:  "keyserver",
		Usage: "Threshold key server releasing identity keys for approved policy transactions",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve one committee node",
				Flags:  serveFlags,
				Action: runServe,
			},
			{
				Name:   "generate",
				Usage:  "Generate committee configuration and node key files",
				Flags:  generateFlags,
				Action: runGenerate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func writeJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func runGenerate(cCtx *cli.Context) error {
	cfg, keyFiles, err := keyserver.GenerateCommittee(cCtx.Int("threshold"), cCtx.StringSlice("url"))
	if err != nil {
		return err
	}

	out := cCtx.String("out")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(out, "committee.json"), cfg, 0o644); err != nil {
		return fmt.Errorf("could not write committee: %w", err)
	}
	for _, kf := range keyFiles {
		path := filepath.Join(out, string(kf.ID)+".key.json")
		if err := writeJSON(path, kf, 0o600); err != nil {
			return fmt.Errorf("could not write key file for %s: %w", kf.ID, err)
		}
		fmt.Println(path)
	}
	return nil
}

func runServe(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	kf, err := keyserver.LoadNodeKeyFile(cCtx.String("key-file"))
	if err != nil {
		return err
	}
	node, err := keyserver.NewNodeFromKeyFile(kf, clients.NewLedgerClient(cCtx.String("ledger-url")), logger.With("node", kf.ID))
	if err != nil {
		return err
	}
	handler, err := keyserverapi.NewHandler(node, logger)
	if err != nil {
		return err
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
	server, err := httpserver.New(cfg, handler)
	if err != nil {
		return err
	}

	logger.Info("Starting key server", "node", kf.ID)
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	server.Shutdown()
	logger.Info("Key server stopped")
	return nil
}
