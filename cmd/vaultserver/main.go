package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/medvault-enclave/api/clients"
	"github.com/ruteri/medvault-enclave/api/downloadapi"
	"github.com/ruteri/medvault-enclave/api/registryapi"
	"github.com/ruteri/medvault-enclave/cmd/flags"
	"github.com/ruteri/medvault-enclave/download"
	"github.com/ruteri/medvault-enclave/httpserver"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/kms"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/registry"
	"github.com/ruteri/medvault-enclave/session"
	"github.com/urfave/cli/v2"
)

var flagsList = append([]cli.Flag{
	flags.ListenAddrFlagFn("127.0.0.1:8080"),
	flags.LogServiceFlagFn("vaultserver"),
	flags.CommitteeFlag,
	flags.KeyServerSRVFlag,
	flags.DNSServerFlag,
	flags.KeyServerSchemeFlag,
	flags.StorageFlag,
	flags.StorageTLSCertFlag,
	flags.StorageTLSKeyFlag,
	flags.PolicyVersionFlag,
	flags.PackageFlag,
	&cli.DurationFlag{
		Name:  "session-ttl",
		Value: session.DefaultTTL,
		Usage: "lifetime of download and upload sessions",
	},
	&cli.IntFlag{
		Name:  "max-pending-sessions",
		Value: session.DefaultMaxPerRequester,
		Usage: "pending download and upload sessions kept per requester address",
	},
	&cli.DurationFlag{
		Name:  "sweep-interval",
		Value: time.Minute,
		Usage: "how often expired sessions are removed",
	},
	&cli.DurationFlag{
		Name:  "keyserver-timeout",
		Value: 10 * time.Second,
		Usage: "timeout of a single key server request",
	},
	&cli.StringSliceFlag{
		Name:  "cors-origin",
		Value: cli.NewStringSlice("*"),
		Usage: "origins allowed to call the download API",
	},
	&cli.BoolFlag{
		Name:  "insecure-local-fallback",
		Usage: "DEVELOPMENT ONLY: seal records with a local key when the key servers are unreachable",
	},
	&cli.StringFlag{
		Name:    "insecure-local-passphrase",
		EnvVars: []string{"MEDVAULT_INSECURE_PASSPHRASE"},
		Usage:   "passphrase the insecure local key is derived from",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "vaultserver",
		Usage:  "Serve the access registry, ledger simulation and record download API",
		Flags:  flagsList,
		Action: runVaultServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runVaultServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	pkg, err := flags.PackageAddress(cCtx)
	if err != nil {
		return err
	}
	committeeCfg, err := flags.LoadCommittee(cCtx, logger)
	if err != nil {
		return err
	}
	committee, err := keyserver.NewCommittee(committeeCfg)
	if err != nil {
		return err
	}
	servers, err := clients.KeyServerClientsFor(committeeCfg)
	if err != nil {
		return err
	}
	store, err := flags.OpenStorage(cCtx, logger)
	if err != nil {
		return err
	}

	version := cCtx.Uint64(flags.PolicyVersionFlag.Name)
	reg := registry.NewRegistry(logger).WithEventSink(registry.LogSink{Log: logger})
	contract := policy.NewContract(reg, version, logger)

	svc, err := download.NewService(download.Config{
		PolicyVersion:           version,
		Package:                 pkg,
		SessionTTL:              cCtx.Duration("session-ttl"),
		MaxPendingPerRequester:  cCtx.Int("max-pending-sessions"),
		InsecureLocalFallback:   cCtx.Bool("insecure-local-fallback"),
		InsecureLocalPassphrase: cCtx.String("insecure-local-passphrase"),
	}, reg, kms.NewThresholdClient(committee, servers, cCtx.Duration("keyserver-timeout"), logger), store, contract, logger)
	if err != nil {
		return err
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
	server, err := httpserver.New(cfg,
		registryapi.NewHandler(reg, contract, logger),
		downloadapi.NewHandler(svc, cCtx.StringSlice("cors-origin"), logger),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Sessions().Run(ctx, cCtx.Duration("sweep-interval"))

	logger.Info("Starting vault server", "storage", store.LocationURI(), "keyServers", len(servers), "threshold", committee.Threshold(), "policyVersion", version)
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	cancel()
	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
