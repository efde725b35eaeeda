package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/medvault-enclave/api/enclaveapi"
	"github.com/ruteri/medvault-enclave/cmd/flags"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/enclave"
	"github.com/ruteri/medvault-enclave/httpserver"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/urfave/cli/v2"
)

var flagsList = append([]cli.Flag{
	flags.ListenAddrFlagFn("0.0.0.0:8443"),
	flags.LogServiceFlagFn("enclave"),
	flags.CommitteeFlag,
	flags.KeyServerSRVFlag,
	flags.DNSServerFlag,
	flags.KeyServerSchemeFlag,
	flags.StorageFlag,
	flags.StorageTLSCertFlag,
	flags.StorageTLSKeyFlag,
	flags.PackageFlag,
	&cli.StringFlag{
		Name:  "admin-addr",
		Value: "127.0.0.1:8444",
		Usage: "host-local address of the bootstrap admin API; must be a loopback address",
	},
	&cli.StringFlag{
		Name:  "attestation-type",
		Value: cryptoutils.DCAPAttestation.StringID,
		Usage: "attestation provider: qemu-tdx or dummy",
	},
	&cli.StringFlag{
		Name:  "remote-attestation-addr",
		Usage: "address of a remote quote provider, used instead of the local TDX device",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "enclave",
		Usage:  "Run a medvault enclave with its public API and host-local bootstrap API",
		Flags:  flagsList,
		Action: runEnclave,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("admin address %s is not a loopback address", addr)
	}
	return nil
}

func runEnclave(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	adminAddr := cCtx.String("admin-addr")
	if err := checkLoopback(adminAddr); err != nil {
		return err
	}

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
	store, err := flags.OpenStorage(cCtx, logger)
	if err != nil {
		return err
	}
	attestation, err := cryptoutils.AttestationProviderFor(cCtx.String("attestation-type"), cCtx.String("remote-attestation-addr"))
	if err != nil {
		return err
	}

	e, err := enclave.New(enclave.Config{
		Package:     pkg,
		Committee:   committee,
		Storage:     store,
		Attestation: attestation,
	}, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	publicCfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
	public, err := httpserver.New(publicCfg, enclaveapi.NewHandler(e, logger))
	if err != nil {
		return err
	}

	adminCfg := flags.ConfigureServer(cCtx, logger.With("listener", "admin"), adminAddr)
	adminCfg.MetricsAddr = ""
	adminCfg.EnablePprof = false
	admin, err := httpserver.New(adminCfg, enclaveapi.NewAdminHandler(e, logger))
	if err != nil {
		return err
	}

	logger.Info("Starting enclave", "enclave", e.Identity().EnclaveID().String(), "attestation", attestation.AttestationType().StringID, "adminAddr", adminAddr)
	public.RunInBackground()
	admin.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	admin.Shutdown()
	public.Shutdown()
	logger.Info("Enclave stopped, keys wiped")
	return nil
}
