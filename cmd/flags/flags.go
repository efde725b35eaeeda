package flags

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/ruteri/medvault-enclave/api"
	mvcommon "github.com/ruteri/medvault-enclave/common"
	"github.com/ruteri/medvault-enclave/instanceutils/serviceresolver"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/storage"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := mvcommon.SetupLogger(&mvcommon.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: mvcommon.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String("metrics-addr")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadCommittee reads the committee file and, if --keyserver-srv is set, fills in node URLs
// from DNS.
func LoadCommittee(cCtx *cli.Context, log *slog.Logger) (*keyserver.CommitteeConfig, error) {
	cfg, err := keyserver.LoadCommitteeConfig(cCtx.String(CommitteeFlag.Name))
	if err != nil {
		return nil, err
	}

	if name := cCtx.String(KeyServerSRVFlag.Name); name != "" {
		ctx, cancel := context.WithTimeout(cCtx.Context, 10*time.Second)
		defer cancel()

		resolver := serviceresolver.NewResolver(cCtx.String(DNSServerFlag.Name), log)
		if err := resolver.ResolveCommittee(ctx, cfg, name, cCtx.String(KeyServerSchemeFlag.Name)); err != nil {
			return nil, fmt.Errorf("could not resolve key servers: %w", err)
		}
	}
	return cfg, nil
}

// OpenStorage creates the blob backend from the --storage locations.
func OpenStorage(cCtx *cli.Context, log *slog.Logger) (interfaces.StorageBackend, error) {
	uris := cCtx.StringSlice(StorageFlag.Name)
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("storage location %q: %w", uri, err)
		}
		locations = append(locations, loc)
	}

	var factory interfaces.StorageBackendFactory = storage.NewStorageBackendFactory(log)
	if certFile := cCtx.String(StorageTLSCertFlag.Name); certFile != "" {
		keyFile := cCtx.String(StorageTLSKeyFlag.Name)
		factory = factory.WithTLSAuth(func() (tls.Certificate, error) {
			return tls.LoadX509KeyPair(certFile, keyFile)
		})
	}
	return factory.CreateMultiBackend(locations)
}

// PackageAddress parses --package.
func PackageAddress(cCtx *cli.Context) (common.Address, error) {
	s := cCtx.String(PackageFlag.Name)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid package address %q", s)
	}
	return common.HexToAddress(s), nil
}

var ListenAddrFlagFn = func(value string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "listen-addr",
		Value: value,
		Usage: "address to listen on for API",
	}
}

var CommitteeFlag = &cli.StringFlag{
	Name:     "committee",
	Required: true,
	Usage:    "JSON file with the key server allow-list and threshold",
}

var KeyServerSRVFlag = &cli.StringFlag{
	Name:  "keyserver-srv",
	Usage: "DNS SRV name to resolve key server URLs from, overriding the URLs in the committee file",
}

var DNSServerFlag = &cli.StringFlag{
	Name:  "dns-server",
	Value: serviceresolver.DefaultDNSServer,
	Usage: "DNS server used for key server SRV lookups",
}

var KeyServerSchemeFlag = &cli.StringFlag{
	Name:  "keyserver-scheme",
	Value: "http",
	Usage: "URL scheme of key servers discovered through SRV records",
}

var StorageFlag = &cli.StringSliceFlag{
	Name:  "storage",
	Value: cli.NewStringSlice("file:///var/lib/medvault"),
	Usage: "blob storage location URI (file, s3, ipfs, vault, walrus); repeat for redundancy",
}

var StorageTLSCertFlag = &cli.StringFlag{
	Name:  "storage-tls-cert",
	Usage: "PEM client certificate presented to vault storage backends",
}

var StorageTLSKeyFlag = &cli.StringFlag{
	Name:  "storage-tls-key",
	Usage: "PEM key of --storage-tls-cert",
}

var PolicyVersionFlag = &cli.Uint64Flag{
	Name:  "policy-version",
	Value: 1,
	Usage: "policy contract version pinned in every transaction",
}

var PackageFlag = &cli.StringFlag{
	Name:  "package",
	Value: "0x0000000000000000000000000000000000000000",
	Usage: "policy package address named in session certificates",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
