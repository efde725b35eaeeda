package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/medvault-enclave/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory struct {
	log           *slog.Logger
	tlsClientCert func() (tls.Certificate, error)
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// WithTLSAuth sets the client certificate used by backends that support TLS client auth.
func (sf *StorageBackendFactory) WithTLSAuth(getCert func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &StorageBackendFactory{log: sf.log, tlsClientCert: getCert}
}

// StorageBackendFor creates a backend from a location.
//
// Supported locations:
//   - file:///var/lib/medvault
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=https://minio:9000
//   - ipfs://127.0.0.1:5001/medvault?timeout=30s
//   - vault://vault.internal:8200/secret/medvault?token_env=VAULT_TOKEN
//   - walrus://aggregator.example.com?publisher=https://publisher.example.com&epochs=5
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("creating storage backend", "scheme", location.Scheme, "host", location.Host)

	switch strings.ToLower(location.Scheme) {
	case "file":
		return sf.createFileBackend(location)
	case "s3":
		return sf.createS3Backend(location)
	case "ipfs":
		return sf.createIPFSBackend(location)
	case "vault":
		return sf.createVaultBackend(location)
	case "walrus":
		return sf.createWalrusBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend aggregates backends for redundancy. A walrus location must be the only one.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if len(locations) == 1 {
		return sf.StorageBackendFor(locations[0])
	}

	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, location := range locations {
		if location.IsWalrus() {
			return nil, fmt.Errorf("%w: walrus cannot be combined with other backends", interfaces.ErrInvalidLocationURI)
		}
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			sf.log.Warn("failed to create storage backend", "err", err, "location", location.String())
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

func durationParam(location interfaces.StorageBackendLocation, name string, def time.Duration) (time.Duration, error) {
	raw := location.GetParam(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %v", interfaces.ErrInvalidLocationURI, name, err)
	}
	return d, nil
}

func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, location)
	}
	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
	}

	return NewS3Backend(location.Host, strings.TrimPrefix(location.Path, "/"), region, location.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host, port, found := strings.Cut(location.Host, ":")
	if !found {
		port = "5001"
	}
	timeout, err := durationParam(location, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	return NewIPFSBackend(host, port, location.Path, timeout, sf.log)
}

func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	parts := strings.SplitN(strings.Trim(location.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected vault://host/mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if location.GetParamBool("insecure") {
		scheme = "http"
	}

	opts := VaultOptions{
		Address:   fmt.Sprintf("%s://%s", scheme, location.Host),
		MountPath: parts[0],
		DataPath:  parts[1],
	}
	if env := location.GetParam("token_env"); env != "" {
		opts.Token = os.Getenv(env)
	}
	if sf.tlsClientCert != nil {
		cert, err := sf.tlsClientCert()
		if err != nil {
			return nil, fmt.Errorf("could not obtain TLS client certificate: %w", err)
		}
		opts.ClientCert = &cert
	}
	return NewVaultBackend(opts, sf.log)
}

func (sf *StorageBackendFactory) createWalrusBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	publisher := location.GetParam("publisher")
	if publisher == "" {
		return nil, fmt.Errorf("%w: walrus location requires a publisher", interfaces.ErrInvalidLocationURI)
	}

	epochs := 1
	if raw := location.GetParam("epochs"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid epochs: %v", interfaces.ErrInvalidLocationURI, err)
		}
		epochs = n
	}
	timeout, err := durationParam(location, "timeout", 60*time.Second)
	if err != nil {
		return nil, err
	}

	scheme := "https"
	if location.GetParamBool("insecure") {
		scheme = "http"
	}
	aggregator := fmt.Sprintf("%s://%s%s", scheme, location.Host, location.Path)
	return NewWalrusBackend(aggregator, publisher, epochs, timeout, sf.log), nil
}
