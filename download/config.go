package download

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/session"
)

// Config is fixed at construction. The insecure local fallback cannot be switched on or
// off at runtime.
type Config struct {
	// PolicyVersion is pinned in every policy transaction.
	PolicyVersion uint64

	// Package is the policy package address named in session certificates.
	Package common.Address

	// SessionTTL bounds a download or upload session. It never exceeds the certificate TTL.
	SessionTTL time.Duration

	// MaxPendingPerRequester bounds the unconsumed sessions held for one address. Zero
	// means session.DefaultMaxPerRequester.
	MaxPendingPerRequester int

	// InsecureLocalFallback enables sealing with a passphrase-derived key when the key servers
	// are unreachable, and opening such objects. Development only.
	InsecureLocalFallback   bool
	InsecureLocalPassphrase string
}

func (c *Config) validate() error {
	if c.SessionTTL <= 0 || c.SessionTTL > policy.CertificateTTL {
		c.SessionTTL = session.DefaultTTL
	}
	if c.MaxPendingPerRequester <= 0 {
		c.MaxPendingPerRequester = session.DefaultMaxPerRequester
	}
	if c.InsecureLocalFallback && c.InsecureLocalPassphrase == "" {
		return errors.New("insecure local fallback requires a passphrase")
	}
	if !c.InsecureLocalFallback && c.InsecureLocalPassphrase != "" {
		return errors.New("insecure local passphrase given but fallback is disabled")
	}
	return nil
}
