package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/metrics"
	"github.com/ruteri/medvault-enclave/policy"
)

// DefaultFetchTimeout bounds a single key server round-trip.
const DefaultFetchTimeout = 10 * time.Second

// KeySource releases the node keys that a signed key request authorizes.
type KeySource interface {
	FetchKeys(ctx context.Context, req *interfaces.FetchKeyRequest, encPriv cryptoutils.EncryptionPrivkey) (keyserver.IdentityKeys, error)
	Threshold() int
}

// policyErrors are final answers from the policy and take precedence over reachability.
var policyErrors = []error{
	interfaces.ErrPermissionDenied,
	interfaces.ErrPolicyRejected,
	interfaces.ErrExpiredCertificate,
	interfaces.ErrSignatureInvalid,
	interfaces.ErrWhitelistInactive,
	interfaces.ErrWhitelistNotFound,
	interfaces.ErrEnclaveNotFound,
}

func firstPolicyError(errs []error) error {
	for _, err := range errs {
		for _, target := range policyErrors {
			if errors.Is(err, target) {
				return err
			}
		}
	}
	return nil
}

// ThresholdClient queries every key server of a committee concurrently and keeps the
// responses that verify against the allow-list.
type ThresholdClient struct {
	committee *keyserver.Committee
	servers   []interfaces.KeyServer
	timeout   time.Duration
	log       *slog.Logger
}

// NewThresholdClient creates a client for servers. Servers outside the committee are ignored
// at verification time.
func NewThresholdClient(committee *keyserver.Committee, servers []interfaces.KeyServer, timeout time.Duration, log *slog.Logger) *ThresholdClient {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &ThresholdClient{
		committee: committee,
		servers:   servers,
		timeout:   timeout,
		log:       log,
	}
}

func (c *ThresholdClient) Threshold() int { return c.committee.Threshold() }

// FetchKeys sends req to every key server and returns the verified keys if at least the
// threshold of them answered.
func (c *ThresholdClient) FetchKeys(ctx context.Context, req *interfaces.FetchKeyRequest, encPriv cryptoutils.EncryptionPrivkey) (keyserver.IdentityKeys, error) {
	identity, err := policy.IdentityOf(&req.Tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrPolicyRejected, err)
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		responses []*interfaces.FetchKeyResponse
		errs      []error
	)

	for _, server := range c.servers {
		wg.Add(1)
		go func(server interfaces.KeyServer) {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			resp, err := server.FetchKey(fetchCtx, req)
			metrics.KeyServerFetchesTotal.WithLabelValues(string(server.ID()), metrics.Result(err)).Inc()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn("key server fetch failed", "node", server.ID(), "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", server.ID(), err))
				return
			}
			responses = append(responses, resp)
		}(server)
	}
	wg.Wait()

	keys, verifyErrs := c.committee.CollectKeys(identity, responses, encPriv)
	for _, err := range verifyErrs {
		c.log.Warn("discarding key server response", "err", err)
	}
	errs = append(errs, verifyErrs...)

	if len(keys) >= c.committee.Threshold() {
		return keys, nil
	}
	keys.Wipe()

	if err := firstPolicyError(errs); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %d of %d required key servers answered: %w",
		interfaces.ErrThresholdUnreachable, len(keys), c.committee.Threshold(), errors.Join(errs...))
}
