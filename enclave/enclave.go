package enclave

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/kms"
	"github.com/ruteri/medvault-enclave/metrics"
	"github.com/ruteri/medvault-enclave/policy"
)

// BootstrapState is the progress of the two-phase key load.
type BootstrapState int

const (
	// StateCold means no keys are cached and no request is outstanding.
	StateCold BootstrapState = iota

	// StateAwaitingResponses means a key request was issued and is waiting for relayed responses.
	StateAwaitingResponses

	// StateReady means the key cache is populated.
	StateReady

	// StateClosed means Close wiped the keys. The enclave cannot be bootstrapped again.
	StateClosed
)

func (s BootstrapState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateAwaitingResponses:
		return "awaiting_responses"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config wires an enclave to its environment.
type Config struct {
	// Package is the policy package address named in certificates.
	Package common.Address

	// Committee is the allow-list of key servers and the threshold.
	Committee *keyserver.Committee

	// Storage serves ciphertext blobs for timeline processing. Optional.
	Storage interfaces.StorageBackend

	// Attestation produces quotes over the enclave's keys. Optional.
	Attestation cryptoutils.AttestationProvider
}

type pendingLoad struct {
	whitelist interfaces.WhitelistID
	identity  interfaces.KeyIdentity
	expiresAt time.Time
}

// Enclave holds the process-scoped key state of one enclave instance.
//
// Keys are generated in New and released by Close. The key cache can only be filled
// through InitKeyLoad followed by CompleteKeyLoad.
type Enclave struct {
	mu        sync.Mutex
	cfg       Config
	identity  *Identity
	cache     *kms.KeyCache
	state     BootstrapState
	pending   *pendingLoad
	whitelist interfaces.WhitelistID
	secrets   *secretStore
	ready     chan struct{}
	now       func() time.Time
	log       *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Enclave, error) {
	if cfg.Committee == nil {
		return nil, errors.New("enclave requires a key server committee")
	}
	identity, err := NewIdentity()
	if err != nil {
		return nil, err
	}

	e := &Enclave{
		cfg:      cfg,
		identity: identity,
		cache:    kms.NewKeyCache(cfg.Committee.Threshold()),
		secrets:  newSecretStore(),
		ready:    make(chan struct{}),
		now:      time.Now,
		log:      log,
	}
	log.Info("enclave identity generated", "enclave", identity.EnclaveID().String(), "wallet", identity.WalletAddress().Hex())
	return e, nil
}

// WithClock overrides the wall clock.
func (e *Enclave) WithClock(now func() time.Time) *Enclave {
	e.now = now
	return e
}

func (e *Enclave) Identity() *Identity { return e.identity }

// KeyCache exposes the cache, which seals and opens objects for the enclave's own identity.
func (e *Enclave) KeyCache() *kms.KeyCache { return e.cache }

// InitKeyLoadRequest names the whitelist the enclave is registered on and the policy version to pin.
type InitKeyLoadRequest struct {
	Whitelist interfaces.WhitelistID `json:"whitelist"`
	Version   uint64                 `json:"version"`
}

type InitKeyLoadResponse struct {
	EncodedRequest string `json:"encoded_request"`
}

// CompleteKeyLoadRequest carries the key server responses the host relayed.
type CompleteKeyLoadRequest struct {
	Responses []*interfaces.FetchKeyResponse `json:"responses"`
}

type CompleteKeyLoadResponse struct {
	Status string              `json:"status"`
	Nodes  []interfaces.NodeID `json:"nodes"`
}

// EncodeKeyLoadRequest returns the opaque hex form of a key request.
func EncodeKeyLoadRequest(req *interfaces.FetchKeyRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

// DecodeKeyLoadRequest parses the opaque request returned by InitKeyLoad.
func DecodeKeyLoadRequest(encoded string) (*interfaces.FetchKeyRequest, error) {
	data, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed key load request: %w", err)
	}
	var req interfaces.FetchKeyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed key load request: %w", err)
	}
	return &req, nil
}

// InitKeyLoad is the first bootstrap phase. It signs a fresh session certificate with the
// wallet key, builds an approveEnclave transaction whose signature argument is produced by
// the ephemeral key, and returns the encoded request for the host to relay.
//
// Calling it again before completion replaces the outstanding request.
func (e *Enclave) InitKeyLoad(req InitKeyLoadRequest) (*InitKeyLoadResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateReady:
		return nil, fmt.Errorf("%w: keys already loaded", interfaces.ErrBootstrapState)
	case StateClosed:
		return nil, fmt.Errorf("%w: enclave closed", interfaces.ErrBootstrapState)
	}

	now := e.now()
	enclaveID := e.identity.EnclaveID()
	keyIdentity := interfaces.EnclaveKeyIdentity(req.Whitelist, enclaveID)

	sessionPub, sessionKey, err := newSessionKey()
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(sessionKey)

	cert := policy.NewCertificate(e.identity.WalletAddress(), e.cfg.Package, sessionPub, now, policy.CertificateTTL)
	if err := policy.SignCertificate(cert, e.identity.wallet); err != nil {
		return nil, err
	}

	timestampMs := uint64(now.UnixMilli())
	walletPK := e.identity.WalletPublicKey()
	signature, err := e.identity.SignIntent(&policy.IntentMessage{Scope: policy.IntentWalletPK, TimestampMs: timestampMs, Payload: walletPK})
	if err != nil {
		return nil, err
	}

	tx, err := policy.NewEnclaveTransaction(e.identity.WalletAddress(), req.Version, enclaveID, keyIdentity, signature, walletPK, timestampMs)
	if err != nil {
		return nil, err
	}
	fetchReq, err := policy.NewFetchKeyRequest(tx, cert, sessionKey, e.identity.EncryptionKey())
	if err != nil {
		return nil, err
	}
	encoded, err := EncodeKeyLoadRequest(fetchReq)
	if err != nil {
		return nil, err
	}

	e.pending = &pendingLoad{
		whitelist: req.Whitelist,
		identity:  keyIdentity,
		expiresAt: policy.CertificateExpiry(cert),
	}
	e.state = StateAwaitingResponses

	e.log.Info("key load initiated", "enclave", enclaveID.String(), "whitelist", req.Whitelist.String(), "version", req.Version, "expiresAt", e.pending.expiresAt)
	return &InitKeyLoadResponse{EncodedRequest: encoded}, nil
}

// CompleteKeyLoad is the second bootstrap phase. Responses that fail verification are
// dropped; the cache is populated if the remaining ones reach the threshold. Any failure
// discards the outstanding request, so the bootstrap restarts from InitKeyLoad.
func (e *Enclave) CompleteKeyLoad(req CompleteKeyLoadRequest) (*CompleteKeyLoadResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	nodes, err := e.completeKeyLoad(req)
	metrics.BootstrapsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		e.log.Warn("key load failed", "err", err, "responses", len(req.Responses))
		return nil, err
	}
	return &CompleteKeyLoadResponse{Status: "OK", Nodes: nodes}, nil
}

func (e *Enclave) completeKeyLoad(req CompleteKeyLoadRequest) ([]interfaces.NodeID, error) {
	switch e.state {
	case StateReady:
		return nil, fmt.Errorf("%w: keys already loaded", interfaces.ErrBootstrapState)
	case StateCold:
		return nil, fmt.Errorf("%w: no key load in progress", interfaces.ErrBootstrapState)
	case StateClosed:
		return nil, fmt.Errorf("%w: enclave closed", interfaces.ErrBootstrapState)
	}

	pending := e.pending
	e.pending = nil
	e.state = StateCold

	if !e.now().Before(pending.expiresAt) {
		return nil, interfaces.ErrExpiredCertificate
	}

	keys, errs := e.cfg.Committee.CollectKeys(pending.identity, req.Responses, e.identity.encPriv)
	defer keys.Wipe()
	for _, err := range errs {
		e.log.Warn("discarding key server response", "err", err)
	}

	if err := e.cache.Populate(pending.identity, keys); err != nil {
		if len(errs) > 0 {
			return nil, fmt.Errorf("%w: %w", err, errors.Join(errs...))
		}
		return nil, err
	}

	e.state = StateReady
	e.whitelist = pending.whitelist
	close(e.ready)

	nodes := e.cache.Nodes()
	e.log.Info("key load complete", "enclave", e.identity.EnclaveID().String(), "nodes", nodes)
	return nodes, nil
}

// Status describes the enclave for the host.
type Status struct {
	State     string                  `json:"state"`
	EnclaveID interfaces.EnclaveID    `json:"enclave_id"`
	Whitelist *interfaces.WhitelistID `json:"whitelist,omitempty"`
	Wallet    common.Address          `json:"wallet"`
	PublicKey string                  `json:"public_key"`
	Threshold int                     `json:"threshold"`
	Nodes     []interfaces.NodeID     `json:"nodes,omitempty"`
	Secrets   []string                `json:"secrets,omitempty"`
}

func (e *Enclave) Status() *Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := &Status{
		State:     e.state.String(),
		EnclaveID: e.identity.EnclaveID(),
		Wallet:    e.identity.WalletAddress(),
		PublicKey: hex.EncodeToString(e.identity.PublicKey()),
		Threshold: e.cache.Threshold(),
		Secrets:   e.secrets.names(),
	}
	if e.state == StateReady {
		wl := e.whitelist
		status.Whitelist = &wl
		status.Nodes = e.cache.Nodes()
	}
	return status
}

// Ready reports whether the key cache is populated.
func (e *Enclave) Ready() bool {
	return e.cache.IsPopulated()
}

// WaitForBootstrap blocks until the key load completes or ctx is done.
func (e *Enclave) WaitForBootstrap(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close wipes every key the enclave holds.
func (e *Enclave) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cache.Wipe()
	e.secrets.wipe()
	e.identity.Wipe()
	e.pending = nil
	e.state = StateClosed
}
