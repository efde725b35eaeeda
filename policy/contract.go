package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// Simulator dry-runs policy transactions. Both Contract and the ledger HTTP client implement it.
type Simulator = interfaces.PolicySimulator

// Contract evaluates policy-check transactions against the current ledger state.
// Every evaluation reads membership at simulation time.
type Contract struct {
	version uint64
	ledger  interfaces.Ledger
	now     func() time.Time
	log     *slog.Logger
}

// ContractOption customizes a Contract.
type ContractOption func(*Contract)

// WithContractClock overrides the wall clock used for freshness checks.
func WithContractClock(now func() time.Time) ContractOption {
	return func(c *Contract) { c.now = now }
}

// NewContract creates a policy contract at the given version over ledger.
func NewContract(ledger interfaces.Ledger, version uint64, log *slog.Logger, opts ...ContractOption) *Contract {
	c := &Contract{
		version: version,
		ledger:  ledger,
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version returns the policy version transactions must pin.
func (c *Contract) Version() uint64 {
	return c.version
}

// Simulate dispatches tx to the policy entry point it encodes. A nil error means approval.
func (c *Contract) Simulate(ctx context.Context, tx *interfaces.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.PolicyVersion != c.version {
		return fmt.Errorf("%w: policy version %d, contract is at %d", interfaces.ErrPolicyRejected, tx.PolicyVersion, c.version)
	}

	call, err := DecodeCall(tx.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrPolicyRejected, err)
	}

	switch call.Method {
	case MethodApproveRead:
		err = c.ReadPolicy(tx.Sender, call.Identity, call.Whitelist, call.Clock)
	case MethodApproveWrite:
		err = c.WritePolicy(tx.Sender, call.Identity, call.Whitelist, call.Clock)
	case MethodApproveEnclave:
		err = c.ApproveEnclave(tx.Sender, call)
	default:
		err = fmt.Errorf("%w: unsupported method %s", interfaces.ErrPolicyRejected, call.Method)
	}

	if err != nil {
		c.log.Debug("policy rejected transaction", "method", call.Method, "sender", tx.Sender, "err", err)
	}
	return err
}

// ReadPolicy approves the release of read keys for id.
func (c *Contract) ReadPolicy(user interfaces.Address, id interfaces.KeyIdentity, whitelist interfaces.WhitelistID, clockMs uint64) error {
	perms, err := c.checkFileAccess(user, id, whitelist, clockMs)
	if err != nil {
		return err
	}
	if !perms.CanRead {
		return fmt.Errorf("%w: %s cannot read whitelist %s", interfaces.ErrPermissionDenied, user.Hex(), whitelist)
	}
	return nil
}

// WritePolicy approves the release of encryption keys for id.
func (c *Contract) WritePolicy(user interfaces.Address, id interfaces.KeyIdentity, whitelist interfaces.WhitelistID, clockMs uint64) error {
	perms, err := c.checkFileAccess(user, id, whitelist, clockMs)
	if err != nil {
		return err
	}
	if !perms.CanWrite {
		return fmt.Errorf("%w: %s cannot write whitelist %s", interfaces.ErrPermissionDenied, user.Hex(), whitelist)
	}
	return nil
}

func (c *Contract) checkFileAccess(user interfaces.Address, id interfaces.KeyIdentity, whitelist interfaces.WhitelistID, clockMs uint64) (interfaces.Permissions, error) {
	if !id.InNamespace(whitelist) {
		return interfaces.Permissions{}, fmt.Errorf("%w: identity outside whitelist namespace", interfaces.ErrPolicyRejected)
	}

	now := c.now()
	clock := time.UnixMilli(int64(clockMs))
	if clock.After(now.Add(maxClockSkew)) || now.Sub(clock) > CertificateTTL {
		return interfaces.Permissions{}, fmt.Errorf("%w: stale clock reference", interfaces.ErrPolicyRejected)
	}

	wl, err := c.ledger.GetWhitelist(whitelist)
	if err != nil {
		return interfaces.Permissions{}, err
	}
	if !wl.Active {
		return interfaces.Permissions{}, interfaces.ErrWhitelistInactive
	}

	_, perms := c.ledger.ResolveRole(user, whitelist)
	return perms, nil
}

// ApproveEnclave approves the release of an enclave's own identity keys. The wallet public key
// must belong to the sender and be signed by the enclave's registered ephemeral key.
func (c *Contract) ApproveEnclave(sender interfaces.Address, call *Call) error {
	enclave, err := c.ledger.GetEnclave(call.Enclave)
	if err != nil {
		return err
	}

	expected := interfaces.EnclaveKeyIdentity(enclave.Whitelist, enclave.ID)
	if string(expected) != string(call.Identity) {
		return fmt.Errorf("%w: identity does not belong to enclave %s", interfaces.ErrPolicyRejected, enclave.ID)
	}

	wl, err := c.ledger.GetWhitelist(enclave.Whitelist)
	if err != nil {
		return err
	}
	if !wl.Active {
		return interfaces.ErrWhitelistInactive
	}

	walletPK, err := crypto.UnmarshalPubkey(call.WalletPK)
	if err != nil {
		return fmt.Errorf("%w: malformed wallet key: %w", interfaces.ErrPolicyRejected, err)
	}
	if crypto.PubkeyToAddress(*walletPK) != sender {
		return fmt.Errorf("%w: wallet key does not match sender", interfaces.ErrPolicyRejected)
	}

	now := c.now()
	stamp := time.UnixMilli(int64(call.Timestamp))
	if stamp.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: timestamp in the future", interfaces.ErrPolicyRejected)
	}
	if now.Sub(stamp) > CertificateTTL {
		return interfaces.ErrExpiredCertificate
	}

	intent := &IntentMessage{Scope: IntentWalletPK, TimestampMs: call.Timestamp, Payload: call.WalletPK}
	if err := VerifyIntent(enclave.PublicKey, intent, call.Signature); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrSignatureInvalid, err)
	}
	return nil
}
