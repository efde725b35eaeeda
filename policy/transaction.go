package policy

import (
	"errors"
	"time"

	"github.com/ruteri/medvault-enclave/interfaces"
)

// NewReadTransaction builds a readPolicy check for id referencing the clock at now.
func NewReadTransaction(sender interfaces.Address, version uint64, id interfaces.KeyIdentity, now time.Time) (*interfaces.Transaction, error) {
	whitelist, ok := id.Whitelist()
	if !ok {
		return nil, errors.New("identity has no whitelist namespace")
	}
	data, err := PackApproveRead(id, whitelist, uint64(now.UnixMilli()))
	if err != nil {
		return nil, err
	}
	return &interfaces.Transaction{Sender: sender, PolicyVersion: version, Data: data}, nil
}

// NewWriteTransaction builds a writePolicy check for id referencing the clock at now.
func NewWriteTransaction(sender interfaces.Address, version uint64, id interfaces.KeyIdentity, now time.Time) (*interfaces.Transaction, error) {
	whitelist, ok := id.Whitelist()
	if !ok {
		return nil, errors.New("identity has no whitelist namespace")
	}
	data, err := PackApproveWrite(id, whitelist, uint64(now.UnixMilli()))
	if err != nil {
		return nil, err
	}
	return &interfaces.Transaction{Sender: sender, PolicyVersion: version, Data: data}, nil
}

// NewEnclaveTransaction builds an approveEnclave check. signature is the enclave's
// IntentWalletPK signature over walletPK at timestampMs.
func NewEnclaveTransaction(sender interfaces.Address, version uint64, enclave interfaces.EnclaveID, id interfaces.KeyIdentity, signature, walletPK []byte, timestampMs uint64) (*interfaces.Transaction, error) {
	data, err := PackApproveEnclave(id, signature, walletPK, timestampMs, enclave)
	if err != nil {
		return nil, err
	}
	return &interfaces.Transaction{Sender: sender, PolicyVersion: version, Data: data}, nil
}
