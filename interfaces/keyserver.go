package interfaces

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Transaction is a read-only policy-check call simulated by key servers against the ledger.
type Transaction struct {
	Sender        Address       `json:"sender"`
	PolicyVersion uint64        `json:"policy_version"`
	Data          hexutil.Bytes `json:"data"`
}

// Certificate binds a session verification key to a wallet for a bounded time.
type Certificate struct {
	User           Address       `json:"user"`
	Package        Address       `json:"package"`
	SessionVK      hexutil.Bytes `json:"session_vk"`
	CreationTimeMs uint64        `json:"creation_time"`
	TTLMin         uint16        `json:"ttl_min"`
	Signature      hexutil.Bytes `json:"signature"`
}

// FetchKeyRequest asks a key server for its key for the identity referenced by Tx.
// EncKey is the PEM public key the response is encrypted to.
type FetchKeyRequest struct {
	Tx               Transaction   `json:"tx"`
	EncKey           hexutil.Bytes `json:"enc_key"`
	RequestSignature hexutil.Bytes `json:"request_signature"`
	Certificate      Certificate   `json:"certificate"`
}

// FetchKeyResponse carries one node's identity key encrypted to the requester.
type FetchKeyResponse struct {
	Node         NodeID        `json:"node"`
	Identity     KeyIdentity   `json:"identity"`
	EncryptedKey hexutil.Bytes `json:"encrypted_key"`
	Signature    hexutil.Bytes `json:"signature"`
}

// KeyServer is one node of the threshold network.
type KeyServer interface {
	ID() NodeID
	FetchKey(ctx context.Context, req *FetchKeyRequest) (*FetchKeyResponse, error)
}

// PolicySimulator dry-runs a policy-check transaction. A nil error means approval.
type PolicySimulator interface {
	Simulate(ctx context.Context, tx *Transaction) error
}
