package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ruteri/medvault-enclave/interfaces"
)

const (
	MethodApproveRead    = "approveRead"
	MethodApproveWrite   = "approveWrite"
	MethodApproveEnclave = "approveEnclave"
)

const policyABIJSON = `[
	{"type":"function","name":"approveRead","stateMutability":"view","inputs":[
		{"name":"id","type":"bytes"},{"name":"whitelistId","type":"bytes32"},{"name":"clock","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"approveWrite","stateMutability":"view","inputs":[
		{"name":"id","type":"bytes"},{"name":"whitelistId","type":"bytes32"},{"name":"clock","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"approveEnclave","stateMutability":"view","inputs":[
		{"name":"id","type":"bytes"},{"name":"signature","type":"bytes"},{"name":"walletPk","type":"bytes"},
		{"name":"timestamp","type":"uint64"},{"name":"enclaveId","type":"bytes32"}],"outputs":[]}
]`

var policyABI abi.ABI

var (
	bytesType   abi.Type
	uint8Type   abi.Type
	uint64Type  abi.Type
	addressType abi.Type
)

func init() {
	var err error
	policyABI, err = abi.JSON(strings.NewReader(policyABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid policy abi: %v", err))
	}

	bytesType = mustType("bytes")
	uint8Type = mustType("uint8")
	uint64Type = mustType("uint64")
	addressType = mustType("address")
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Call is a decoded policy-check invocation.
type Call struct {
	Method    string
	Identity  interfaces.KeyIdentity
	Whitelist interfaces.WhitelistID
	Clock     uint64

	// approveEnclave arguments
	Signature []byte
	WalletPK  []byte
	Timestamp uint64
	Enclave   interfaces.EnclaveID
}

// PackApproveRead encodes readPolicy(fileId, whitelistId, clock).
func PackApproveRead(id interfaces.KeyIdentity, whitelist interfaces.WhitelistID, clock uint64) ([]byte, error) {
	return policyABI.Pack(MethodApproveRead, []byte(id), [32]byte(whitelist), clock)
}

// PackApproveWrite encodes writePolicy(fileId, whitelistId, clock).
func PackApproveWrite(id interfaces.KeyIdentity, whitelist interfaces.WhitelistID, clock uint64) ([]byte, error) {
	return policyABI.Pack(MethodApproveWrite, []byte(id), [32]byte(whitelist), clock)
}

// PackApproveEnclave encodes the enclave bootstrap entry point.
func PackApproveEnclave(id interfaces.KeyIdentity, signature, walletPK []byte, timestamp uint64, enclave interfaces.EnclaveID) ([]byte, error) {
	return policyABI.Pack(MethodApproveEnclave, []byte(id), signature, walletPK, timestamp, [32]byte(enclave))
}

// DecodeCall parses transaction calldata into a Call.
func DecodeCall(data []byte) (*Call, error) {
	if len(data) < 4 {
		return nil, errors.New("calldata too short")
	}

	method, err := policyABI.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown policy method: %w", err)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("could not unpack %s arguments: %w", method.Name, err)
	}

	call := &Call{Method: method.Name}
	switch method.Name {
	case MethodApproveRead, MethodApproveWrite:
		call.Identity = args[0].([]byte)
		call.Whitelist = interfaces.WhitelistID(args[1].([32]byte))
		call.Clock = args[2].(uint64)
	case MethodApproveEnclave:
		call.Identity = args[0].([]byte)
		call.Signature = args[1].([]byte)
		call.WalletPK = args[2].([]byte)
		call.Timestamp = args[3].(uint64)
		call.Enclave = interfaces.EnclaveID(args[4].([32]byte))
	}
	return call, nil
}

// IdentityOf returns the key identity a policy transaction authorizes.
func IdentityOf(tx *interfaces.Transaction) (interfaces.KeyIdentity, error) {
	call, err := DecodeCall(tx.Data)
	if err != nil {
		return nil, err
	}
	return call.Identity, nil
}

// TxBytes is the canonical encoding of a transaction that request signatures cover.
func TxBytes(tx *interfaces.Transaction) ([]byte, error) {
	args := abi.Arguments{{Type: addressType}, {Type: uint64Type}, {Type: bytesType}}
	return args.Pack(tx.Sender, tx.PolicyVersion, []byte(tx.Data))
}
