// Package policy implements the on-ledger policy contract consulted before any
// decryption key is released.
//
// Policy checks are read-only transactions: ABI-encoded calls to one of three
// entry points that a key server simulates against the current ledger state.
//
//	approveRead(bytes id, bytes32 whitelistId, uint64 clock)
//	approveWrite(bytes id, bytes32 whitelistId, uint64 clock)
//	approveEnclave(bytes id, bytes signature, bytes walletPk, uint64 timestamp, bytes32 enclaveId)
//
// Requests for keys carry a Certificate personal-signed by the requester's
// wallet. The certificate binds a short-lived ed25519 session key which in turn
// signs the transaction and the response encryption key.
//
// Intent messages scope signatures made by an enclave's ephemeral key so a
// signature over processed data cannot be replayed as a wallet key binding.
package policy
