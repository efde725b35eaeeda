// Package interfaces defines the types and contracts shared by every medvault component,
// separating them from their implementations.
//
// # Access model
//
// A Whitelist is a patient's vault. Every address in it holds exactly one Role (Owner,
// Doctor, Member or None) and the Role fixes its Permissions. AccessRegistry answers
// membership questions; Ledger extends it with the record and enclave state the policy
// contract evaluates.
//
// # Identifiers
//
//   - WhitelistID, RecordID, EnclaveID: 32-byte ids, hex in JSON
//   - KeyIdentity: whitelist id followed by a suffix; the namespace of every file key
//   - NodeID: name of a key server in the committee
//   - ContentID: SHA-256 of a stored blob
//
// # Key release
//
// Transaction and Certificate describe what a requester wants to do and who signed for
// it. A KeyServer answers FetchKeyRequest with a FetchKeyResponse after its
// PolicySimulator approved the transaction.
//
// # Storage
//
// StorageBackend is content addressed. StorageBackendFactory builds backends from URIs
// such as file:///var/lib/medvault or s3://bucket/prefix/.
//
// # Errors
//
// errors.go holds the sentinel errors callers match with errors.Is. The api package maps
// them to HTTP status codes.
package interfaces
