// Package enclave implements the key-holding side of an isolated enclave.
//
// At boot an enclave generates three keys that never leave its memory: an ed25519
// ephemeral key that signs responses and is registered on the ledger with an
// attestation, a secp256k1 wallet key that signs session certificates, and a P-256
// key that key servers encrypt their responses to.
//
// The enclave has no network egress, so it loads its keys in two phases with the
// host acting as a blind relay:
//
//  1. InitKeyLoad returns an encoded key request carrying an approveEnclave
//     transaction and a certificate signed by the wallet key.
//  2. The host posts the request to every key server.
//  3. CompleteKeyLoad verifies the relayed responses against the committee
//     allow-list and fills the KeyCache if at least the threshold verified.
//
// Once loaded, the enclave can open objects sealed for its identity: provisioned
// secrets and record blobs it attests timeline entries for.
package enclave
