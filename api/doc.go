/*
Package api holds what the HTTP surfaces of medvault share: the RouteRegistrar contract,
the mapping from the error taxonomy to status codes and back, and wallet-signed request
authentication.

The surfaces live in subpackages:

  - downloadapi: two-step record download and upload sessions
  - registryapi: whitelist administration, record and enclave registration, ledger simulation
  - enclaveapi: the enclave's public signed-processing endpoints and its loopback admin server
  - keyserverapi: the key request endpoint of one threshold node
  - clients: Go clients for the key server, ledger and enclave admin endpoints

Handlers write errors with http.Error and a status from StatusForError. Clients turn the
response back into a taxonomy error with ErrorFromResponse, so errors.Is works across the
wire.

# Wallet-signed requests

Mutating registry calls carry three headers:

	X-Medvault-Address:   0x-prefixed caller address
	X-Medvault-Timestamp: unix milliseconds
	X-Medvault-Signature: hex personal-sign signature over WalletRequestMessage

The signed message covers the method, the path, the timestamp and the SHA-256 of the body.
Requests older than MaxRequestSkew are rejected.
*/
package api
