// Package registryapi exposes the access registry over HTTP.
//
// Queries and ledger simulation are public. Mutations require a wallet-signed request
// (see api.WalletAuth) and the handle of the capability token minted for the whitelist
// in the X-Medvault-Capability header.
package registryapi
