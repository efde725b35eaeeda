// Package registry holds the access-control ledger state of the medical vault:
// whitelists (one per patient vault), the records uploaded into them, enclave
// registrations, and the two-level user -> whitelist index used for constant
// time access checks.
//
// The access index is derived from the whitelists' owner, doctor and member
// sets and is never written directly. All membership mutations go through
// Registry and require the whitelist's CapabilityToken:
//
//	token, _ := reg.CreateWhitelist(owner, "patient-17")
//	_ = reg.AddDoctor(token, doctor)
//	ok := reg.HasAccess(doctor, token.Whitelist())
//
// Tokens are compared by identity, so only the token value minted by
// CreateWhitelist authorizes mutations. Every successful mutation emits an
// Event to the configured EventSink.
package registry
