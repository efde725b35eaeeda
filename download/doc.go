// Package download orchestrates record uploads and downloads.
//
// Both directions are two-step. Prepare checks the requester's role against the access
// registry, mints an ed25519 session key and returns the certificate message as a challenge.
// Complete consumes the session, attaches the requester's wallet signature to the
// certificate and sends signed key requests to the key servers, which evaluate the
// read or write policy again at that moment. A session is consumed on first use.
//
// Uploads seal every file under its own key identity inside the whitelist namespace. When
// the service is configured with an insecure local passphrase and the key servers are
// unreachable, files are sealed with a host-local key instead after a local policy check.
// Such objects can only be read back by a service configured the same way.
package download
