/*
Package clients provides HTTP clients for the medvault services.

  - KeyServerClient: a remote key server node, usable wherever an interfaces.KeyServer is
  - LedgerClient: the vault server's ledger simulation endpoint, an interfaces.PolicySimulator
  - RegistryClient: wallet-signed whitelist administration
  - EnclaveAdminClient: the host-local bootstrap API of an enclave
  - EnclaveClient: the public enclave endpoints

Non-2xx responses are mapped back onto the interfaces error taxonomy, so callers can test
them with errors.Is as if the call had been in-process.
*/
package clients
