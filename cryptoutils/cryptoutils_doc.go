// Package cryptoutils provides the cryptographic building blocks of the vault.
//
// Asymmetric encryption uses ECIES over NIST P-256: ECDH for the shared
// secret, SHA-256 for key derivation and AES-GCM for authenticated encryption,
// with a fresh ephemeral key per message:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// Key servers encrypt their per-identity keys to a requester's
// EncryptionPubkey with it, so a relaying host cannot read them.
//
// Symmetric sealing is AES-256-GCM with HKDF-SHA256 key derivation. The
// LocalCipher derives its key from a passphrase with Argon2id and exists only
// for development deployments.
//
// Wallet signatures are Ethereum personal-sign (secp256k1) signatures;
// RecoverWalletSigner returns the signing address.
//
// Enclave attestations commit to the enclave's ephemeral signing key and
// wallet address through EnclaveReportData, and are produced by a TDX (DCAP),
// remote or dummy AttestationProvider.
package cryptoutils
