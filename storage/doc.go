// Package storage provides content-addressed ciphertext storage with pluggable backends.
//
// Blobs are opaque encrypted objects; the storage layer never sees plaintext or keys.
// Records and provisioned enclave secrets live in separate namespaces selected by
// interfaces.ContentType.
//
// # Storage URI Format
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//
//   - file:///var/lib/medvault
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=https://minio:9000
//   - ipfs://127.0.0.1:5001/medvault?timeout=30s
//   - vault://vault.example.com:8200/secret/medvault?token_env=VAULT_TOKEN
//   - walrus://aggregator.example.com?publisher=https://publisher.example.com&epochs=5
//
// # Content Addressing
//
// For every backend except Walrus the content identifier is the SHA-256 of the stored
// bytes. Walrus assigns its own blob ids, which are returned as the ContentID; a Walrus
// location must therefore be configured on its own and is rejected by CreateMultiBackend.
//
// Fetch returns interfaces.ErrBlobNotFound when the blob is missing or expired. A
// MultiStorageBackend reports it only when every backend it could reach agreed.
//
// # Vault
//
// The VaultBackend uses the KV v2 engine with paths {mount}/data/{path}/{type}/{content_id}.
// It authenticates with a token read from the environment variable named by token_env,
// with a TLS client certificate supplied through WithTLSAuth, or both.
//
// # Multi-Backend Example
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend(locations)
package storage
