// Package kms encrypts and decrypts vault objects with keys released by the
// threshold key-server network.
//
// # Objects
//
// Every blob is stored as an EncryptedObject. For the threshold scheme a random
// data key is split with Shamir's Secret Sharing, one share per key server, and
// each share is sealed under the key that server derives for the object's
// identity. Recovering the data key therefore needs the identity keys of at
// least Threshold servers, and each server releases its key only after the
// policy contract approves the request.
//
// # Key sources
//
// A KeySource turns a signed key request into identity keys. ThresholdClient
// fans the request out to the committee with per-call timeouts and keeps the
// responses that verify against the allow-list.
//
// The KeyCache is memory-only and populated at most once per process. It holds
// the keys of a single identity, the enclave's own, and opens only objects
// sealed for that identity.
package kms
