package interfaces

import "errors"

// Caller-visible error taxonomy. Callers classify with errors.Is.
var (
	// ErrPermissionDenied is returned when the requester's role does not grant the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrExpiredCertificate is returned when a bootstrap or session certificate is past its TTL.
	// The caller must restart the flow from its first phase.
	ErrExpiredCertificate = errors.New("certificate expired")

	// ErrExpiredSession is returned when a download session is used after its expiry.
	ErrExpiredSession = errors.New("session expired")

	// ErrSessionNotFound is returned for unknown or already consumed sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrThresholdUnreachable is returned when fewer than threshold key servers produced verifying shares.
	ErrThresholdUnreachable = errors.New("threshold unreachable")

	// ErrBlobNotFound is returned when the ciphertext backing store entry is missing or expired.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrSignatureInvalid is returned for malformed or mismatched signatures.
	ErrSignatureInvalid = errors.New("invalid signature")

	// ErrPolicyRejected is returned when a policy-check transaction fails simulation for a reason
	// other than the requester's role.
	ErrPolicyRejected = errors.New("policy rejected")

	ErrWhitelistNotFound   = errors.New("whitelist not found")
	ErrWhitelistInactive   = errors.New("whitelist inactive")
	ErrRecordNotFound      = errors.New("record not found")
	ErrEnclaveNotFound     = errors.New("enclave not found")
	ErrInvalidCapability   = errors.New("invalid capability token")
	ErrAlreadyMember       = errors.New("address already holds a role in whitelist")
	ErrNotMember           = errors.New("address does not hold that role in whitelist")
	ErrFileIndexOutOfRange = errors.New("file index out of range")

	// ErrInsecureFallbackDisabled is returned when an object sealed by the local development
	// cipher is read by a deployment without the fallback configured.
	ErrInsecureFallbackDisabled = errors.New("insecure local fallback disabled")

	// ErrBootstrapState is returned when a bootstrap phase is invoked out of order.
	ErrBootstrapState = errors.New("invalid bootstrap state")

	// ErrUnknownKeyServer is returned for responses from nodes outside the allow-list.
	ErrUnknownKeyServer = errors.New("unknown key server")
)
