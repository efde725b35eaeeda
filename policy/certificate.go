package policy

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// CertificateTTL bounds the validity of every session certificate.
const CertificateTTL = 30 * time.Minute

// maxClockSkew tolerates certificates minted by a host slightly ahead of the verifier.
const maxClockSkew = time.Minute

// NewCertificate returns an unsigned certificate for sessionVK starting at now.
func NewCertificate(user, pkg interfaces.Address, sessionVK ed25519.PublicKey, now time.Time, ttl time.Duration) *interfaces.Certificate {
	return &interfaces.Certificate{
		User:           user,
		Package:        pkg,
		SessionVK:      append([]byte(nil), sessionVK...),
		CreationTimeMs: uint64(now.UnixMilli()),
		TTLMin:         uint16(ttl / time.Minute),
	}
}

// CertificateMessage is the human-readable text the wallet personal-signs.
func CertificateMessage(cert *interfaces.Certificate) []byte {
	created := time.UnixMilli(int64(cert.CreationTimeMs)).UTC().Format(time.RFC3339)
	return []byte(fmt.Sprintf("Accessing keys of package %s for %d mins from %s, session key %s",
		cert.Package.Hex(), cert.TTLMin, created, hex.EncodeToString(cert.SessionVK)))
}

// CertificateExpiry returns the instant after which the certificate is rejected.
func CertificateExpiry(cert *interfaces.Certificate) time.Time {
	return time.UnixMilli(int64(cert.CreationTimeMs)).Add(time.Duration(cert.TTLMin) * time.Minute)
}

// SignCertificate attaches the wallet signature to cert.
func SignCertificate(cert *interfaces.Certificate, wallet *ecdsa.PrivateKey) error {
	sig, err := cryptoutils.SignWalletMessage(wallet, CertificateMessage(cert))
	if err != nil {
		return err
	}
	cert.Signature = sig
	return nil
}

// VerifyCertificate checks validity at now and that cert.User produced the signature.
func VerifyCertificate(cert *interfaces.Certificate, now time.Time) error {
	if len(cert.SessionVK) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed session key", interfaces.ErrSignatureInvalid)
	}
	if time.Duration(cert.TTLMin)*time.Minute > CertificateTTL {
		return fmt.Errorf("%w: ttl of %d minutes exceeds maximum", interfaces.ErrSignatureInvalid, cert.TTLMin)
	}

	created := time.UnixMilli(int64(cert.CreationTimeMs))
	if created.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: certificate created in the future", interfaces.ErrSignatureInvalid)
	}
	if !now.Before(CertificateExpiry(cert)) {
		return interfaces.ErrExpiredCertificate
	}

	signer, err := cryptoutils.RecoverWalletSigner(CertificateMessage(cert), cert.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrSignatureInvalid, err)
	}
	if signer != cert.User {
		return fmt.Errorf("%w: certificate signed by %s, expected %s", interfaces.ErrSignatureInvalid, signer.Hex(), cert.User.Hex())
	}
	return nil
}

func requestMessage(tx *interfaces.Transaction, encKey []byte) ([]byte, error) {
	txBytes, err := TxBytes(tx)
	if err != nil {
		return nil, err
	}
	return append(txBytes, encKey...), nil
}

// SignRequest signs (tx, encKey) with the session key bound by the certificate.
func SignRequest(sessionKey ed25519.PrivateKey, tx *interfaces.Transaction, encKey []byte) ([]byte, error) {
	msg, err := requestMessage(tx, encKey)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(sessionKey, msg), nil
}

// VerifyRequest checks the certificate and the session-key signature of req.
func VerifyRequest(req *interfaces.FetchKeyRequest, now time.Time) error {
	if err := VerifyCertificate(&req.Certificate, now); err != nil {
		return err
	}
	if req.Tx.Sender != req.Certificate.User {
		return fmt.Errorf("%w: transaction sender does not match certificate", interfaces.ErrSignatureInvalid)
	}

	msg, err := requestMessage(&req.Tx, req.EncKey)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(req.Certificate.SessionVK), msg, req.RequestSignature) {
		return fmt.Errorf("%w: request signature mismatch", interfaces.ErrSignatureInvalid)
	}
	return nil
}

// NewFetchKeyRequest assembles a key request and signs it with sessionKey.
func NewFetchKeyRequest(tx *interfaces.Transaction, cert *interfaces.Certificate, sessionKey ed25519.PrivateKey, encKey []byte) (*interfaces.FetchKeyRequest, error) {
	sig, err := SignRequest(sessionKey, tx, encKey)
	if err != nil {
		return nil, err
	}
	return &interfaces.FetchKeyRequest{
		Tx:               *tx,
		EncKey:           encKey,
		RequestSignature: sig,
		Certificate:      *cert,
	}, nil
}
