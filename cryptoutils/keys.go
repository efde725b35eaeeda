package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// EncryptionPubkey is a P-256 public key in PEM format that responses are encrypted to.
type EncryptionPubkey []byte

// EncryptionPrivkey is the matching P-256 private key in PEM format. It never leaves process memory.
type EncryptionPrivkey []byte

// NewEncryptionPubkey validates PEM-encoded P-256 public key data.
func NewEncryptionPubkey(data []byte) (EncryptionPubkey, error) {
	if _, err := ParseECDSAPublicKeyPEM(data); err != nil {
		return nil, err
	}
	return EncryptionPubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub EncryptionPubkey) Validate() error {
	_, err := NewEncryptionPubkey(pub)
	return err
}

// Wipe zeroes the key material in place.
func (priv EncryptionPrivkey) Wipe() {
	WipeBytes(priv)
}

// RandomP256Keypair generates an encryption key pair.
func RandomP256Keypair() (EncryptionPubkey, EncryptionPrivkey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM, err := MarshalECDSAPrivateKeyPEM(privateKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyPEM, err := MarshalECDSAPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	return EncryptionPubkey(pubkeyPEM), EncryptionPrivkey(privateKeyPEM), nil
}

// MarshalECDSAPublicKeyPEM encodes a public key as a PKIX "PUBLIC KEY" block.
func MarshalECDSAPublicKeyPEM(key *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalECDSAPrivateKeyPEM encodes a private key as an "EC PRIVATE KEY" block.
func MarshalECDSAPrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// ParseECDSAPublicKeyPEM parses a PKIX-encoded ECDSA public key.
func ParseECDSAPublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not in PEM format or not a public key")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}

	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return key, nil
}

// ParseECDSAPrivateKeyPEM parses an EC or PKCS8 encoded ECDSA private key.
func ParseECDSAPrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", parsed)
	}
	return key, nil
}

// WipeBytes overwrites a byte slice with zeros.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
