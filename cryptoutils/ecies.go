package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const gcmNonceSize = 12

// EncryptWithPublicKey encrypts data using ECIES with the given public key PEM.
// It uses ECDH key agreement, SHA-256 for key derivation and AES-GCM for
// authenticated encryption. A fresh ephemeral key is generated for each call.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := ParseECDSAPublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	ephemeralKey, err := ecdsa.GenerateKey(publicKey.Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	aead, err := eciesAEAD(publicKey.Curve, publicKey.X, publicKey.Y, ephemeralKey.D)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aead.Seal(nil, iv, data, nil)
	ephemeralPublicKeyBytes := elliptic.Marshal(ephemeralKey.Curve, ephemeralKey.X, ephemeralKey.Y)

	result := make([]byte, 2, 2+len(ephemeralPublicKeyBytes)+len(iv)+len(ciphertext))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPublicKeyBytes)))
	result = append(result, ephemeralPublicKeyBytes...)
	result = append(result, iv...)
	return append(result, ciphertext...), nil
}

// DecryptWithPrivateKey decrypts data produced by EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte) ([]byte, error) {
	privateKey, err := ParseECDSAPrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralKeyBytes := encryptedData[2 : 2+ephemeralKeyLen]
	x, y := elliptic.Unmarshal(privateKey.Curve, ephemeralKeyBytes)
	if x == nil {
		return nil, errors.New("failed to unmarshal ephemeral public key")
	}

	aead, err := eciesAEAD(privateKey.Curve, x, y, privateKey.D)
	if err != nil {
		return nil, err
	}

	ivStart := 2 + ephemeralKeyLen
	iv := encryptedData[ivStart : ivStart+gcmNonceSize]
	ciphertext := encryptedData[ivStart+gcmNonceSize:]

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func eciesAEAD(curve elliptic.Curve, x, y *big.Int, d *big.Int) (cipher.AEAD, error) {
	sharedX, _ := curve.ScalarMult(x, y, d.Bytes())
	sharedSecret := sha256.Sum256(sharedX.Bytes())
	defer WipeBytes(sharedSecret[:])

	block, err := aes.NewCipher(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
