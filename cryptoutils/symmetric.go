package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key used by the vault.
const KeySize = 32

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealAESGCM encrypts plaintext with a fresh random nonce, binding aad.
func SealAESGCM(key, plaintext, aad []byte) (nonce []byte, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenAESGCM decrypts and authenticates a SealAESGCM ciphertext.
func OpenAESGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// DeriveKey expands secret into a KeySize key bound to info using HKDF-SHA256.
func DeriveKey(secret, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// RandomKey returns a fresh random symmetric key.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LocalCipher seals data under a key derived from a passphrase on the local host.
// It provides none of the threshold guarantees and is only meant for development.
type LocalCipher struct {
	key []byte
}

// NewInsecureLocalCipher derives the development key with Argon2id.
func NewInsecureLocalCipher(passphrase string) (*LocalCipher, error) {
	if passphrase == "" {
		return nil, errors.New("insecure local cipher requires a passphrase")
	}
	key := argon2.IDKey([]byte(passphrase), []byte("medvault-insecure-local"), 1, 64*1024, 4, KeySize)
	return &LocalCipher{key: key}, nil
}

func (c *LocalCipher) Seal(plaintext, aad []byte) (nonce []byte, ciphertext []byte, err error) {
	return SealAESGCM(c.key, plaintext, aad)
}

func (c *LocalCipher) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	return OpenAESGCM(c.key, nonce, ciphertext, aad)
}
