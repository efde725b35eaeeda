package enclave

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/policy"
)

// Identity is the key material an enclave generates at boot. None of it is ever persisted.
type Identity struct {
	ephemeral ed25519.PrivateKey
	wallet    *ecdsa.PrivateKey
	encPub    cryptoutils.EncryptionPubkey
	encPriv   cryptoutils.EncryptionPrivkey
}

// NewIdentity generates a fresh ephemeral signing key, wallet key and encryption key pair.
func NewIdentity() (*Identity, error) {
	_, ephemeral, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate ephemeral key: %w", err)
	}
	wallet, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate wallet key: %w", err)
	}
	encPub, encPriv, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return nil, fmt.Errorf("could not generate encryption key: %w", err)
	}
	return &Identity{ephemeral: ephemeral, wallet: wallet, encPub: encPub, encPriv: encPriv}, nil
}

// EnclaveIDFor derives the ledger id of an enclave from its ephemeral public key.
func EnclaveIDFor(pub ed25519.PublicKey) interfaces.EnclaveID {
	return interfaces.EnclaveID(sha256.Sum256(pub))
}

func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.ephemeral.Public().(ed25519.PublicKey)
}

func (i *Identity) EnclaveID() interfaces.EnclaveID {
	return EnclaveIDFor(i.PublicKey())
}

// WalletAddress is the sender of every policy transaction the enclave builds.
func (i *Identity) WalletAddress() common.Address {
	return crypto.PubkeyToAddress(i.wallet.PublicKey)
}

// WalletPublicKey returns the uncompressed secp256k1 wallet public key.
func (i *Identity) WalletPublicKey() []byte {
	return crypto.FromECDSAPub(&i.wallet.PublicKey)
}

func (i *Identity) EncryptionKey() cryptoutils.EncryptionPubkey {
	return i.encPub
}

// SignIntent signs an intent message with the ephemeral key.
func (i *Identity) SignIntent(msg *policy.IntentMessage) ([]byte, error) {
	return policy.SignIntent(i.ephemeral, msg)
}

// ReportData binds the ephemeral key and wallet address into attestation report data.
func (i *Identity) ReportData() [64]byte {
	return cryptoutils.EnclaveReportData(i.PublicKey(), i.WalletAddress())
}

// Wipe zeroes the private keys.
func (i *Identity) Wipe() {
	cryptoutils.WipeBytes(i.ephemeral)
	i.encPriv.Wipe()
	if i.wallet != nil && i.wallet.D != nil {
		i.wallet.D.SetInt64(0)
	}
}

func newSessionKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("could not generate session key: %w", err)
	}
	return pub, priv, nil
}
