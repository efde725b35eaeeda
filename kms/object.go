package kms

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
)

const (
	// SchemeThreshold objects can only be opened with keys released by the key servers.
	SchemeThreshold = "threshold"
	// SchemeLocalInsecure objects are sealed under a host-local key for development.
	SchemeLocalInsecure = "local-insecure"
)

const objectKeyInfo = "medvault-object"

// WrappedShare is one Shamir share of an object's data key, sealed under a node's identity key.
type WrappedShare struct {
	Node       interfaces.NodeID `json:"node"`
	Nonce      hexutil.Bytes     `json:"nonce"`
	Ciphertext hexutil.Bytes     `json:"ciphertext"`
}

// EncryptedObject is the stored form of every encrypted blob.
type EncryptedObject struct {
	Scheme     string                 `json:"scheme"`
	Identity   interfaces.KeyIdentity `json:"identity"`
	Threshold  int                    `json:"threshold,omitempty"`
	Shares     []WrappedShare         `json:"shares,omitempty"`
	Nonce      hexutil.Bytes          `json:"nonce"`
	Ciphertext hexutil.Bytes          `json:"ciphertext"`
}

// Marshal encodes the object for storage.
func (o *EncryptedObject) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// ParseEncryptedObject decodes a stored object.
func ParseEncryptedObject(data []byte) (*EncryptedObject, error) {
	var obj EncryptedObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("malformed encrypted object: %w", err)
	}
	switch obj.Scheme {
	case SchemeThreshold, SchemeLocalInsecure:
	default:
		return nil, fmt.Errorf("unknown encryption scheme %q", obj.Scheme)
	}
	return &obj, nil
}

func shareAAD(identity interfaces.KeyIdentity, node interfaces.NodeID) []byte {
	aad := slices.Clone([]byte(identity))
	return append(aad, node...)
}

func objectKey(dataKey []byte, identity interfaces.KeyIdentity) ([]byte, error) {
	return cryptoutils.DeriveKey(dataKey, append([]byte(objectKeyInfo), identity...))
}

// SealObject encrypts plaintext for identity. The data key is split so that any threshold of
// the nodes in keys can recover it.
func SealObject(identity interfaces.KeyIdentity, threshold int, keys keyserver.IdentityKeys, plaintext []byte) (*EncryptedObject, error) {
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}
	if len(keys) < threshold {
		return nil, fmt.Errorf("%w: %d node keys for threshold %d", interfaces.ErrThresholdUnreachable, len(keys), threshold)
	}

	dataKey, err := cryptoutils.RandomKey()
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(dataKey)

	nodes := make([]interfaces.NodeID, 0, len(keys))
	for node := range keys {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)

	var shares [][]byte
	if threshold == 1 {
		// shamir.Split requires a threshold of at least 2; every node wraps the full key
		for range nodes {
			shares = append(shares, slices.Clone(dataKey))
		}
	} else {
		shares, err = shamir.Split(dataKey, len(nodes), threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to split data key: %w", err)
		}
	}

	obj := &EncryptedObject{Scheme: SchemeThreshold, Identity: identity, Threshold: threshold}
	for i, node := range nodes {
		nonce, ct, err := cryptoutils.SealAESGCM(keys[node], shares[i], shareAAD(identity, node))
		cryptoutils.WipeBytes(shares[i])
		if err != nil {
			return nil, fmt.Errorf("failed to wrap share for %s: %w", node, err)
		}
		obj.Shares = append(obj.Shares, WrappedShare{Node: node, Nonce: nonce, Ciphertext: ct})
	}

	key, err := objectKey(dataKey, identity)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)

	obj.Nonce, obj.Ciphertext, err = cryptoutils.SealAESGCM(key, plaintext, identity)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// OpenObject recovers the data key from the shares whose node keys are available and decrypts
// the object. Shares that fail to unwrap are skipped.
func OpenObject(obj *EncryptedObject, keys keyserver.IdentityKeys) ([]byte, error) {
	if obj.Scheme != SchemeThreshold {
		return nil, fmt.Errorf("cannot open %q object with threshold keys", obj.Scheme)
	}
	if obj.Threshold < 1 {
		return nil, errors.New("object has no threshold")
	}

	var shares [][]byte
	defer func() {
		for _, s := range shares {
			cryptoutils.WipeBytes(s)
		}
	}()

	for _, ws := range obj.Shares {
		if len(shares) == obj.Threshold {
			break
		}
		key, ok := keys[ws.Node]
		if !ok {
			continue
		}
		share, err := cryptoutils.OpenAESGCM(key, ws.Nonce, ws.Ciphertext, shareAAD(obj.Identity, ws.Node))
		if err != nil {
			continue
		}
		shares = append(shares, share)
	}

	if len(shares) < obj.Threshold {
		return nil, fmt.Errorf("%w: unwrapped %d of %d required shares", interfaces.ErrThresholdUnreachable, len(shares), obj.Threshold)
	}

	var dataKey []byte
	if obj.Threshold == 1 {
		dataKey = slices.Clone(shares[0])
	} else {
		var err error
		dataKey, err = shamir.Combine(shares)
		if err != nil {
			return nil, fmt.Errorf("failed to combine shares: %w", err)
		}
	}
	defer cryptoutils.WipeBytes(dataKey)

	key, err := objectKey(dataKey, obj.Identity)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)

	return cryptoutils.OpenAESGCM(key, obj.Nonce, obj.Ciphertext, obj.Identity)
}

// SealLocal encrypts plaintext with the insecure local cipher.
func SealLocal(cipher *cryptoutils.LocalCipher, identity interfaces.KeyIdentity, plaintext []byte) (*EncryptedObject, error) {
	nonce, ct, err := cipher.Seal(plaintext, identity)
	if err != nil {
		return nil, err
	}
	return &EncryptedObject{Scheme: SchemeLocalInsecure, Identity: identity, Nonce: nonce, Ciphertext: ct}, nil
}

// OpenLocal decrypts an object produced by SealLocal.
func OpenLocal(cipher *cryptoutils.LocalCipher, obj *EncryptedObject) ([]byte, error) {
	if obj.Scheme != SchemeLocalInsecure {
		return nil, fmt.Errorf("cannot open %q object with the local cipher", obj.Scheme)
	}
	return cipher.Open(obj.Nonce, obj.Ciphertext, obj.Identity)
}
