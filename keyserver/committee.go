package keyserver

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// NodeConfig is one allow-listed key server.
type NodeConfig struct {
	ID        interfaces.NodeID `json:"id"`
	URL       string            `json:"url,omitempty"`
	PublicKey string            `json:"public_key"` // PEM-encoded P-256 response signing key
}

// CommitteeConfig is the allow-list of key servers and the number of them that must agree.
type CommitteeConfig struct {
	Threshold int          `json:"threshold"`
	Nodes     []NodeConfig `json:"nodes"`
}

// LoadCommitteeConfig reads a JSON committee file.
func LoadCommitteeConfig(path string) (*CommitteeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read committee config: %w", err)
	}

	var cfg CommitteeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse committee config: %w", err)
	}
	return &cfg, nil
}

// IdentityKeys maps a key server to the key it derived for one identity.
type IdentityKeys map[interfaces.NodeID][]byte

// Wipe zeroes every key.
func (k IdentityKeys) Wipe() {
	for _, key := range k {
		cryptoutils.WipeBytes(key)
	}
}

// Committee verifies responses against the configured allow-list.
type Committee struct {
	threshold int
	nodes     map[interfaces.NodeID]*ecdsa.PublicKey
	config    []NodeConfig
}

// NewCommittee validates cfg and parses every node's public key.
func NewCommittee(cfg *CommitteeConfig) (*Committee, error) {
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("committee has no nodes")
	}
	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Nodes) {
		return nil, fmt.Errorf("threshold %d out of range for %d nodes", cfg.Threshold, len(cfg.Nodes))
	}

	c := &Committee{
		threshold: cfg.Threshold,
		nodes:     make(map[interfaces.NodeID]*ecdsa.PublicKey, len(cfg.Nodes)),
		config:    slices.Clone(cfg.Nodes),
	}
	for _, node := range cfg.Nodes {
		if node.ID == "" {
			return nil, errors.New("key server without id")
		}
		if _, dup := c.nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate key server %s", node.ID)
		}
		pub, err := cryptoutils.ParseECDSAPublicKeyPEM([]byte(node.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("invalid public key for key server %s: %w", node.ID, err)
		}
		c.nodes[node.ID] = pub
	}
	return c, nil
}

func (c *Committee) Threshold() int { return c.threshold }

// Nodes returns the allow-list in configuration order.
func (c *Committee) Nodes() []NodeConfig { return slices.Clone(c.config) }

// ResponseDigest is the message a key server signs for a response.
func ResponseDigest(node interfaces.NodeID, identity interfaces.KeyIdentity, encryptedKey []byte) []byte {
	h := sha256.New()
	h.Write([]byte(node))
	h.Write([]byte{0})
	h.Write(identity)
	h.Write(encryptedKey)
	return h.Sum(nil)
}

// VerifyResponse checks that resp comes from an allow-listed node and is bound to identity.
func (c *Committee) VerifyResponse(resp *interfaces.FetchKeyResponse, identity interfaces.KeyIdentity) error {
	pub, ok := c.nodes[resp.Node]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownKeyServer, resp.Node)
	}
	if string(resp.Identity) != string(identity) {
		return fmt.Errorf("%w: response from %s is for another identity", interfaces.ErrSignatureInvalid, resp.Node)
	}
	if !ecdsa.VerifyASN1(pub, ResponseDigest(resp.Node, resp.Identity, resp.EncryptedKey), resp.Signature) {
		return fmt.Errorf("%w: bad response signature from %s", interfaces.ErrSignatureInvalid, resp.Node)
	}
	return nil
}

// CollectKeys verifies and decrypts responses for identity. Responses that fail verification
// are reported in the returned error slice and do not prevent the others from being used.
func (c *Committee) CollectKeys(identity interfaces.KeyIdentity, responses []*interfaces.FetchKeyResponse, encPriv cryptoutils.EncryptionPrivkey) (IdentityKeys, []error) {
	keys := make(IdentityKeys, len(responses))
	var errs []error

	for _, resp := range responses {
		if resp == nil {
			continue
		}
		if _, seen := keys[resp.Node]; seen {
			errs = append(errs, fmt.Errorf("duplicate response from %s", resp.Node))
			continue
		}
		if err := c.VerifyResponse(resp, identity); err != nil {
			errs = append(errs, err)
			continue
		}

		key, err := cryptoutils.DecryptWithPrivateKey(encPriv, resp.EncryptedKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("could not decrypt key from %s: %w", resp.Node, err))
			continue
		}
		if len(key) != cryptoutils.KeySize {
			errs = append(errs, fmt.Errorf("key from %s has invalid size %d", resp.Node, len(key)))
			continue
		}
		keys[resp.Node] = key
	}

	return keys, errs
}
