package keyserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/policy"
)

const identityKeyInfo = "medvault-key"

// Node is one key server of the threshold network. It releases its key for an identity only
// after the accompanying policy transaction simulates successfully.
type Node struct {
	id         interfaces.NodeID
	signingKey *ecdsa.PrivateKey
	secret     []byte
	simulator  interfaces.PolicySimulator
	now        func() time.Time
	log        *slog.Logger
}

// NewNode creates a key server from its key material.
func NewNode(id interfaces.NodeID, signingKey *ecdsa.PrivateKey, secret []byte, simulator interfaces.PolicySimulator, log *slog.Logger) (*Node, error) {
	if len(secret) < cryptoutils.KeySize {
		return nil, errors.New("node secret must be at least 32 bytes")
	}
	return &Node{
		id:         id,
		signingKey: signingKey,
		secret:     secret,
		simulator:  simulator,
		now:        time.Now,
		log:        log.With("node", id),
	}, nil
}

// WithClock overrides the clock used for certificate checks.
func (n *Node) WithClock(now func() time.Time) *Node {
	n.now = now
	return n
}

func (n *Node) ID() interfaces.NodeID { return n.id }

// SigningPublicKey returns the key responses are signed with.
func (n *Node) SigningPublicKey() *ecdsa.PublicKey { return &n.signingKey.PublicKey }

// DeriveIdentityKey returns this node's key for identity.
func (n *Node) DeriveIdentityKey(identity interfaces.KeyIdentity) ([]byte, error) {
	return cryptoutils.DeriveKey(n.secret, append([]byte(identityKeyInfo), identity...))
}

// FetchKey verifies req and returns this node's identity key encrypted to req.EncKey.
func (n *Node) FetchKey(ctx context.Context, req *interfaces.FetchKeyRequest) (*interfaces.FetchKeyResponse, error) {
	if err := policy.VerifyRequest(req, n.now()); err != nil {
		n.log.Info("rejected key request", "user", req.Certificate.User, "err", err)
		return nil, err
	}

	if err := n.simulator.Simulate(ctx, &req.Tx); err != nil {
		n.log.Info("policy denied key request", "user", req.Certificate.User, "err", err)
		return nil, err
	}

	identity, err := policy.IdentityOf(&req.Tx)
	if err != nil {
		return nil, err
	}

	key, err := n.DeriveIdentityKey(identity)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)

	encryptedKey, err := cryptoutils.EncryptWithPublicKey(req.EncKey, key)
	if err != nil {
		return nil, fmt.Errorf("could not encrypt key to requester: %w", err)
	}

	sig, err := ecdsa.SignASN1(rand.Reader, n.signingKey, ResponseDigest(n.id, identity, encryptedKey))
	if err != nil {
		return nil, fmt.Errorf("could not sign response: %w", err)
	}

	n.log.Debug("released identity key", "user", req.Certificate.User, "identity", identity.String())
	return &interfaces.FetchKeyResponse{
		Node:         n.id,
		Identity:     identity,
		EncryptedKey: encryptedKey,
		Signature:    sig,
	}, nil
}

// NodeKeyFile is the on-disk key material of one key server.
type NodeKeyFile struct {
	ID           interfaces.NodeID `json:"id"`
	SigningKey   string            `json:"signing_key"`   // PEM EC private key
	MasterSecret string            `json:"master_secret"` // hex
}

// LoadNodeKeyFile reads a NodeKeyFile.
func LoadNodeKeyFile(path string) (*NodeKeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read node key file: %w", err)
	}
	var kf NodeKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("could not parse node key file: %w", err)
	}
	return &kf, nil
}

// NewNodeFromKeyFile creates a Node from a key file.
func NewNodeFromKeyFile(kf *NodeKeyFile, simulator interfaces.PolicySimulator, log *slog.Logger) (*Node, error) {
	signingKey, err := cryptoutils.ParseECDSAPrivateKeyPEM([]byte(kf.SigningKey))
	if err != nil {
		return nil, err
	}
	secret, err := hex.DecodeString(kf.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid master secret: %w", err)
	}
	return NewNode(kf.ID, signingKey, secret, simulator, log)
}

// GenerateCommittee creates key material for len(urls) nodes with the given threshold.
func GenerateCommittee(threshold int, urls []string) (*CommitteeConfig, []*NodeKeyFile, error) {
	if threshold < 1 || threshold > len(urls) {
		return nil, nil, fmt.Errorf("threshold %d out of range for %d nodes", threshold, len(urls))
	}

	cfg := &CommitteeConfig{Threshold: threshold}
	keyFiles := make([]*NodeKeyFile, 0, len(urls))
	for i, url := range urls {
		id := interfaces.NodeID(fmt.Sprintf("node-%d", i+1))

		signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		privPEM, err := cryptoutils.MarshalECDSAPrivateKeyPEM(signingKey)
		if err != nil {
			return nil, nil, err
		}
		pubPEM, err := cryptoutils.MarshalECDSAPublicKeyPEM(&signingKey.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		secret, err := cryptoutils.RandomKey()
		if err != nil {
			return nil, nil, err
		}

		cfg.Nodes = append(cfg.Nodes, NodeConfig{ID: id, URL: url, PublicKey: string(pubPEM)})
		keyFiles = append(keyFiles, &NodeKeyFile{ID: id, SigningKey: string(privPEM), MasterSecret: hex.EncodeToString(secret)})
	}
	return cfg, keyFiles, nil
}
