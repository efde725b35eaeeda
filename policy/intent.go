package policy

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// IntentScope separates signatures made by the same key for different purposes.
type IntentScope uint8

const (
	IntentProcessData   IntentScope = 0
	IntentWalletPK      IntentScope = 1
	IntentTimelineEntry IntentScope = 10
)

// IntentMessage is the envelope every ephemeral-key signature covers.
type IntentMessage struct {
	Scope       IntentScope `json:"intent"`
	TimestampMs uint64      `json:"timestamp_ms"`
	Payload     []byte      `json:"data"`
}

// Bytes returns the canonical encoding of the intent.
func (m *IntentMessage) Bytes() ([]byte, error) {
	args := abi.Arguments{{Type: uint8Type}, {Type: uint64Type}, {Type: bytesType}}
	encoded, err := args.Pack(uint8(m.Scope), m.TimestampMs, m.Payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode intent: %w", err)
	}
	return encoded, nil
}

// SignIntent signs an intent with an ed25519 key.
func SignIntent(key ed25519.PrivateKey, msg *IntentMessage) ([]byte, error) {
	encoded, err := msg.Bytes()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, encoded), nil
}

// VerifyIntent checks an intent signature against an ed25519 public key.
func VerifyIntent(pub []byte, msg *IntentMessage, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid intent public key")
	}
	encoded, err := msg.Bytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), encoded, sig) {
		return errors.New("intent signature mismatch")
	}
	return nil
}
