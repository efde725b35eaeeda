// Package interfaces defines the core types and contracts shared by the medical
// vault components without implementation details.
package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte wallet address.
type Address = common.Address

// WhitelistID identifies the access-control resource scoping one patient's records.
type WhitelistID [32]byte

// RecordID identifies a record uploaded into a whitelist.
type RecordID [32]byte

// EnclaveID identifies an enclave registered against a whitelist.
type EnclaveID [32]byte

// NodeID identifies a threshold key server.
type NodeID string

func parseID32(source string) ([32]byte, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return [32]byte{}, errors.New("invalid id length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id [32]byte
	copy(id[:], raw)
	return id, nil
}

// NewWhitelistIDFromHex parses a 32-byte hex whitelist identifier, with or without 0x prefix.
func NewWhitelistIDFromHex(source string) (WhitelistID, error) {
	id, err := parseID32(source)
	return WhitelistID(id), err
}

// String returns the 0x-prefixed hex representation.
func (id WhitelistID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte identifier.
func (id WhitelistID) Bytes() []byte {
	return id[:]
}

// NewRecordIDFromHex parses a 32-byte hex record identifier.
func NewRecordIDFromHex(source string) (RecordID, error) {
	id, err := parseID32(source)
	return RecordID(id), err
}

// String returns the 0x-prefixed hex representation.
func (id RecordID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// NewEnclaveIDFromHex parses a 32-byte hex enclave identifier.
func NewEnclaveIDFromHex(source string) (EnclaveID, error) {
	id, err := parseID32(source)
	return EnclaveID(id), err
}

// String returns the 0x-prefixed hex representation.
func (id EnclaveID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// KeyIdentity names the key a threshold node derives for an encrypted object.
// The first 32 bytes are always the whitelist the identity belongs to.
type KeyIdentity []byte

// NewKeyIdentity prefixes suffix with the whitelist namespace.
func NewKeyIdentity(whitelist WhitelistID, suffix []byte) KeyIdentity {
	id := make([]byte, 0, len(whitelist)+len(suffix))
	id = append(id, whitelist[:]...)
	return append(id, suffix...)
}

// EnclaveKeyIdentity is the identity under which secrets for an enclave are encrypted.
func EnclaveKeyIdentity(whitelist WhitelistID, enclave EnclaveID) KeyIdentity {
	return NewKeyIdentity(whitelist, enclave[:])
}

// Whitelist returns the namespace prefix of the identity.
func (k KeyIdentity) Whitelist() (WhitelistID, bool) {
	if len(k) < 32 {
		return WhitelistID{}, false
	}
	var wl WhitelistID
	copy(wl[:], k[:32])
	return wl, true
}

// InNamespace reports whether the identity is scoped to the whitelist.
func (k KeyIdentity) InNamespace(whitelist WhitelistID) bool {
	return len(k) > 32 && bytes.Equal(k[:32], whitelist[:])
}

// String returns the hex representation.
func (k KeyIdentity) String() string {
	return hex.EncodeToString(k)
}

// Role is the canonical four-way role taxonomy. Higher values take precedence.
type Role int

const (
	RoleNone Role = iota
	RoleMember
	RoleDoctor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleDoctor:
		return "doctor"
	case RoleMember:
		return "member"
	default:
		return "none"
	}
}

// Permissions are the flags a role grants on a whitelist.
type Permissions struct {
	CanRead   bool `json:"can_read"`
	CanWrite  bool `json:"can_write"`
	CanManage bool `json:"can_manage"`
}

// Permissions returns the flags granted by the role. Only the owner can manage.
func (r Role) Permissions() Permissions {
	switch r {
	case RoleOwner:
		return Permissions{CanRead: true, CanWrite: true, CanManage: true}
	case RoleDoctor:
		return Permissions{CanRead: true, CanWrite: true}
	case RoleMember:
		return Permissions{CanRead: true}
	default:
		return Permissions{}
	}
}

// Whitelist is a snapshot of one patient vault.
type Whitelist struct {
	ID         WhitelistID `json:"id"`
	Owner      Address     `json:"owner"`
	PatientRef string      `json:"patient_ref"`
	Doctors    []Address   `json:"doctors"`
	Members    []Address   `json:"members"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
}

// FileEntry describes one physical file of a record.
type FileEntry struct {
	StorageRef ContentID   `json:"storage_ref"`
	KeyRef     KeyIdentity `json:"key_ref"`
	Type       string      `json:"type"`
}

// Record is an immutable set of files uploaded into a whitelist.
type Record struct {
	ID        RecordID    `json:"id"`
	Whitelist WhitelistID `json:"whitelist"`
	Uploader  Address     `json:"uploader"`
	Files     []FileEntry `json:"files"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

// EnclaveInfo is the ledger registration of an enclave's attested signing key.
type EnclaveInfo struct {
	ID              EnclaveID   `json:"id"`
	Whitelist       WhitelistID `json:"whitelist"`
	PublicKey       []byte      `json:"public_key"`
	AttestationType string      `json:"attestation_type"`
	Attestation     []byte      `json:"attestation"`
	RegisteredAt    time.Time   `json:"registered_at"`
}

func (id WhitelistID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *WhitelistID) UnmarshalText(text []byte) error {
	parsed, err := NewWhitelistIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id RecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RecordID) UnmarshalText(text []byte) error {
	parsed, err := NewRecordIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id EnclaveID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EnclaveID) UnmarshalText(text []byte) error {
	parsed, err := NewEnclaveIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (k KeyIdentity) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(k)), nil }

func (k *KeyIdentity) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("invalid key identity: %w", err)
	}
	*k = raw
	return nil
}
