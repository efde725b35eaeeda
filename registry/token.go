package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ruteri/medvault-enclave/interfaces"
)

// TokenID is the opaque handle a capability token is referenced by over the wire.
type TokenID [16]byte

func newTokenID() (TokenID, error) {
	var id TokenID
	if _, err := rand.Read(id[:]); err != nil {
		return TokenID{}, fmt.Errorf("could not generate token id: %w", err)
	}
	return id, nil
}

// ParseTokenID decodes a hex token handle.
func ParseTokenID(s string) (TokenID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(TokenID{}) {
		return TokenID{}, interfaces.ErrInvalidCapability
	}
	var id TokenID
	copy(id[:], raw)
	return id, nil
}

func (id TokenID) String() string {
	return hex.EncodeToString(id[:])
}

// CapabilityToken proves administrative rights over one whitelist.
// Tokens are only minted by the registry and are checked by identity: a copy
// of a token, or a token minted for another whitelist, is rejected.
type CapabilityToken struct {
	id        TokenID
	whitelist interfaces.WhitelistID
	holder    interfaces.Address
}

// ID returns the wire handle of the token.
func (t *CapabilityToken) ID() TokenID { return t.id }

// Whitelist returns the whitelist the token administers.
func (t *CapabilityToken) Whitelist() interfaces.WhitelistID { return t.whitelist }

// Holder returns the owner the token was minted for.
func (t *CapabilityToken) Holder() interfaces.Address { return t.holder }
