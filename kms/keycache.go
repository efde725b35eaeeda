package kms

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
)

// KeyCache holds the identity keys an enclave obtained during bootstrap.
//
// The cache lives only in process memory and is populated at most once per process.
// A failed population attempt leaves the cache untouched, so keys from an earlier
// successful bootstrap stay usable until the process exits.
type KeyCache struct {
	mu        sync.RWMutex
	threshold int
	identity  interfaces.KeyIdentity
	keys      keyserver.IdentityKeys
	populated bool
	wiped     bool
}

// NewKeyCache creates an empty cache that accepts at least threshold node keys.
func NewKeyCache(threshold int) *KeyCache {
	return &KeyCache{threshold: threshold}
}

func (c *KeyCache) Threshold() int { return c.threshold }

// Populate stores verified node keys for identity. It fails with ErrThresholdUnreachable
// when fewer than threshold keys are given and with ErrBootstrapState when already populated.
func (c *KeyCache) Populate(identity interfaces.KeyIdentity, keys keyserver.IdentityKeys) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.populated {
		return fmt.Errorf("%w: key cache already populated", interfaces.ErrBootstrapState)
	}
	if c.wiped {
		return fmt.Errorf("%w: key cache was wiped", interfaces.ErrBootstrapState)
	}
	if len(keys) < c.threshold {
		return fmt.Errorf("%w: %d verified keys, %d required", interfaces.ErrThresholdUnreachable, len(keys), c.threshold)
	}

	c.identity = slices.Clone(identity)
	c.keys = make(keyserver.IdentityKeys, len(keys))
	for node, key := range keys {
		c.keys[node] = slices.Clone(key)
	}
	c.populated = true
	return nil
}

// IsPopulated reports whether a bootstrap has completed.
func (c *KeyCache) IsPopulated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.populated
}

// Identity returns the identity the cached keys belong to.
func (c *KeyCache) Identity() interfaces.KeyIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.identity)
}

// Nodes returns the key servers whose keys are cached.
func (c *KeyCache) Nodes() []interfaces.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.keys))
}

// Keys returns a copy of the cached keys for identity.
func (c *KeyCache) Keys(identity interfaces.KeyIdentity) (keyserver.IdentityKeys, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.populated {
		return nil, fmt.Errorf("%w: key cache is cold", interfaces.ErrThresholdUnreachable)
	}
	if string(identity) != string(c.identity) {
		return nil, fmt.Errorf("%w: no cached keys for identity %s", interfaces.ErrThresholdUnreachable, identity)
	}

	keys := make(keyserver.IdentityKeys, len(c.keys))
	for node, key := range c.keys {
		keys[node] = slices.Clone(key)
	}
	return keys, nil
}

// Open decrypts an object sealed for the cached identity.
func (c *KeyCache) Open(obj *EncryptedObject) ([]byte, error) {
	keys, err := c.Keys(obj.Identity)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	return OpenObject(obj, keys)
}

// Seal encrypts plaintext for the cached identity.
func (c *KeyCache) Seal(plaintext []byte) (*EncryptedObject, error) {
	identity := c.Identity()
	keys, err := c.Keys(identity)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()
	return SealObject(identity, c.threshold, keys, plaintext)
}

// Wipe zeroes the cached keys. The cache cannot be repopulated afterwards.
func (c *KeyCache) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.keys {
		cryptoutils.WipeBytes(key)
	}
	c.keys = nil
	c.identity = nil
	c.populated = false
	c.wiped = true
}
