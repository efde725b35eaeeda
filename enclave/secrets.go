package enclave

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/kms"
)

var ErrSecretNotFound = errors.New("secret not provisioned")

// secretStore keeps provisioned plaintext secrets in memory only.
type secretStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

func newSecretStore() *secretStore {
	return &secretStore{secrets: make(map[string][]byte)}
}

func (s *secretStore) put(name string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.secrets[name]; ok {
		cryptoutils.WipeBytes(old)
	}
	s.secrets[name] = value
}

func (s *secretStore) get(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[name]
	return slices.Clone(value), ok
}

func (s *secretStore) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.secrets))
}

func (s *secretStore) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range s.secrets {
		cryptoutils.WipeBytes(value)
		delete(s.secrets, name)
	}
}

// ProvisionSecretRequest delivers an object sealed for the enclave's identity, either inline
// or by reference to the secrets namespace of the configured storage.
type ProvisionSecretRequest struct {
	Name       string                `json:"name"`
	Object     *kms.EncryptedObject  `json:"object,omitempty"`
	StorageRef *interfaces.ContentID `json:"storage_ref,omitempty"`
}

type ProvisionSecretResponse struct {
	Status string `json:"status"`
}

// ProvisionSecret decrypts an object with the cached keys and keeps the plaintext under name.
// It fails with ErrThresholdUnreachable until the key load has completed.
func (e *Enclave) ProvisionSecret(ctx context.Context, req ProvisionSecretRequest) (*ProvisionSecretResponse, error) {
	if req.Name == "" {
		return nil, errors.New("secret name is required")
	}

	obj := req.Object
	if obj == nil {
		if req.StorageRef == nil {
			return nil, errors.New("either object or storage_ref is required")
		}
		var err error
		if obj, err = e.fetchObject(ctx, *req.StorageRef, interfaces.EnclaveSecret); err != nil {
			return nil, err
		}
	}

	plaintext, err := e.cache.Open(obj)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt secret %q: %w", req.Name, err)
	}
	e.secrets.put(req.Name, plaintext)

	e.log.Info("secret provisioned", "name", req.Name)
	return &ProvisionSecretResponse{Status: "OK"}, nil
}

// Secret returns a copy of a provisioned secret.
func (e *Enclave) Secret(name string) ([]byte, error) {
	value, ok := e.secrets.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

func (e *Enclave) fetchObject(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) (*kms.EncryptedObject, error) {
	if e.cfg.Storage == nil {
		return nil, fmt.Errorf("%w: enclave has no storage configured", interfaces.ErrBackendUnavailable)
	}
	data, err := e.cfg.Storage.Fetch(ctx, id, contentType)
	if err != nil {
		return nil, err
	}
	return kms.ParseEncryptedObject(data)
}
