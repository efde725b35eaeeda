package kms

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func randomKeys(t *testing.T, nodes ...interfaces.NodeID) keyserver.IdentityKeys {
	keys := make(keyserver.IdentityKeys)
	for _, n := range nodes {
		k, err := cryptoutils.RandomKey()
		require.NoError(t, err)
		keys[n] = k
	}
	return keys
}

func subset(keys keyserver.IdentityKeys, nodes ...interfaces.NodeID) keyserver.IdentityKeys {
	out := make(keyserver.IdentityKeys)
	for _, n := range nodes {
		out[n] = keys[n]
	}
	return out
}

func TestSealOpenObject(t *testing.T) {
	var wl interfaces.WhitelistID
	id := interfaces.NewKeyIdentity(wl, []byte("file"))
	plaintext := []byte("lab results: all good")
	keys := randomKeys(t, "a", "b", "c")

	obj, err := SealObject(id, 2, keys, plaintext)
	require.NoError(t, err)
	require.Len(t, obj.Shares, 3)

	encoded, err := obj.Marshal()
	require.NoError(t, err)
	parsed, err := ParseEncryptedObject(encoded)
	require.NoError(t, err)

	for _, pair := range [][]interfaces.NodeID{{"a", "b"}, {"b", "c"}, {"a", "c"}, {"a", "b", "c"}} {
		got, err := OpenObject(parsed, subset(keys, pair...))
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}

	_, err = OpenObject(parsed, subset(keys, "c"))
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)

	// a wrong key for one node makes its share unusable
	bad := subset(keys, "a")
	bad["b"] = make([]byte, cryptoutils.KeySize)
	_, err = OpenObject(parsed, bad)
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)

	// identity is bound to the shares and the body
	parsed.Identity = interfaces.NewKeyIdentity(wl, []byte("other"))
	_, err = OpenObject(parsed, keys)
	require.Error(t, err)
}

func TestSealObject_ThresholdOne(t *testing.T) {
	var wl interfaces.WhitelistID
	id := interfaces.NewKeyIdentity(wl, []byte("file"))
	keys := randomKeys(t, "a", "b")

	obj, err := SealObject(id, 1, keys, []byte("x"))
	require.NoError(t, err)

	got, err := OpenObject(obj, subset(keys, "b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	_, err = SealObject(id, 3, keys, []byte("x"))
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)
}

func TestLocalObject(t *testing.T) {
	cipher, err := cryptoutils.NewInsecureLocalCipher("dev")
	require.NoError(t, err)
	var wl interfaces.WhitelistID
	id := interfaces.NewKeyIdentity(wl, []byte("file"))

	obj, err := SealLocal(cipher, id, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, SchemeLocalInsecure, obj.Scheme)

	got, err := OpenLocal(cipher, obj)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	_, err = OpenObject(obj, nil)
	require.Error(t, err)

	_, err = ParseEncryptedObject([]byte(`{"scheme":"rot13"}`))
	require.Error(t, err)
}

func TestKeyCache(t *testing.T) {
	var wl interfaces.WhitelistID
	id := interfaces.NewKeyIdentity(wl, []byte("enclave"))
	keys := randomKeys(t, "a", "b", "c")

	cache := NewKeyCache(2)
	_, err := cache.Keys(id)
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)

	require.ErrorIs(t, cache.Populate(id, subset(keys, "a")), interfaces.ErrThresholdUnreachable)
	assert.False(t, cache.IsPopulated())

	require.NoError(t, cache.Populate(id, subset(keys, "a", "c")))
	assert.True(t, cache.IsPopulated())
	assert.Equal(t, []interfaces.NodeID{"a", "c"}, cache.Nodes())
	require.ErrorIs(t, cache.Populate(id, keys), interfaces.ErrBootstrapState)

	obj, err := SealObject(id, 2, keys, []byte("secret"))
	require.NoError(t, err)
	got, err := cache.Open(obj)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	sealed, err := cache.Seal([]byte("again"))
	require.NoError(t, err)
	got, err = OpenObject(sealed, keys)
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), got)

	_, err = cache.Keys(interfaces.NewKeyIdentity(wl, []byte("other")))
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)

	cache.Wipe()
	_, err = cache.Open(obj)
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)
	assert.False(t, cache.IsPopulated())
	require.ErrorIs(t, cache.Populate(id, keys), interfaces.ErrBootstrapState)
}

type mockKeyServer struct {
	mock.Mock
	id interfaces.NodeID
}

func (m *mockKeyServer) ID() interfaces.NodeID { return m.id }

func (m *mockKeyServer) FetchKey(ctx context.Context, req *interfaces.FetchKeyRequest) (*interfaces.FetchKeyResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*interfaces.FetchKeyResponse)
	return resp, args.Error(1)
}

type thresholdEnv struct {
	reg       *registry.Registry
	token     *registry.CapabilityToken
	owner     *ecdsa.PrivateKey
	committee *keyserver.Committee
	nodes     []*keyserver.Node
	contract  *policy.Contract
}

func newThresholdEnv(t *testing.T, threshold, n int) *thresholdEnv {
	clock := func() time.Time { return testNow }
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)

	reg := registry.NewRegistry(testLogger())
	token, err := reg.CreateWhitelist(crypto.PubkeyToAddress(owner.PublicKey), "patient")
	require.NoError(t, err)
	contract := policy.NewContract(reg, 1, testLogger(), policy.WithContractClock(clock))

	cfg, keyFiles, err := keyserver.GenerateCommittee(threshold, make([]string, n))
	require.NoError(t, err)
	committee, err := keyserver.NewCommittee(cfg)
	require.NoError(t, err)

	env := &thresholdEnv{reg: reg, token: token, owner: owner, committee: committee, contract: contract}
	for _, kf := range keyFiles {
		node, err := keyserver.NewNodeFromKeyFile(kf, contract, testLogger())
		require.NoError(t, err)
		env.nodes = append(env.nodes, node.WithClock(clock))
	}
	return env
}

func (e *thresholdEnv) request(t *testing.T, id interfaces.KeyIdentity, write bool) (*interfaces.FetchKeyRequest, cryptoutils.EncryptionPrivkey) {
	user := crypto.PubkeyToAddress(e.owner.PublicKey)
	sessionPub, sessionPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cert := policy.NewCertificate(user, interfaces.Address{}, sessionPub, testNow, policy.CertificateTTL)
	require.NoError(t, policy.SignCertificate(cert, e.owner))

	build := policy.NewReadTransaction
	if write {
		build = policy.NewWriteTransaction
	}
	tx, err := build(user, 1, id, testNow)
	require.NoError(t, err)

	encPub, encPriv, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	req, err := policy.NewFetchKeyRequest(tx, cert, sessionPriv, encPub)
	require.NoError(t, err)
	return req, encPriv
}

func (e *thresholdEnv) servers() []interfaces.KeyServer {
	out := make([]interfaces.KeyServer, len(e.nodes))
	for i, n := range e.nodes {
		out[i] = n
	}
	return out
}

func TestThresholdClient_RoundTrip(t *testing.T) {
	env := newThresholdEnv(t, 2, 3)
	id := interfaces.NewKeyIdentity(env.token.Whitelist(), []byte("file"))

	down := &mockKeyServer{id: env.nodes[2].ID()}
	down.On("FetchKey", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	servers := env.servers()
	servers[2] = down
	client := NewThresholdClient(env.committee, servers, time.Second, testLogger())

	writeReq, writePriv := env.request(t, id, true)
	writeKeys, err := client.FetchKeys(context.Background(), writeReq, writePriv)
	require.NoError(t, err)
	require.Len(t, writeKeys, 2)

	obj, err := SealObject(id, client.Threshold(), writeKeys, []byte("imaging"))
	require.NoError(t, err)

	readReq, readPriv := env.request(t, id, false)
	readKeys, err := client.FetchKeys(context.Background(), readReq, readPriv)
	require.NoError(t, err)

	got, err := OpenObject(obj, readKeys)
	require.NoError(t, err)
	assert.Equal(t, []byte("imaging"), got)
	down.AssertNumberOfCalls(t, "FetchKey", 2)
}

func TestThresholdClient_BelowThreshold(t *testing.T) {
	env := newThresholdEnv(t, 2, 2)
	id := interfaces.NewKeyIdentity(env.token.Whitelist(), []byte("file"))

	down := &mockKeyServer{id: env.nodes[1].ID()}
	down.On("FetchKey", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	client := NewThresholdClient(env.committee, []interfaces.KeyServer{env.nodes[0], down}, time.Second, testLogger())
	req, priv := env.request(t, id, false)
	_, err := client.FetchKeys(context.Background(), req, priv)
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)
}

func TestThresholdClient_PolicyErrorWins(t *testing.T) {
	env := newThresholdEnv(t, 2, 2)
	id := interfaces.NewKeyIdentity(env.token.Whitelist(), []byte("file"))
	require.NoError(t, env.reg.DeactivateWhitelist(env.token))

	client := NewThresholdClient(env.committee, env.servers(), time.Second, testLogger())
	req, priv := env.request(t, id, false)
	_, err := client.FetchKeys(context.Background(), req, priv)
	require.ErrorIs(t, err, interfaces.ErrWhitelistInactive)
}
