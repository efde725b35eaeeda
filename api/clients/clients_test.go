package clients

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/medvault-enclave/api/enclaveapi"
	"github.com/ruteri/medvault-enclave/api/keyserverapi"
	"github.com/ruteri/medvault-enclave/api/registryapi"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/enclave"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

type routes interface {
	RegisterRoutes(r chi.Router)
}

func serveRoutes(t *testing.T, handlers ...routes) *httptest.Server {
	router := chi.NewRouter()
	for _, h := range handlers {
		h.RegisterRoutes(router)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// network runs a vault server, a key server committee simulating against it over HTTP,
// and one enclave with its public and admin listeners.
type network struct {
	vault     *httptest.Server
	committee *keyserver.CommitteeConfig
	servers   []interfaces.KeyServer
	enclave   *enclave.Enclave
	public    *httptest.Server
	admin     *httptest.Server
}

func newNetwork(t *testing.T, threshold, n int) *network {
	log := testLogger()
	reg := registry.NewRegistry(log)
	contract := policy.NewContract(reg, 1, log)
	vault := serveRoutes(t, registryapi.NewHandler(reg, contract, log))

	cfg, keyFiles, err := keyserver.GenerateCommittee(threshold, make([]string, n))
	require.NoError(t, err)
	for i, kf := range keyFiles {
		node, err := keyserver.NewNodeFromKeyFile(kf, NewLedgerClient(vault.URL), log)
		require.NoError(t, err)
		h, err := keyserverapi.NewHandler(node, log)
		require.NoError(t, err)
		cfg.Nodes[i].URL = serveRoutes(t, h).URL
	}
	servers, err := KeyServerClientsFor(cfg)
	require.NoError(t, err)

	committee, err := keyserver.NewCommittee(cfg)
	require.NoError(t, err)
	e, err := enclave.New(enclave.Config{Committee: committee, Attestation: cryptoutils.DumyAttestationProvider{}}, log)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return &network{
		vault:     vault,
		committee: cfg,
		servers:   servers,
		enclave:   e,
		public:    serveRoutes(t, enclaveapi.NewHandler(e, log)),
		admin:     serveRoutes(t, enclaveapi.NewAdminHandler(e, log)),
	}
}

func TestRegistryClient_Lifecycle(t *testing.T) {
	net := newNetwork(t, 2, 2)
	ctx := context.Background()
	owner := NewRegistryClient(net.vault.URL, mustKey(t))

	created, err := owner.CreateWhitelist(ctx, "patient-9")
	require.NoError(t, err)

	doctor := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	member := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	require.NoError(t, owner.AddDoctor(ctx, created.Token, created.Whitelist, doctor))
	require.NoError(t, owner.AddMember(ctx, created.Token, created.Whitelist, member))
	require.ErrorIs(t, owner.AddMember(ctx, created.Token, created.Whitelist, member), interfaces.ErrAlreadyMember)

	access, err := owner.Access(ctx, created.Whitelist, doctor)
	require.NoError(t, err)
	assert.Equal(t, "doctor", access.Role)
	assert.True(t, access.Permissions.CanWrite)

	wl, err := owner.GetWhitelist(ctx, created.Whitelist)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.Address{member}, wl.Members)

	require.NoError(t, owner.RemoveMember(ctx, created.Token, created.Whitelist, member))
	require.ErrorIs(t, owner.RemoveMember(ctx, created.Token, created.Whitelist, member), interfaces.ErrNotMember)
	require.NoError(t, owner.RemoveDoctor(ctx, created.Token, created.Whitelist, doctor))

	access, err = owner.Access(ctx, created.Whitelist, doctor)
	require.NoError(t, err)
	assert.False(t, access.HasAccess)

	// a stolen token handle is useless to another wallet
	thief := NewRegistryClient(net.vault.URL, mustKey(t))
	require.ErrorIs(t, thief.AddMember(ctx, created.Token, created.Whitelist, member), interfaces.ErrInvalidCapability)

	_, err = owner.GetWhitelist(ctx, interfaces.WhitelistID{7})
	require.ErrorIs(t, err, interfaces.ErrWhitelistNotFound)
}

func TestRegistryClient_RepeatedCallsWithFrozenClock(t *testing.T) {
	net := newNetwork(t, 2, 2)
	ctx := context.Background()
	owner := NewRegistryClient(net.vault.URL, mustKey(t))
	frozen := time.Now()
	owner.now = func() time.Time { return frozen }

	created, err := owner.CreateWhitelist(ctx, "patient-10")
	require.NoError(t, err)
	member := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	require.NoError(t, owner.AddMember(ctx, created.Token, created.Whitelist, member))
	require.NoError(t, owner.RemoveMember(ctx, created.Token, created.Whitelist, member))
	require.NoError(t, owner.AddMember(ctx, created.Token, created.Whitelist, member))

	access, err := owner.Access(ctx, created.Whitelist, member)
	require.NoError(t, err)
	assert.True(t, access.HasAccess)
}

func TestRelayKeyLoad(t *testing.T) {
	net := newNetwork(t, 2, 3)
	ctx := context.Background()
	owner := NewRegistryClient(net.vault.URL, mustKey(t))
	admin := NewEnclaveAdminClient(net.admin.URL)
	public := NewEnclaveClient(net.public.URL)

	created, err := owner.CreateWhitelist(ctx, "patient-4")
	require.NoError(t, err)

	// unregistered enclaves are refused by every key server
	_, err = RelayKeyLoad(ctx, admin, net.servers, created.Whitelist, 1, testLogger())
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)
	require.ErrorIs(t, err, interfaces.ErrEnclaveNotFound)

	report, err := public.Attestation(ctx)
	require.NoError(t, err)
	require.NoError(t, owner.RegisterEnclave(ctx, created.Token, created.Whitelist, report))

	done, err := RelayKeyLoad(ctx, admin, net.servers, created.Whitelist, 1, testLogger())
	require.NoError(t, err)
	assert.Len(t, done.Nodes, 3)

	status, err := admin.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", status.State)

	health, err := public.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, health.Ready)

	obj, err := net.enclave.KeyCache().Seal([]byte("db-password"))
	require.NoError(t, err)
	require.NoError(t, admin.ProvisionSecret(ctx, enclave.ProvisionSecretRequest{Name: "db", Object: obj}))
	secret, err := net.enclave.Secret("db")
	require.NoError(t, err)
	assert.Equal(t, []byte("db-password"), secret)

	_, err = admin.InitKeyLoad(ctx, created.Whitelist, 1)
	require.ErrorIs(t, err, interfaces.ErrBootstrapState)
}

func TestRelayKeyLoad_BelowThreshold(t *testing.T) {
	net := newNetwork(t, 2, 2)
	ctx := context.Background()
	owner := NewRegistryClient(net.vault.URL, mustKey(t))

	created, err := owner.CreateWhitelist(ctx, "patient-5")
	require.NoError(t, err)
	report, err := NewEnclaveClient(net.public.URL).Attestation(ctx)
	require.NoError(t, err)
	require.NoError(t, owner.RegisterEnclave(ctx, created.Token, created.Whitelist, report))

	down := NewKeyServerClient(net.committee.Nodes[1].ID, "http://127.0.0.1:1")
	_, err = RelayKeyLoad(ctx, NewEnclaveAdminClient(net.admin.URL), []interfaces.KeyServer{net.servers[0], down}, created.Whitelist, 1, testLogger())
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)
	require.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestLedgerClient_Simulate(t *testing.T) {
	net := newNetwork(t, 1, 1)
	ctx := context.Background()
	ownerKey := mustKey(t)
	owner := NewRegistryClient(net.vault.URL, ownerKey)

	created, err := owner.CreateWhitelist(ctx, "patient-6")
	require.NoError(t, err)
	identity := interfaces.NewKeyIdentity(created.Whitelist, []byte("file"))
	ledger := NewLedgerClient(net.vault.URL)

	tx, err := policy.NewWriteTransaction(crypto.PubkeyToAddress(ownerKey.PublicKey), 1, identity, time.Now())
	require.NoError(t, err)
	require.NoError(t, ledger.Simulate(ctx, tx))

	tx, err = policy.NewReadTransaction(crypto.PubkeyToAddress(mustKey(t).PublicKey), 1, identity, time.Now())
	require.NoError(t, err)
	require.ErrorIs(t, ledger.Simulate(ctx, tx), interfaces.ErrPermissionDenied)

	tx.PolicyVersion = 2
	require.ErrorIs(t, ledger.Simulate(ctx, tx), interfaces.ErrPolicyRejected)
}
