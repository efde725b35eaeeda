package registryapi

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/medvault-enclave/api"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/enclave"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	reg    *registry.Registry
	router chi.Router
	owner  *ecdsa.PrivateKey

	// signedAt advances per signed request; identical requests signed in the same
	// millisecond would otherwise be rejected as replays.
	signedAt time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewRegistry(log)
	contract := policy.NewContract(reg, 1, log)

	owner, err := crypto.GenerateKey()
	require.NoError(t, err)

	router := chi.NewRouter()
	NewHandler(reg, contract, log).RegisterRoutes(router)
	return &testEnv{reg: reg, router: router, owner: owner, signedAt: time.Now()}
}

func (e *testEnv) do(t *testing.T, key *ecdsa.PrivateKey, method, path, token string, body any) *httptest.ResponseRecorder {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if key != nil {
		e.signedAt = e.signedAt.Add(time.Millisecond)
		require.NoError(t, api.SignWalletRequest(req, key, raw, e.signedAt))
	}
	if token != "" {
		req.Header.Set(CapabilityHeader, token)
	}
	return e.serve(req)
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createWhitelist(t *testing.T) CreateWhitelistResponse {
	w := e.do(t, e.owner, http.MethodPost, "/api/whitelists", "", CreateWhitelistRequest{PatientRef: "patient-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp CreateWhitelistResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) access(t *testing.T, wl interfaces.WhitelistID, addr interfaces.Address) AccessResponse {
	w := e.do(t, nil, http.MethodGet, "/api/whitelists/"+wl.String()+"/access/"+addr.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp AccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandler_WhitelistLifecycle(t *testing.T) {
	env := newTestEnv(t)
	created := env.createWhitelist(t)
	ownerAddr := crypto.PubkeyToAddress(env.owner.PublicKey)

	doctor := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	member := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	base := "/api/whitelists/" + created.Whitelist.String()

	w := env.do(t, env.owner, http.MethodPost, base+"/doctors", created.Token, MemberRequest{Address: doctor})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = env.do(t, env.owner, http.MethodPost, base+"/members", created.Token, MemberRequest{Address: member})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do(t, env.owner, http.MethodPost, base+"/members", created.Token, MemberRequest{Address: member})
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, AccessResponse{HasAccess: true, Role: "owner", Permissions: interfaces.RoleOwner.Permissions()}, env.access(t, created.Whitelist, ownerAddr))
	assert.Equal(t, AccessResponse{HasAccess: true, Role: "doctor", Permissions: interfaces.RoleDoctor.Permissions()}, env.access(t, created.Whitelist, doctor))
	assert.Equal(t, AccessResponse{HasAccess: true, Role: "member", Permissions: interfaces.RoleMember.Permissions()}, env.access(t, created.Whitelist, member))

	w = env.do(t, nil, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wl interfaces.Whitelist
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wl))
	assert.Equal(t, ownerAddr, wl.Owner)
	assert.Equal(t, []interfaces.Address{doctor}, wl.Doctors)

	w = env.do(t, nil, http.MethodGet, "/api/users/"+doctor.Hex()+"/whitelists", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ids []interfaces.WhitelistID
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ids))
	assert.Equal(t, []interfaces.WhitelistID{created.Whitelist}, ids)

	w = env.do(t, env.owner, http.MethodDelete, base+"/doctors/"+doctor.Hex(), created.Token, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, AccessResponse{Role: "none"}, env.access(t, created.Whitelist, doctor))

	w = env.do(t, env.owner, http.MethodPost, base+"/deactivate", created.Token, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	snapshot, err := env.reg.GetWhitelist(created.Whitelist)
	require.NoError(t, err)
	assert.False(t, snapshot.Active)

	w = env.do(t, env.owner, http.MethodPost, base+"/members", created.Token, MemberRequest{Address: doctor})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_ReplayedMutationRejected(t *testing.T) {
	env := newTestEnv(t)
	created := env.createWhitelist(t)
	doctor := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	base := "/api/whitelists/" + created.Whitelist.String()

	raw, err := json.Marshal(MemberRequest{Address: doctor})
	require.NoError(t, err)
	add := httptest.NewRequest(http.MethodPost, base+"/doctors", bytes.NewReader(raw))
	require.NoError(t, api.SignWalletRequest(add, env.owner, raw, time.Now()))
	add.Header.Set(CapabilityHeader, created.Token)
	captured := add.Header.Clone()

	w := env.serve(add)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.True(t, env.access(t, created.Whitelist, doctor).HasAccess)

	w = env.do(t, env.owner, http.MethodDelete, base+"/doctors/"+doctor.Hex(), created.Token, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.False(t, env.access(t, created.Whitelist, doctor).HasAccess)

	replay := httptest.NewRequest(http.MethodPost, base+"/doctors", bytes.NewReader(raw))
	replay.Header = captured.Clone()
	w = env.serve(replay)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, env.access(t, created.Whitelist, doctor).HasAccess)

	assert.False(t, env.reg.HasAccess(doctor, created.Whitelist))

	// A fresh signature over the same body is a new request.
	w = env.do(t, env.owner, http.MethodPost, base+"/doctors", created.Token, MemberRequest{Address: doctor})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.True(t, env.access(t, created.Whitelist, doctor).HasAccess)
}

func TestHandler_ReplayedCreateRejected(t *testing.T) {
	env := newTestEnv(t)

	raw, err := json.Marshal(CreateWhitelistRequest{PatientRef: "patient-1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/whitelists", bytes.NewReader(raw))
	require.NoError(t, api.SignWalletRequest(req, env.owner, raw, time.Now()))
	captured := req.Header.Clone()

	w := env.serve(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	replay := httptest.NewRequest(http.MethodPost, "/api/whitelists", bytes.NewReader(raw))
	replay.Header = captured
	w = env.serve(replay)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Len(t, env.reg.ListWhitelistsFor(crypto.PubkeyToAddress(env.owner.PublicKey)), 1)
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestHandler_CapabilityChecks(t *testing.T) {
	env := newTestEnv(t)
	created := env.createWhitelist(t)
	base := "/api/whitelists/" + created.Whitelist.String()
	target := MemberRequest{Address: crypto.PubkeyToAddress(mustKey(t).PublicKey)}

	// unsigned
	w := env.do(t, nil, http.MethodPost, base+"/members", created.Token, target)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// missing token
	w = env.do(t, env.owner, http.MethodPost, base+"/members", "", target)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// token presented by someone other than its holder
	w = env.do(t, mustKey(t), http.MethodPost, base+"/members", created.Token, target)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// token for another whitelist
	otherOwner := mustKey(t)
	w = env.do(t, otherOwner, http.MethodPost, "/api/whitelists", "", CreateWhitelistRequest{PatientRef: "patient-2"})
	require.Equal(t, http.StatusOK, w.Code)
	var other CreateWhitelistResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &other))

	w = env.do(t, otherOwner, http.MethodPost, base+"/members", other.Token, target)
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.False(t, env.reg.HasAccess(target.Address, created.Whitelist))
}

func TestHandler_Queries(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, nil, http.MethodGet, "/api/whitelists/zz", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var missing interfaces.WhitelistID
	missing[0] = 1
	w = env.do(t, nil, http.MethodGet, "/api/whitelists/"+missing.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, nil, http.MethodGet, "/api/whitelists/"+missing.String()+"/access/not-an-address", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var record interfaces.RecordID
	w = env.do(t, nil, http.MethodGet, "/api/records/"+record.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var enc interfaces.EnclaveID
	w = env.do(t, nil, http.MethodGet, "/api/enclaves/"+enc.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RecordDeactivation(t *testing.T) {
	env := newTestEnv(t)
	created := env.createWhitelist(t)
	ownerAddr := crypto.PubkeyToAddress(env.owner.PublicKey)

	rec, err := env.reg.CreateRecord(ownerAddr, created.Whitelist, []interfaces.FileEntry{{
		KeyRef: interfaces.NewKeyIdentity(created.Whitelist, []byte("file-1")),
		Type:   "lab",
	}})
	require.NoError(t, err)

	w := env.do(t, nil, http.MethodGet, "/api/records/"+rec.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, env.owner, http.MethodPost, "/api/records/"+rec.ID.String()+"/deactivate", created.Token, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	got, err := env.reg.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestHandler_RegisterEnclave(t *testing.T) {
	env := newTestEnv(t)
	created := env.createWhitelist(t)
	path := "/api/whitelists/" + created.Whitelist.String() + "/enclaves"

	id, err := enclave.NewIdentity()
	require.NoError(t, err)
	attestation, err := cryptoutils.DumyAttestationProvider{}.Attest(id.ReportData())
	require.NoError(t, err)

	req := RegisterEnclaveRequest{
		EnclaveID:       id.EnclaveID(),
		PublicKey:       []byte(id.PublicKey()),
		Wallet:          id.WalletAddress(),
		AttestationType: cryptoutils.DummyAttestation.StringID,
		Attestation:     attestation,
	}

	bad := req
	bad.Wallet = crypto.PubkeyToAddress(mustKey(t).PublicKey)
	w := env.do(t, env.owner, http.MethodPost, path, created.Token, bad)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad = req
	bad.EnclaveID = interfaces.EnclaveID{1}
	w = env.do(t, env.owner, http.MethodPost, path, created.Token, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, env.owner, http.MethodPost, path, created.Token, req)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do(t, nil, http.MethodGet, "/api/enclaves/"+id.EnclaveID().String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info interfaces.EnclaveInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, created.Whitelist, info.Whitelist)
	assert.Equal(t, []byte(id.PublicKey()), info.PublicKey)
}

func TestHandler_Simulate(t *testing.T) {
	env := newTestEnv(t)
	created := env.createWhitelist(t)
	ownerAddr := crypto.PubkeyToAddress(env.owner.PublicKey)
	identity := interfaces.NewKeyIdentity(created.Whitelist, []byte("file-1"))

	tx, err := policy.NewReadTransaction(ownerAddr, 1, identity, time.Now())
	require.NoError(t, err)
	w := env.do(t, nil, http.MethodPost, "/api/ledger/simulate", "", tx)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	outsider := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	tx, err = policy.NewReadTransaction(outsider, 1, identity, time.Now())
	require.NoError(t, err)
	w = env.do(t, nil, http.MethodPost, "/api/ledger/simulate", "", tx)
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.ErrorIs(t, api.ErrorFromResponse(w.Code, w.Body.Bytes()), interfaces.ErrPermissionDenied)

	w = env.do(t, nil, http.MethodPost, "/api/ledger/simulate", "", "not a tx")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
