package enclaveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/enclave"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/registry"
	"github.com/ruteri/medvault-enclave/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	enclave   *enclave.Enclave
	whitelist interfaces.WhitelistID
	nodes     []*keyserver.Node
	store     *storage.FileBackend
	public    chi.Router
	admin     chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	reg := registry.NewRegistry(log)
	token, err := reg.CreateWhitelist(crypto.PubkeyToAddress(owner.PublicKey), "patient-3")
	require.NoError(t, err)
	contract := policy.NewContract(reg, 1, log)

	cfg, keyFiles, err := keyserver.GenerateCommittee(2, make([]string, 3))
	require.NoError(t, err)
	committee, err := keyserver.NewCommittee(cfg)
	require.NoError(t, err)
	store, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)

	e, err := enclave.New(enclave.Config{
		Committee:   committee,
		Storage:     store,
		Attestation: cryptoutils.DumyAttestationProvider{},
	}, log)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	report, err := e.Attest()
	require.NoError(t, err)
	require.NoError(t, reg.RegisterEnclave(token, e.Identity().EnclaveID(), e.Identity().PublicKey(), report.Type, report.Attestation))

	env := &testEnv{enclave: e, whitelist: token.Whitelist(), store: store, public: chi.NewRouter(), admin: chi.NewRouter()}
	for _, kf := range keyFiles {
		node, err := keyserver.NewNodeFromKeyFile(kf, contract, log)
		require.NoError(t, err)
		env.nodes = append(env.nodes, node)
	}

	NewHandler(e, log).RegisterRoutes(env.public)
	NewAdminHandler(e, log).RegisterRoutes(env.admin)
	return env
}

func serve(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, bytes.NewReader(raw)))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// bootstrap drives both admin phases over HTTP, relaying to every node in-process.
func (env *testEnv) bootstrap(t *testing.T) {
	w := serve(t, env.admin, http.MethodPost, "/admin/init_key_load", enclave.InitKeyLoadRequest{Whitelist: env.whitelist, Version: 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	load := decode[enclave.InitKeyLoadResponse](t, w)

	req, err := enclave.DecodeKeyLoadRequest(load.EncodedRequest)
	require.NoError(t, err)
	var responses []*interfaces.FetchKeyResponse
	for _, node := range env.nodes {
		resp, err := node.FetchKey(context.Background(), req)
		require.NoError(t, err)
		responses = append(responses, resp)
	}

	w = serve(t, env.admin, http.MethodPost, "/admin/complete_key_load", enclave.CompleteKeyLoadRequest{Responses: responses})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[enclave.CompleteKeyLoadResponse](t, w)
	assert.Equal(t, "OK", done.Status)
	assert.Len(t, done.Nodes, 3)
}

func TestAdminHandler_Bootstrap(t *testing.T) {
	env := newTestEnv(t)

	w := serve(t, env.admin, http.MethodGet, "/ping", nil)
	assert.Equal(t, "pong", w.Body.String())

	w = serve(t, env.admin, http.MethodGet, "/admin/status", nil)
	assert.Equal(t, "cold", decode[enclave.Status](t, w).State)

	w = serve(t, env.admin, http.MethodPost, "/admin/complete_key_load", enclave.CompleteKeyLoadRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)

	env.bootstrap(t)

	w = serve(t, env.admin, http.MethodGet, "/admin/status", nil)
	status := decode[enclave.Status](t, w)
	assert.Equal(t, "ready", status.State)
	require.NotNil(t, status.Whitelist)
	assert.Equal(t, env.whitelist, *status.Whitelist)

	w = serve(t, env.admin, http.MethodPost, "/admin/init_key_load", enclave.InitKeyLoadRequest{Whitelist: env.whitelist, Version: 1})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(t, env.public, http.MethodGet, "/health_check", nil)
	health := decode[enclave.HealthCheck](t, w)
	assert.True(t, health.Ready)
	assert.Equal(t, env.enclave.Identity().EnclaveID(), health.EnclaveID)
}

func TestAdminHandler_ProvisionSecret(t *testing.T) {
	env := newTestEnv(t)

	w := serve(t, env.admin, http.MethodPost, "/admin/provision_secret", enclave.ProvisionSecretRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	early, err := env.enclave.KeyCache().Seal([]byte("too early"))
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)
	require.Nil(t, early)

	env.bootstrap(t)

	obj, err := env.enclave.KeyCache().Seal([]byte("sk-api-key"))
	require.NoError(t, err)

	w = serve(t, env.admin, http.MethodPost, "/admin/provision_secret", enclave.ProvisionSecretRequest{Name: "api", Object: obj})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	value, err := env.enclave.Secret("api")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-api-key"), value)

	encoded, err := obj.Marshal()
	require.NoError(t, err)
	ref, err := env.store.Store(context.Background(), encoded, interfaces.EnclaveSecret)
	require.NoError(t, err)

	w = serve(t, env.admin, http.MethodPost, "/admin/provision_secret", enclave.ProvisionSecretRequest{Name: "stored", StorageRef: &ref})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(t, env.admin, http.MethodGet, "/admin/status", nil)
	assert.ElementsMatch(t, []string{"api", "stored"}, decode[enclave.Status](t, w).Secrets)
}

func TestHandler_ColdEnclave(t *testing.T) {
	env := newTestEnv(t)

	w := serve(t, env.public, http.MethodGet, "/health_check", nil)
	assert.False(t, decode[enclave.HealthCheck](t, w).Ready)

	w = serve(t, env.public, http.MethodGet, "/get_attestation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[enclave.AttestationReport](t, w)
	reportData := cryptoutils.EnclaveReportData(report.PublicKey, env.enclave.Identity().WalletAddress())
	require.NoError(t, cryptoutils.VerifyEnclaveAttestation(report.Type, report.Attestation, reportData))

	var blob interfaces.ContentID
	w = serve(t, env.public, http.MethodPost, "/process_timeline", enclave.TimelineRequest{BlobID: blob})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ProcessData(t *testing.T) {
	env := newTestEnv(t)
	pub := env.enclave.Identity().PublicKey()

	w := serve(t, env.public, http.MethodPost, "/process_data", []byte(`{"b": 2, "a": [1, "x"]}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[enclave.SignedResponse](t, w)
	require.NoError(t, enclave.VerifySignedResponse(pub, &first))
	assert.Equal(t, policy.IntentProcessData, first.Response.Intent)

	w = serve(t, env.public, http.MethodPost, "/process_data", []byte(`{"a":[1,"x"],"b":2}`))
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[enclave.SignedResponse](t, w)

	var a, b enclave.ProcessedData
	require.NoError(t, json.Unmarshal(first.Response.Data, &a))
	require.NoError(t, json.Unmarshal(second.Response.Data, &b))
	assert.Equal(t, a.SemanticHash, b.SemanticHash)

	first.Response.Data = second.Response.Data[:len(second.Response.Data)-1]
	require.ErrorIs(t, enclave.VerifySignedResponse(pub, &first), interfaces.ErrSignatureInvalid)

	w = serve(t, env.public, http.MethodPost, "/process_data", []byte(`{"a":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ProcessTimeline(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	document := []byte(`{"diagnosis": "J45", "notes": "stable"}`)
	obj, err := env.enclave.KeyCache().Seal(document)
	require.NoError(t, err)
	encoded, err := obj.Marshal()
	require.NoError(t, err)
	blob, err := env.store.Store(context.Background(), encoded, interfaces.RecordCiphertext)
	require.NoError(t, err)

	hash, err := enclave.SemanticHash(document)
	require.NoError(t, err)

	req := enclave.TimelineRequest{
		PatientRef:           "patient-3",
		EntryType:            4,
		Scope:                0,
		VisitDate:            "2026-02-01",
		BlobID:               blob,
		ExpectedSemanticHash: hash,
	}
	w := serve(t, env.public, http.MethodPost, "/process_timeline", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[enclave.SignedResponse](t, w)
	require.NoError(t, enclave.VerifySignedResponse(env.enclave.Identity().PublicKey(), &resp))

	var entry enclave.TimelineEntry
	require.NoError(t, json.Unmarshal(resp.Response.Data, &entry))
	assert.Equal(t, "diagnosis", entry.EntryType)
	assert.Equal(t, "treatment", entry.Scope)
	assert.Equal(t, hash, entry.SemanticHash)

	req.ExpectedSemanticHash = "00"
	w = serve(t, env.public, http.MethodPost, "/process_timeline", req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
