package registryapi

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/medvault-enclave/api"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/enclave"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/registry"
)

// CapabilityHeader carries the hex handle of the caller's capability token.
const CapabilityHeader = "X-Medvault-Capability"

// Registry is the registry surface exposed over HTTP.
type Registry interface {
	interfaces.Ledger

	CreateWhitelist(owner interfaces.Address, patientRef string) (*registry.CapabilityToken, error)
	TokenByID(id registry.TokenID) (*registry.CapabilityToken, error)
	AddDoctor(token *registry.CapabilityToken, doctor interfaces.Address) error
	RemoveDoctor(token *registry.CapabilityToken, doctor interfaces.Address) error
	AddMember(token *registry.CapabilityToken, member interfaces.Address) error
	RemoveMember(token *registry.CapabilityToken, member interfaces.Address) error
	DeactivateWhitelist(token *registry.CapabilityToken) error
	DeactivateRecord(token *registry.CapabilityToken, id interfaces.RecordID) error
	RegisterEnclave(token *registry.CapabilityToken, id interfaces.EnclaveID, publicKey []byte, attestationType string, attestation []byte) error
	ListWhitelistsFor(user interfaces.Address) []interfaces.WhitelistID
}

// Handler serves whitelist administration, registry queries and the ledger simulation
// endpoint remote key servers evaluate policy against.
type Handler struct {
	reg       Registry
	simulator interfaces.PolicySimulator
	now       func() time.Time
	log       *slog.Logger
}

func NewHandler(reg Registry, simulator interfaces.PolicySimulator, log *slog.Logger) *Handler {
	return &Handler{reg: reg, simulator: simulator, now: time.Now, log: log}
}

// WithClock overrides the clock used to check request timestamps.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/whitelists/{whitelist_id}", h.HandleGetWhitelist)
	r.Get("/api/whitelists/{whitelist_id}/access/{address}", h.HandleAccess)
	r.Get("/api/users/{address}/whitelists", h.HandleListWhitelists)
	r.Get("/api/records/{record_id}", h.HandleGetRecord)
	r.Get("/api/enclaves/{enclave_id}", h.HandleGetEnclave)
	r.Post("/api/ledger/simulate", h.HandleSimulate)

	r.Group(func(r chi.Router) {
		r.Use(api.WalletAuth(h.log, func() time.Time { return h.now() }))
		r.Post("/api/whitelists", h.HandleCreateWhitelist)
		r.Post("/api/whitelists/{whitelist_id}/doctors", h.handleGrant(h.reg.AddDoctor))
		r.Delete("/api/whitelists/{whitelist_id}/doctors/{address}", h.handleRevoke(h.reg.RemoveDoctor))
		r.Post("/api/whitelists/{whitelist_id}/members", h.handleGrant(h.reg.AddMember))
		r.Delete("/api/whitelists/{whitelist_id}/members/{address}", h.handleRevoke(h.reg.RemoveMember))
		r.Post("/api/whitelists/{whitelist_id}/deactivate", h.HandleDeactivateWhitelist)
		r.Post("/api/whitelists/{whitelist_id}/enclaves", h.HandleRegisterEnclave)
		r.Post("/api/records/{record_id}/deactivate", h.HandleDeactivateRecord)
	})
}

type CreateWhitelistRequest struct {
	PatientRef string `json:"patient_ref"`
}

type CreateWhitelistResponse struct {
	Whitelist interfaces.WhitelistID `json:"whitelist"`
	Token     string                 `json:"token"`
}

type MemberRequest struct {
	Address interfaces.Address `json:"address"`
}

type AccessResponse struct {
	HasAccess   bool                   `json:"has_access"`
	Role        string                 `json:"role"`
	Permissions interfaces.Permissions `json:"permissions"`
}

type RegisterEnclaveRequest struct {
	EnclaveID       interfaces.EnclaveID `json:"enclave_id"`
	PublicKey       hexutil.Bytes        `json:"public_key"`
	Wallet          interfaces.Address   `json:"wallet"`
	AttestationType string               `json:"attestation_type"`
	Attestation     hexutil.Bytes        `json:"attestation"`
}

type SimulateResponse struct {
	Status string `json:"status"`
}

func pathWhitelist(r *http.Request) (interfaces.WhitelistID, error) {
	id, err := interfaces.NewWhitelistIDFromHex(r.PathValue("whitelist_id"))
	if err != nil {
		return interfaces.WhitelistID{}, fmt.Errorf("invalid whitelist id: %w", err)
	}
	return id, nil
}

func pathAddress(r *http.Request) (interfaces.Address, error) {
	s := r.PathValue("address")
	if !common.IsHexAddress(s) {
		return interfaces.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// capability resolves the token named by the request header. The authenticated caller
// must be the token holder.
func (h *Handler) capability(r *http.Request) (*registry.CapabilityToken, error) {
	id, err := registry.ParseTokenID(r.Header.Get(CapabilityHeader))
	if err != nil {
		return nil, err
	}
	token, err := h.reg.TokenByID(id)
	if err != nil {
		return nil, err
	}
	caller, ok := api.CallerFrom(r.Context())
	if !ok || caller != token.Holder() {
		return nil, fmt.Errorf("%w: token not held by caller", interfaces.ErrInvalidCapability)
	}
	return token, nil
}

// whitelistCapability additionally requires the token to administer the path whitelist.
func (h *Handler) whitelistCapability(r *http.Request) (*registry.CapabilityToken, error) {
	token, err := h.capability(r)
	if err != nil {
		return nil, err
	}
	wl, err := pathWhitelist(r)
	if err != nil {
		return nil, err
	}
	if token.Whitelist() != wl {
		return nil, fmt.Errorf("%w: token administers another whitelist", interfaces.ErrInvalidCapability)
	}
	return token, nil
}

// GET /api/whitelists/{whitelist_id}
func (h *Handler) HandleGetWhitelist(w http.ResponseWriter, r *http.Request) {
	id, err := pathWhitelist(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wl, err := h.reg.GetWhitelist(id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, wl)
}

// HandleAccess answers the constant-time membership query.
//
// GET /api/whitelists/{whitelist_id}/access/{address}
func (h *Handler) HandleAccess(w http.ResponseWriter, r *http.Request) {
	id, err := pathWhitelist(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := pathAddress(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	role, perms := h.reg.ResolveRole(user, id)
	api.WriteJSON(w, AccessResponse{
		HasAccess:   h.reg.HasAccess(user, id),
		Role:        role.String(),
		Permissions: perms,
	})
}

// GET /api/users/{address}/whitelists
func (h *Handler) HandleListWhitelists(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	api.WriteJSON(w, h.reg.ListWhitelistsFor(user))
}

// GET /api/records/{record_id}
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewRecordIDFromHex(r.PathValue("record_id"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid record id: %w", err).Error(), http.StatusBadRequest)
		return
	}
	record, err := h.reg.GetRecord(id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, record)
}

// GET /api/enclaves/{enclave_id}
func (h *Handler) HandleGetEnclave(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewEnclaveIDFromHex(r.PathValue("enclave_id"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid enclave id: %w", err).Error(), http.StatusBadRequest)
		return
	}
	info, err := h.reg.GetEnclave(id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, info)
}

// HandleSimulate dry-runs a policy-check transaction against the current ledger state.
//
// POST /api/ledger/simulate
func (h *Handler) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	var tx interfaces.Transaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&tx); err != nil {
		http.Error(w, fmt.Errorf("invalid transaction: %w", err).Error(), http.StatusBadRequest)
		return
	}
	if err := h.simulator.Simulate(r.Context(), &tx); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, SimulateResponse{Status: "ok"})
}

// HandleCreateWhitelist creates a vault owned by the authenticated caller and returns the
// handle of its capability token.
//
// POST /api/whitelists
func (h *Handler) HandleCreateWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, _ := api.CallerFrom(r.Context())

	var req CreateWhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}
	if req.PatientRef == "" {
		http.Error(w, "patient_ref is required", http.StatusBadRequest)
		return
	}

	token, err := h.reg.CreateWhitelist(caller, req.PatientRef)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, CreateWhitelistResponse{Whitelist: token.Whitelist(), Token: token.ID().String()})
}

func (h *Handler) handleGrant(grant func(*registry.CapabilityToken, interfaces.Address) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := h.whitelistCapability(r)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		var req MemberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
			return
		}
		if err := grant(token, req.Address); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleRevoke(revoke func(*registry.CapabilityToken, interfaces.Address) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := h.whitelistCapability(r)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		addr, err := pathAddress(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := revoke(token, addr); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /api/whitelists/{whitelist_id}/deactivate
func (h *Handler) HandleDeactivateWhitelist(w http.ResponseWriter, r *http.Request) {
	token, err := h.whitelistCapability(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if err := h.reg.DeactivateWhitelist(token); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/records/{record_id}/deactivate
func (h *Handler) HandleDeactivateRecord(w http.ResponseWriter, r *http.Request) {
	token, err := h.capability(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	id, err := interfaces.NewRecordIDFromHex(r.PathValue("record_id"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid record id: %w", err).Error(), http.StatusBadRequest)
		return
	}
	if err := h.reg.DeactivateRecord(token, id); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRegisterEnclave registers an enclave's ephemeral key on the whitelist after
// checking that the attestation commits to that key and the enclave wallet.
//
// POST /api/whitelists/{whitelist_id}/enclaves
func (h *Handler) HandleRegisterEnclave(w http.ResponseWriter, r *http.Request) {
	token, err := h.whitelistCapability(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	var req RegisterEnclaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}
	if len(req.PublicKey) != ed25519.PublicKeySize {
		http.Error(w, "invalid enclave public key", http.StatusBadRequest)
		return
	}
	if enclave.EnclaveIDFor(ed25519.PublicKey(req.PublicKey)) != req.EnclaveID {
		http.Error(w, "enclave id does not match public key", http.StatusBadRequest)
		return
	}

	reportData := cryptoutils.EnclaveReportData(req.PublicKey, req.Wallet)
	if err := cryptoutils.VerifyEnclaveAttestation(req.AttestationType, req.Attestation, reportData); err != nil {
		h.log.Info("enclave attestation rejected", "enclave", req.EnclaveID.String(), "err", err)
		http.Error(w, fmt.Errorf("invalid attestation: %w", err).Error(), http.StatusUnauthorized)
		return
	}

	if err := h.reg.RegisterEnclave(token, req.EnclaveID, req.PublicKey, req.AttestationType, req.Attestation); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
