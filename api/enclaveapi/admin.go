package enclaveapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/medvault-enclave/api"
	"github.com/ruteri/medvault-enclave/enclave"
)

// AdminHandler drives the key bootstrap and secret provisioning. It must only be served on
// a host-local listener: requests are not authenticated beyond reaching the socket.
type AdminHandler struct {
	enclave *enclave.Enclave
	log     *slog.Logger
}

func NewAdminHandler(e *enclave.Enclave, log *slog.Logger) *AdminHandler {
	return &AdminHandler{enclave: e, log: log}
}

// RegisterRoutes configures the admin API.
//
//   - /ping: liveness for the host
//   - /admin/status: bootstrap state, enclave id, cached nodes
//   - /admin/init_key_load: start a key load, returns the request to relay
//   - /admin/complete_key_load: hand over relayed key server responses
//   - /admin/provision_secret: decrypt and keep a named secret
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ping", h.handlePing)
	r.Get("/admin/status", h.handleStatus)
	r.Post("/admin/init_key_load", h.handleInitKeyLoad)
	r.Post("/admin/complete_key_load", h.handleCompleteKeyLoad)
	r.Post("/admin/provision_secret", h.handleProvisionSecret)
}

func (h *AdminHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}

// GET /admin/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, h.enclave.Status())
}

// POST /admin/init_key_load
// Body: {"whitelist": "<hex>", "version": <int>}
func (h *AdminHandler) handleInitKeyLoad(w http.ResponseWriter, r *http.Request) {
	var req enclave.InitKeyLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.enclave.InitKeyLoad(req)
	if err != nil {
		h.log.Warn("init_key_load failed", "whitelist", req.Whitelist.String(), "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, resp)
}

// POST /admin/complete_key_load
// Body: {"responses": [FetchKeyResponse...]}
func (h *AdminHandler) handleCompleteKeyLoad(w http.ResponseWriter, r *http.Request) {
	var req enclave.CompleteKeyLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.enclave.CompleteKeyLoad(req)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, resp)
}

// POST /admin/provision_secret
func (h *AdminHandler) handleProvisionSecret(w http.ResponseWriter, r *http.Request) {
	var req enclave.ProvisionSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || (req.Object == nil && req.StorageRef == nil) {
		http.Error(w, "name and either object or storage_ref are required", http.StatusBadRequest)
		return
	}

	resp, err := h.enclave.ProvisionSecret(r.Context(), req)
	if err != nil {
		h.log.Warn("provision_secret failed", "name", req.Name, "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, resp)
}
