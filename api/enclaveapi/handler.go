package enclaveapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/medvault-enclave/api"
	"github.com/ruteri/medvault-enclave/enclave"
)

const maxPayloadSize = 4 << 20

// Handler serves the public enclave endpoints. Every processing response is signed with
// the enclave's ephemeral key.
type Handler struct {
	enclave *enclave.Enclave
	log     *slog.Logger
}

func NewHandler(e *enclave.Enclave, log *slog.Logger) *Handler {
	return &Handler{enclave: e, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health_check", h.handleHealthCheck)
	r.Get("/get_attestation", h.handleGetAttestation)
	r.Post("/process_data", h.handleProcessData)
	r.Post("/process_timeline", h.handleProcessTimeline)
}

// GET /health_check
func (h *Handler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, h.enclave.HealthCheck())
}

// handleGetAttestation returns a quote over the enclave's ephemeral key and wallet address.
//
// GET /get_attestation
func (h *Handler) handleGetAttestation(w http.ResponseWriter, r *http.Request) {
	report, err := h.enclave.Attest()
	if err != nil {
		h.log.Error("attestation failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	api.WriteJSON(w, report)
}

// handleProcessData signs the semantic hash of an arbitrary JSON document.
//
// POST /process_data
func (h *Handler) handleProcessData(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		http.Error(w, fmt.Errorf("could not read payload: %w", err).Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.enclave.ProcessData(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	api.WriteJSON(w, resp)
}

// handleProcessTimeline decrypts a stored record blob and signs a timeline entry for it.
//
// POST /process_timeline
func (h *Handler) handleProcessTimeline(w http.ResponseWriter, r *http.Request) {
	var req enclave.TimelineRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadSize)).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.enclave.ProcessTimeline(r.Context(), req)
	switch {
	case errors.Is(err, enclave.ErrSemanticHashMismatch):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		h.log.Warn("timeline processing failed", "blob", req.BlobID.String(), "err", err)
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, resp)
}
