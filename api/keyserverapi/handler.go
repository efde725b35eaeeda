// Package keyserverapi serves one threshold key server node over HTTP.
package keyserverapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/medvault-enclave/api"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/metrics"
)

const maxRequestSize = 1 << 16

// NodeInfo identifies a node and its response signing key.
type NodeInfo struct {
	ID        interfaces.NodeID `json:"id"`
	PublicKey string            `json:"public_key"`
}

type Handler struct {
	node *keyserver.Node
	info NodeInfo
	log  *slog.Logger
}

func NewHandler(node *keyserver.Node, log *slog.Logger) (*Handler, error) {
	pub, err := cryptoutils.MarshalECDSAPublicKeyPEM(node.SigningPublicKey())
	if err != nil {
		return nil, err
	}
	return &Handler{
		node: node,
		info: NodeInfo{ID: node.ID(), PublicKey: string(pub)},
		log:  log,
	}, nil
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/fetch_key", h.handleFetchKey)
	r.Get("/v1/info", h.handleInfo)
}

// handleFetchKey releases this node's key for the identity named by the request's
// transaction if the policy simulates successfully.
//
// POST /v1/fetch_key
func (h *Handler) handleFetchKey(w http.ResponseWriter, r *http.Request) {
	var req interfaces.FetchKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid fetch key request: %w", err).Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.node.FetchKey(r.Context(), &req)
	metrics.KeyReleasesTotal.WithLabelValues(string(h.node.ID()), metrics.Result(err)).Inc()
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, resp)
}

// GET /v1/info
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, h.info)
}
