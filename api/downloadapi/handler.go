package downloadapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/ruteri/medvault-enclave/api"
	"github.com/ruteri/medvault-enclave/download"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// FileTypeHeader carries the type of a downloaded file.
const FileTypeHeader = "X-Medvault-File-Type"

// maxUploadBytes bounds the JSON body of an upload completion.
const maxUploadBytes = 64 << 20

// Orchestrator is the part of download.Service the handler drives.
type Orchestrator interface {
	PrepareDownload(ctx context.Context, recordID interfaces.RecordID, requester interfaces.Address, fileIndex int) (*download.Challenge, error)
	CompleteDownload(ctx context.Context, sessionID string, signature []byte) (*download.Download, error)
	PrepareUpload(ctx context.Context, whitelist interfaces.WhitelistID, uploader interfaces.Address, fileTypes []string) (*download.Challenge, error)
	CompleteUpload(ctx context.Context, sessionID string, signature []byte, files [][]byte) (*interfaces.Record, error)
}

type Handler struct {
	svc            Orchestrator
	allowedOrigins []string
	log            *slog.Logger
}

// NewHandler serves svc. allowedOrigins configures CORS; empty allows any origin.
func NewHandler(svc Orchestrator, allowedOrigins []string, log *slog.Logger) *Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Handler{svc: svc, allowedOrigins: allowedOrigins, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.allowedOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			ExposedHeaders: []string{FileTypeHeader},
			MaxAge:         300,
		}))
		r.Post("/api/download/prepare", h.HandlePrepareDownload)
		r.Post("/api/download/complete", h.HandleCompleteDownload)
		r.Post("/api/upload/prepare", h.HandlePrepareUpload)
		r.Post("/api/upload/complete", h.HandleCompleteUpload)
	})
}

type PrepareDownloadRequest struct {
	RecordID  interfaces.RecordID `json:"record_id"`
	Requester interfaces.Address  `json:"requester"`
	FileIndex int                 `json:"file_index"`
}

type CompleteRequest struct {
	SessionID string        `json:"session_id"`
	Signature hexutil.Bytes `json:"signature"`
}

type PrepareUploadRequest struct {
	Whitelist interfaces.WhitelistID `json:"whitelist"`
	Uploader  interfaces.Address     `json:"uploader"`
	FileTypes []string               `json:"file_types"`
}

type CompleteUploadRequest struct {
	SessionID string        `json:"session_id"`
	Signature hexutil.Bytes `json:"signature"`
	// Files are the plaintexts, base64 encoded, in the order of PrepareUploadRequest.FileTypes.
	Files [][]byte `json:"files"`
}

func decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// HandlePrepareDownload returns a challenge for the requester to wallet-sign.
//
// POST /api/download/prepare
func (h *Handler) HandlePrepareDownload(w http.ResponseWriter, r *http.Request) {
	var req PrepareDownloadRequest
	if !decode(w, r, 1<<16, &req) {
		return
	}

	challenge, err := h.svc.PrepareDownload(r.Context(), req.RecordID, req.Requester, req.FileIndex)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, challenge)
}

// HandleCompleteDownload releases the file if the signed session is still authorized.
// The body of a successful response is the raw plaintext.
//
// POST /api/download/complete
func (h *Handler) HandleCompleteDownload(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decode(w, r, 1<<16, &req) {
		return
	}

	dl, err := h.svc.CompleteDownload(r.Context(), req.SessionID, req.Signature)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.Header().Set(FileTypeHeader, dl.FileType)
	if _, err := w.Write(dl.Data); err != nil {
		h.log.Warn("could not write download", "record", dl.Record.String(), "err", err)
	}
}

// POST /api/upload/prepare
func (h *Handler) HandlePrepareUpload(w http.ResponseWriter, r *http.Request) {
	var req PrepareUploadRequest
	if !decode(w, r, 1<<16, &req) {
		return
	}

	challenge, err := h.svc.PrepareUpload(r.Context(), req.Whitelist, req.Uploader, req.FileTypes)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, challenge)
}

// POST /api/upload/complete
func (h *Handler) HandleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req CompleteUploadRequest
	if !decode(w, r, maxUploadBytes, &req) {
		return
	}

	record, err := h.svc.CompleteUpload(r.Context(), req.SessionID, req.Signature, req.Files)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, record)
}
