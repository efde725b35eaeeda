package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// RouteRegistrar is implemented by every handler mounted on an httpserver.Server.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// taxonomy lists the caller-visible errors with their HTTP status, most specific first.
var taxonomy = []struct {
	err    error
	status int
}{
	{interfaces.ErrInsecureFallbackDisabled, http.StatusForbidden},
	{interfaces.ErrPermissionDenied, http.StatusForbidden},
	{interfaces.ErrPolicyRejected, http.StatusForbidden},
	{interfaces.ErrWhitelistInactive, http.StatusForbidden},
	{interfaces.ErrInvalidCapability, http.StatusForbidden},
	{interfaces.ErrSignatureInvalid, http.StatusUnauthorized},
	{interfaces.ErrUnknownKeyServer, http.StatusUnauthorized},
	{interfaces.ErrExpiredCertificate, http.StatusGone},
	{interfaces.ErrExpiredSession, http.StatusGone},
	{interfaces.ErrSessionNotFound, http.StatusNotFound},
	{interfaces.ErrBlobNotFound, http.StatusNotFound},
	{interfaces.ErrWhitelistNotFound, http.StatusNotFound},
	{interfaces.ErrRecordNotFound, http.StatusNotFound},
	{interfaces.ErrEnclaveNotFound, http.StatusNotFound},
	{interfaces.ErrFileIndexOutOfRange, http.StatusBadRequest},
	{interfaces.ErrAlreadyMember, http.StatusConflict},
	{interfaces.ErrNotMember, http.StatusConflict},
	{interfaces.ErrBootstrapState, http.StatusConflict},
	{interfaces.ErrThresholdUnreachable, http.StatusServiceUnavailable},
	{interfaces.ErrBackendUnavailable, http.StatusServiceUnavailable},
}

// StatusForError maps the error taxonomy to an HTTP status code.
func StatusForError(err error) int {
	for _, t := range taxonomy {
		if errors.Is(err, t.err) {
			return t.status
		}
	}
	return http.StatusInternalServerError
}

// WriteError writes err as plain text with the status StatusForError assigns it.
func WriteError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusForError(err))
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Errorf("could not encode response: %w", err).Error(), http.StatusInternalServerError)
	}
}

// ErrorFromResponse reconstructs a taxonomy error from a non-2xx response so remote
// callers can classify it with errors.Is.
func ErrorFromResponse(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	for _, t := range taxonomy {
		if t.status == status && strings.Contains(msg, t.err.Error()) {
			return fmt.Errorf("%w: %s", t.err, msg)
		}
	}
	if status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout {
		return fmt.Errorf("%w: status %d: %s", interfaces.ErrBackendUnavailable, status, msg)
	}
	return fmt.Errorf("request failed with status %d: %s", status, msg)
}
