package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/logging"
)

const maxJSONBody = 64 * 1024

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("server: encode response")
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, qerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, qerrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, qerrors.ErrInvalidTransition),
		errors.Is(err, qerrors.ErrVersionConflict),
		errors.Is(err, qerrors.ErrTrialDisabled):
		return http.StatusConflict
	case errors.Is(err, qerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, qerrors.ErrUnavailable), errors.Is(err, qerrors.ErrInvalidConfig):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	requestID := logging.RequestIDFromContext(r.Context())
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestID})
}

func logRequestError(r *http.Request, err error, msg string) {
	logging.FromContext(r.Context()).Warn().Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg(msg)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:     msg,
		RequestID: logging.RequestIDFromContext(r.Context()),
	})
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
