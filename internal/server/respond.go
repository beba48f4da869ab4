package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// errorBody is the stable wire shape every handler error uses.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

// writeError writes an error JSON response.
func writeError(logger *zap.Logger, w http.ResponseWriter, status int, code, message string) {
	logger.Warn("API error",
		zap.Int("status", status),
		zap.String("code", code),
		zap.String("message", message),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

// writeDomainError maps a service error onto HTTP. Classified errors carry
// their own stable code; sentinels map by identity; anything else is a 500.
func writeDomainError(logger *zap.Logger, w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		writeError(logger, w, statusForError(err), de.Code, de.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(logger, w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(logger, w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		writeError(logger, w, http.StatusForbidden, "PERMISSION_DENIED", err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(logger, w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(logger, w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, domain.ErrResourceExhausted):
		writeError(logger, w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		writeError(logger, w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		writeError(logger, w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// statusForError picks the HTTP status for a classified error. The sentinel
// decides within a kind: a Validation error wrapping ErrConflict (wrong VM
// state) is a 409, not a 400.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindQuota:
		return http.StatusForbidden
	case domain.KindCapacity:
		// Capacity misses leave the VM Pending; they are not surfaced as
		// request failures by the create path, but a direct scheduling
		// call can still see one.
		return http.StatusConflict
	case domain.KindProtocol:
		return http.StatusBadGateway
	case domain.KindExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
