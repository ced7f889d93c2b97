package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errdefs.IsInvalidParameters(err) || errdefs.IsIncompatibleKind(err):
		return http.StatusBadRequest
	case errdefs.IsDuplicateModel(err):
		return http.StatusConflict
	case errdefs.IsNotFound(err) || errdefs.IsModelNotFound(err):
		return http.StatusNotFound
	case errdefs.IsMissingDependency(err):
		return http.StatusServiceUnavailable
	case errdefs.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the consistent JSON error payload.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Success: false, Error: msg, Code: status})
}

// writeServiceError maps err to a status and writes the error payload.
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
