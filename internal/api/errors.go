package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/engine"
	"github.com/nerrad567/factory-guard/internal/ratelimit"
	"github.com/nerrad567/factory-guard/internal/token"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeContextRestricted  = "context_restricted"
	ErrCodeGone               = "gone"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeUnavailable        = "unavailable"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeTokenExpired       = "token_expired"
	ErrCodeTokenRevoked       = "token_revoked"
	ErrCodeNotImplemented     = "not_implemented"
	ErrCodeInvitationNotFound = "invitation_not_found"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps an engine error onto an HTTP status and error code.
// Order matters: a permission denial can wrap a role lookup failure or an
// unknown permission.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrContextRestricted):
		return http.StatusForbidden, ErrCodeContextRestricted
	case errors.Is(err, auth.ErrRoleLookupFailed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, auth.ErrUnknownRole), errors.Is(err, auth.ErrUnknownPermission),
		errors.Is(err, token.ErrTTLTooLong), errors.Is(err, ratelimit.ErrUnknownCategory):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, auth.ErrPermissionDenied), errors.Is(err, auth.ErrDelegationDenied):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, token.ErrTokenExpired):
		return http.StatusUnauthorized, ErrCodeTokenExpired
	case errors.Is(err, token.ErrTokenRevoked):
		return http.StatusUnauthorized, ErrCodeTokenRevoked
	case errors.Is(err, token.ErrInvitationExhausted):
		return http.StatusGone, ErrCodeGone
	case errors.Is(err, token.ErrInvitationNotFound):
		return http.StatusNotFound, ErrCodeInvitationNotFound
	case errors.Is(err, token.ErrTokenInvalid):
		return http.StatusUnauthorized, ErrCodeUnauthorized
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, ErrCodeRateLimited
	case errors.Is(err, engine.ErrNoEventStore):
		return http.StatusNotImplemented, ErrCodeNotImplemented
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeEngineError writes the response for an error returned by the
// engine. Internal errors are logged and never echoed.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
			"error", err,
		)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
