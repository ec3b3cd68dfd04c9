// Package api provides the HTTP surface of the pingback server: processor
// callback endpoints, health checks and error responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/pingback/internal/account"
	"github.com/onnwee/pingback/internal/idempotency"
	"github.com/onnwee/pingback/internal/middleware"
	"github.com/onnwee/pingback/internal/pingback"
)

// Error codes reported in request logs and JSON error bodies.
const (
	// ErrCodeUnauthorized marks a callback from an address outside the allow-list.
	ErrCodeUnauthorized = "unauthorized_caller"

	// ErrCodeVerificationFailed marks a callback whose signature or fields did not verify.
	ErrCodeVerificationFailed = "verification_failed"

	// ErrCodeNotDeliverable marks a verified callback whose type grants nothing.
	ErrCodeNotDeliverable = "not_deliverable"

	// ErrCodeInvalidEvent marks a verified callback with an unusable account or event ID.
	ErrCodeInvalidEvent = "invalid_event"

	// ErrCodeAccountNotFound marks a callback for an account that does not exist.
	ErrCodeAccountNotFound = "account_not_found"

	// ErrCodeEventInFlight marks a redelivery that arrived while the same
	// event was still being applied.
	ErrCodeEventInFlight = "event_in_flight"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeMethodNotAllowed indicates the method is not served on the path.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeUnavailable indicates a dependency failed its health check.
	ErrCodeUnavailable = "unavailable"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse represents the standard error response format.
// All non-callback errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records the code
// for the logging middleware.
//
// Callback endpoints never use it: processors only ever see a status word.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// ErrorCode maps a processing error to its log code. Returns empty string for nil.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, pingback.ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, pingback.ErrNotDeliverable):
		return ErrCodeNotDeliverable
	case errors.Is(err, pingback.ErrVerificationFailed):
		return ErrCodeVerificationFailed
	case errors.Is(err, pingback.ErrInvalidAccount),
		errors.Is(err, pingback.ErrMissingEventID),
		errors.Is(err, idempotency.ErrInvalidEventID),
		errors.Is(err, idempotency.ErrEventIDTooLong):
		return ErrCodeInvalidEvent
	case errors.Is(err, account.ErrNotFound):
		return ErrCodeAccountNotFound
	case errors.Is(err, pingback.ErrEventInFlight):
		return ErrCodeEventInFlight
	default:
		return ErrCodeInternal
	}
}

// StatusCode maps a processing result to the HTTP status sent to the processor.
// Dropped callbacks get an empty 204, rejected ones 400, internal failures 500.
func StatusCode(res pingback.Result) int {
	switch res.Response {
	case pingback.ResponseNone:
		return http.StatusNoContent
	case pingback.ResponseOK:
		return http.StatusOK
	}
	if res.Rejected() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
