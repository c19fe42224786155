package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/polisai/polis-driver/internal/governance"
	"github.com/polisai/polis-driver/pkg/auth"
	"github.com/polisai/polis-driver/pkg/codec"
	"github.com/polisai/polis-driver/pkg/driver"
	"github.com/polisai/polis-driver/pkg/policy"
)

// HTTPError is an error with the HTTP status it should be reported with.
type HTTPError struct {
	Code    int    // HTTP status code
	Message string // Error message
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewUnauthorizedError creates a 401 Unauthorized error
func NewUnauthorizedError(message string) *HTTPError {
	return &HTTPError{Code: http.StatusUnauthorized, Message: message}
}

// NewForbiddenError creates a 403 Forbidden error
func NewForbiddenError(message string) *HTTPError {
	return &HTTPError{Code: http.StatusForbidden, Message: message}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(message string) *HTTPError {
	return &HTTPError{Code: http.StatusNotFound, Message: message}
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string) *HTTPError {
	return &HTTPError{Code: http.StatusBadRequest, Message: message}
}

// errorBody is the JSON document written for failed requests.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.Is(err, auth.ErrMissingCredentials), auth.IsRejected(err):
		return http.StatusUnauthorized
	case errors.Is(err, governance.ErrTooManyRetries):
		return http.StatusServiceUnavailable
	case errors.Is(err, policy.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, driver.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, codec.ErrUnsupportedCodec):
		return http.StatusUnsupportedMediaType
	case driver.IsInputPipeCancelled(err):
		return http.StatusBadRequest
	case driver.IsEngineExecutionFailed(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error document. code is the value used for
// the X-Polis-Response-Code header, or the HTTP status when zero.
func writeError(w http.ResponseWriter, err error, code int) {
	status := statusFor(err)
	if code == 0 {
		code = status
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderResponseCode, strconv.Itoa(code))
	w.Header().Set(HeaderResponseMessage, sanitizeHeader(err.Error()))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: err.Error()})
}
