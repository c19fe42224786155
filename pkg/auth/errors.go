package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteServiceRejected indicates the service answered with a domain
	// error such as an invalid token or code. It is never retried.
	ErrRemoteServiceRejected = errors.New("remote service rejected request")

	// ErrTransportFailure indicates a network, status or decoding failure.
	ErrTransportFailure = errors.New("transport failure")

	// ErrMissingCredentials indicates a request without an OAuth token
	ErrMissingCredentials = errors.New("missing credentials")
)

// RejectedError carries the raw response of a rejected call.
type RejectedError struct {
	Service string
	Reason  string
	Raw     map[string]any
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s returned an error: %s", e.Service, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRemoteServiceRejected
}

// TransportError is a retryable failure of one attempt.
type TransportError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request failed with status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRejected checks if the error is a domain-level rejection
func IsRejected(err error) bool {
	return errors.Is(err, ErrRemoteServiceRejected)
}
