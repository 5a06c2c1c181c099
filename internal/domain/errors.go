package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthenticated  = errors.New("viewer is not authenticated")
	ErrPropertyNotFound = errors.New("property not found")

	// ErrMissingReference: the return URL carried neither accepted
	// parameter. Not retryable; the viewer restarts from the property page.
	ErrMissingReference = errors.New("payment reference missing from return URL")

	// ErrMissingRedirectTarget: initiate succeeded but returned no usable
	// URL. No session is committed.
	ErrMissingRedirectTarget = errors.New("payment provider returned no authorization URL")
)

// VerificationFailedError means the server actively rejected a reference.
// The reference is dead but the viewer may start a fresh unlock.
type VerificationFailedError struct {
	Reference string
	Message   string
}

func (e *VerificationFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("payment %s could not be verified", e.Reference)
	}
	return fmt.Sprintf("payment %s could not be verified: %s", e.Reference, e.Message)
}

// NetworkError is a transient failure talking to the marketplace API.
// Retrying with the same reference is safe.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ProviderError carries a non-transient rejection from the marketplace API.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("marketplace rejected request (%d): %s", e.Status, e.Message)
}

// Is lets a 404 match ErrNotFound.
func (e *ProviderError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// Retryable reports whether err is worth retrying unchanged.
func Retryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// UserMessage returns the text shown to the viewer for err.
func UserMessage(err error) string {
	var vf *VerificationFailedError
	var ne *NetworkError
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingReference):
		return "We could not find a payment reference. Please start the unlock again from the property page."
	case errors.Is(err, ErrMissingRedirectTarget):
		return "The payment provider did not return a checkout page. Please try again."
	case errors.Is(err, ErrUnauthenticated):
		return "Please sign in to unlock this property."
	case errors.Is(err, ErrPropertyNotFound):
		return "This property is no longer available."
	case errors.As(err, &vf):
		if vf.Message != "" {
			return vf.Message
		}
		return "Your payment could not be verified."
	case errors.As(err, &ne):
		return "We could not reach the payment service. Please try again."
	case errors.As(err, &pe):
		if pe.Message != "" {
			return pe.Message
		}
		return "The payment service rejected the request."
	default:
		return "Something went wrong. Please try again."
	}
}
