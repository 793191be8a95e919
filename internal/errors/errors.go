package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced by the broker. Callers match them with Is.
var (
	// Sign-in errors
	ErrInvalidState = errors.New("invalid state")
	ErrCallback     = errors.New("callback error")

	// Device flow errors, see DeviceFlowError for the sub-reason
	ErrDeviceFlow = errors.New("device flow error")

	// Token errors
	ErrInvalidToken             = errors.New("invalid token")
	ErrTokenExpired             = errors.New("token expired")
	ErrAudienceMismatch         = errors.New("audience mismatch")
	ErrReauthenticationRequired = errors.New("reauthentication required")
	ErrUpstreamUnavailable      = errors.New("upstream unavailable")

	// Authorization errors
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrAuthorizationDenied = errors.New("authorization denied")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	// General errors
	ErrMisconfigured = errors.New("misconfigured")
	ErrNotFound      = errors.New("not found")
	ErrInternal      = errors.New("internal error")
)

// DeviceFlowReason says why a device-code flow ended without a token.
type DeviceFlowReason string

const (
	DeviceDenied   DeviceFlowReason = "denied"
	DeviceExpired  DeviceFlowReason = "expired"
	DeviceSlowDown DeviceFlowReason = "slow_down"
)

// DeviceFlowError matches ErrDeviceFlow and carries the reason the flow stopped.
type DeviceFlowError struct {
	Reason DeviceFlowReason
	Err    error
}

func NewDeviceFlowError(reason DeviceFlowReason, err error) *DeviceFlowError {
	return &DeviceFlowError{Reason: reason, Err: err}
}

func (e *DeviceFlowError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device flow error: %s", e.Reason)
	}
	return fmt.Sprintf("device flow error: %s: %v", e.Reason, e.Err)
}

func (e *DeviceFlowError) Is(target error) bool {
	return target == ErrDeviceFlow
}

func (e *DeviceFlowError) Unwrap() error {
	return e.Err
}

// DeviceReason returns the reason carried by a DeviceFlowError in err's chain.
func DeviceReason(err error) (DeviceFlowReason, bool) {
	var dfe *DeviceFlowError
	if !errors.As(err, &dfe) {
		return "", false
	}
	return dfe.Reason, true
}

// HTTPStatus maps an error kind to the status code a handler should write.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrAudienceMismatch),
		errors.Is(err, ErrReauthenticationRequired),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrInvalidState):
		return http.StatusUnauthorized
	case errors.Is(err, ErrCallback), errors.Is(err, ErrDeviceFlow):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// New returns an error that formats as the given text
func New(text string) error {
	return errors.New(text)
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Join wraps err so it matches kind as well as its own chain.
func Join(kind, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
