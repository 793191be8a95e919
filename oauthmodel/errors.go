package oauthmodel

import "fmt"

// OAuth error codes returned in the "error" field of a token endpoint response
const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorInvalidScope         = "invalid_scope"
	ErrorUnauthorizedClient   = "unauthorized_client"
	ErrorInteractionRequired  = "interaction_required"
	ErrorConsentRequired      = "consent_required"
	ErrorAuthorizationPending = "authorization_pending"
	ErrorSlowDown             = "slow_down"
	ErrorAccessDenied         = "access_denied"
	ErrorExpiredToken         = "expired_token"
	ErrorServerError          = "server_error"
	ErrorTemporarilyUnavail   = "temporarily_unavailable"
)

// ErrorResponse is the RFC 6749 §5.2 error body.
type ErrorResponse struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *ErrorResponse) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth error: %s", e.Code)
	}
	return fmt.Sprintf("oauth error: %s - %s", e.Code, e.Description)
}

// RequiresInteraction reports whether the only way forward is a new
// interactive sign-in.
func (e *ErrorResponse) RequiresInteraction() bool {
	switch e.Code {
	case ErrorInvalidGrant, ErrorInteractionRequired, ErrorConsentRequired:
		return true
	}
	return false
}

// Temporary reports whether the server is asking the client to try again
// later rather than rejecting the request.
func (e *ErrorResponse) Temporary() bool {
	return e.Code == ErrorTemporarilyUnavail || e.Code == ErrorServerError
}
