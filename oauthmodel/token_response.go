package oauthmodel

import "fmt"

// TokenResponse represents a successful token endpoint response (RFC 6749 §5.1).
// Every grant the broker uses (authorization code, refresh, on-behalf-of and
// device code) answers in this shape.
type TokenResponse struct {
	// AccessToken is presented as "Authorization: Bearer <access_token>".
	AccessToken string `json:"access_token"`

	// TokenType is "Bearer" for every server the broker talks to.
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the access token lifetime in seconds. It is only
	// RECOMMENDED by RFC 6749, so zero means "not sent".
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is only present when offline_access was granted. It may
	// rotate on every redemption.
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is present when openid was requested.
	IDToken string `json:"id_token,omitempty"`

	// Scope is the space-delimited granted scope, possibly narrower than requested.
	Scope string `json:"scope,omitempty"`
}

// String never includes token material.
func (r TokenResponse) String() string {
	return fmt.Sprintf("TokenResponse{TokenType: %s, ExpiresIn: %d, Scope: %q, RefreshToken: %t, IDToken: %t}",
		r.TokenType, r.ExpiresIn, r.Scope, r.RefreshToken != "", r.IDToken != "")
}
