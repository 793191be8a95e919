package oauthmodel

import (
	"net/http"
	"net/url"
)

// TokenRequest holds parameters for a token endpoint request.
// Client authentication is applied separately by the caller.
type TokenRequest struct {
	GrantType GrantType

	// Code and CodeVerifier redeem an authorization code with PKCE.
	Code         string
	CodeVerifier string
	RedirectURI  string

	// RefreshToken is used with RefreshTokenGrant.
	RefreshToken string

	// Assertion is the inbound user token for JWTBearerGrant.
	Assertion         string
	RequestedTokenUse string

	// DeviceCode is used with DeviceCodeGrant.
	DeviceCode string

	// Scope is the space-delimited scope requested for the resulting token.
	Scope string
}

// Form encodes the request as application/x-www-form-urlencoded values.
func (r TokenRequest) Form() url.Values {
	form := url.Values{}
	form.Set("grant_type", string(r.GrantType))
	setIf(form, "code", r.Code)
	setIf(form, "code_verifier", r.CodeVerifier)
	setIf(form, "redirect_uri", r.RedirectURI)
	setIf(form, "refresh_token", r.RefreshToken)
	setIf(form, "assertion", r.Assertion)
	setIf(form, "requested_token_use", r.RequestedTokenUse)
	setIf(form, "device_code", r.DeviceCode)
	setIf(form, "scope", r.Scope)
	return form
}

// ParseTokenRequest reads a token request from a parsed form post.
func ParseTokenRequest(r *http.Request) (TokenRequest, error) {
	if err := r.ParseForm(); err != nil {
		return TokenRequest{}, err
	}
	return TokenRequest{
		GrantType:         GrantType(r.PostForm.Get("grant_type")),
		Code:              r.PostForm.Get("code"),
		CodeVerifier:      r.PostForm.Get("code_verifier"),
		RedirectURI:       r.PostForm.Get("redirect_uri"),
		RefreshToken:      r.PostForm.Get("refresh_token"),
		Assertion:         r.PostForm.Get("assertion"),
		RequestedTokenUse: r.PostForm.Get("requested_token_use"),
		DeviceCode:        r.PostForm.Get("device_code"),
		Scope:             r.PostForm.Get("scope"),
	}, nil
}

func setIf(form url.Values, key, value string) {
	if value != "" {
		form.Set(key, value)
	}
}
