package oauthmodel

// GrantType represents the OAuth 2.0 grant type sent to the token endpoint.
// Determines which credentials accompany the request.
type GrantType string

const (
	// AuthorizationCodeGrant exchanges an authorization code for tokens.
	// Used in: interactive sign-in
	// Token request includes: code, redirect_uri, code_verifier
	AuthorizationCodeGrant GrantType = "authorization_code"

	// RefreshTokenGrant redeems a refresh token for a new access token.
	// Used in: silent acquisition for a cached account
	// Token request includes: refresh_token, scope
	// Returns: access_token and usually a rotated refresh_token
	RefreshTokenGrant GrantType = "refresh_token"

	// JWTBearerGrant is the on-behalf-of grant: the user's access token is
	// presented as an assertion to obtain a token for a downstream API.
	// Token request includes: assertion, requested_token_use=on_behalf_of, scope
	JWTBearerGrant GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// DeviceCodeGrant polls for the outcome of a device authorization.
	// Used in: headless clients
	// Token request includes: device_code
	DeviceCodeGrant GrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// RequestedTokenUseOnBehalfOf marks a jwt-bearer request as on-behalf-of.
const RequestedTokenUseOnBehalfOf = "on_behalf_of"

// CodeMethodType represents the PKCE challenge method.
type CodeMethodType string

const (
	// CodeMethodTypeS256: code_challenge = BASE64URL(SHA256(code_verifier))
	CodeMethodTypeS256 CodeMethodType = "S256"
)

// PromptLogin forces a fresh credential prompt on the authorize redirect.
const PromptLogin = "login"
