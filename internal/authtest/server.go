// Package authtest runs an in-process OpenID Connect authorization server for
// tests. It implements discovery, JWKS, the authorize redirect and the token
// endpoint grants the broker uses, and counts every grant it serves.
package authtest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-broker/clients"
	"github.com/jrsteele09/go-auth-broker/oauthmodel"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/tenants"
)

const (
	DefaultClientID     = "broker-client"
	DefaultClientSecret = "broker-secret"
	DefaultAPIAudience  = "api://broker"
	DefaultTenantID     = "tenant-1"
)

// Device decisions returned by a DeviceDecision hook
const (
	DevicePending  = "pending"
	DeviceApprove  = "approve"
	DeviceDeny     = "deny"
	DeviceSlowDown = "slow_down"
)

// User is the identity the fake server signs in.
type User struct {
	Subject           string
	Name              string
	PreferredUsername string
	Roles             []string
}

type codeGrant struct {
	challenge   string
	nonce       string
	redirectURI string
	scopes      scope.Set
}

type deviceGrant struct {
	scopes    scope.Set
	expiresAt time.Time
	polls     int
}

// Server is a fake authorization server bound to an httptest.Server.
type Server struct {
	*httptest.Server

	ClientID     string
	ClientSecret string
	APIAudience  string
	TenantID     string
	User         User

	AccessTokenTTL  time.Duration
	// IDTokenClaims overrides claims in every id token issued.
	IDTokenClaims   map[string]any
	DeviceInterval  int64
	DeviceExpiresIn int64
	// DeviceDecision decides the outcome of the n-th poll (1-based) for a device code.
	DeviceDecision func(poll int) string

	mu            sync.Mutex
	key           *KeyPair
	retiredKeys   []*KeyPair
	codes         map[string]codeGrant
	refreshTokens map[string]scope.Set
	devices       map[string]*deviceGrant
	failNext      int

	grantHits  sync.Map // oauthmodel.GrantType -> *atomic.Int32
	jwksHits   atomic.Int32
	deviceHits atomic.Int32
}

// NewServer starts a fake authorization server that is closed with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()

	key, err := GenerateRSAKeyPair("key-1", 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	s := &Server{
		ClientID:        DefaultClientID,
		ClientSecret:    DefaultClientSecret,
		APIAudience:     DefaultAPIAudience,
		TenantID:        DefaultTenantID,
		User:            User{Subject: "user-1", Name: "Ada Lovelace", PreferredUsername: "ada@example.com"},
		AccessTokenTTL:  time.Hour,
		DeviceInterval:  1,
		DeviceExpiresIn: 5,
		DeviceDecision:  func(int) string { return DeviceApprove },
		key:             key,
		codes:           make(map[string]codeGrant),
		refreshTokens:   make(map[string]scope.Set),
		devices:         make(map[string]*deviceGrant),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET /keys", s.handleKeys)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("POST /devicecode", s.handleDeviceAuthorization)
	mux.HandleFunc("GET /logout", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Issuer is the iss claim and discovery issuer.
func (s *Server) Issuer() string { return s.URL }

// Credential is the confidential client registration the server accepts.
func (s *Server) Credential(redirectURL string) clients.Credential {
	return clients.Credential{
		ID:          s.ClientID,
		Type:        clients.ClientTypeConfidential,
		Secret:      clients.Secret(s.ClientSecret),
		Authority:   tenants.Authority{BaseURL: s.URL, TenantID: s.TenantID},
		RedirectURL: redirectURL,
	}
}

// PublicCredential is the same registration used as a public client.
func (s *Server) PublicCredential() clients.Credential {
	return clients.Credential{
		ID:        s.ClientID,
		Type:      clients.ClientTypePublic,
		Authority: tenants.Authority{BaseURL: s.URL, TenantID: s.TenantID},
	}
}

// Authorize plays the browser at the authorize endpoint and returns the
// callback URL the user would be redirected to.
func (s *Server) Authorize(t testing.TB, authURL string) *url.URL {
	t.Helper()
	client := *s.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := client.Get(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize: unexpected status %d", resp.StatusCode)
	}
	callback, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("authorize: bad redirect: %v", err)
	}
	return callback
}

// GrantHits returns how many token requests of the given grant type were served.
func (s *Server) GrantHits(grant oauthmodel.GrantType) int32 {
	if v, ok := s.grantHits.Load(grant); ok {
		return v.(*atomic.Int32).Load()
	}
	return 0
}

func (s *Server) JWKSHits() int32 { return s.jwksHits.Load() }

func (s *Server) DeviceAuthorizationHits() int32 { return s.deviceHits.Load() }

// FailTokenRequests makes the next n token requests answer 503.
func (s *Server) FailTokenRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// RotateKey replaces the signing key. The old key stays published so tokens
// already issued keep validating.
func (s *Server) RotateKey(t testing.TB, keyID string) {
	t.Helper()
	key, err := GenerateRSAKeyPair(keyID, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retiredKeys = append(s.retiredKeys, s.key)
	s.key = key
}

// IssueCode registers an authorization code as if the user had signed in at
// /authorize with the given PKCE challenge and nonce.
func (s *Server) IssueCode(challenge, nonce, redirectURI string, scopes scope.Set) string {
	code := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = codeGrant{challenge: challenge, nonce: nonce, redirectURI: redirectURI, scopes: scopes}
	return code
}

// RevokeRefreshTokens makes every outstanding refresh token fail with invalid_grant.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]scope.Set)
}

// AccessToken mints a bearer token for the configured user with scopes and any
// claim overrides. A nil override value removes the claim.
func (s *Server) AccessToken(t testing.TB, scopes string, overrides map[string]any) string {
	t.Helper()
	claims := s.accessClaims(s.APIAudience, scope.Parse(scopes))
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	raw, err := s.signingKey().Sign(claims)
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	return raw
}

// SignWith signs claims with an unpublished key, for tampering tests.
func SignWith(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	key, err := GenerateRSAKeyPair("key-1", 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, err := key.Sign(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func (s *Server) signingKey() *KeyPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Server) countGrant(grant oauthmodel.GrantType) {
	v, _ := s.grantHits.LoadOrStore(grant, &atomic.Int32{})
	v.(*atomic.Int32).Add(1)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.Issuer(),
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"device_authorization_endpoint":         s.URL + "/devicecode",
		"jwks_uri":                              s.URL + "/keys",
		"end_session_endpoint":                  s.URL + "/logout",
		"id_token_signing_alg_values_supported": []string{RS256},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	s.jwksHits.Add(1)
	s.mu.Lock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.key.JWK()}}
	for _, k := range s.retiredKeys {
		set.Keys = append(set.Keys, k.JWK())
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, set)
}

// handleAuthorize signs the configured user in without a login page.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != s.ClientID || q.Get("response_type") != "code" {
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != string(oauthmodel.CodeMethodTypeS256) {
		http.Error(w, "PKCE S256 required", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := s.IssueCode(q.Get("code_challenge"), q.Get("nonce"), redirectURI, scope.Parse(q.Get("scope")))
	params := target.Query()
	params.Set("code", code)
	params.Set("state", q.Get("state"))
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	s.deviceHits.Add(1)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("client_id") == "" {
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorInvalidRequest)
		return
	}

	deviceCode := uuid.NewString()
	userCode := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	s.mu.Lock()
	s.devices[deviceCode] = &deviceGrant{
		scopes:    scope.Parse(r.PostForm.Get("scope")),
		expiresAt: time.Now().Add(time.Duration(s.DeviceExpiresIn) * time.Second),
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":      deviceCode,
		"user_code":        userCode,
		"verification_uri": s.URL + "/device",
		"expires_in":       s.DeviceExpiresIn,
		"interval":         s.DeviceInterval,
		"message":          "To sign in, use a web browser to open " + s.URL + "/device and enter the code " + userCode,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	req, err := oauthmodel.ParseTokenRequest(r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorInvalidRequest)
		return
	}
	s.countGrant(req.GrantType)

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	if !s.authenticateClient(r, req.GrantType) {
		writeOAuthError(w, http.StatusUnauthorized, oauthmodel.ErrorInvalidClient)
		return
	}

	switch req.GrantType {
	case oauthmodel.AuthorizationCodeGrant:
		s.redeemCode(w, req)
	case oauthmodel.RefreshTokenGrant:
		s.redeemRefreshToken(w, req)
	case oauthmodel.JWTBearerGrant:
		s.redeemOnBehalfOf(w, req)
	case oauthmodel.DeviceCodeGrant:
		s.redeemDeviceCode(w, req)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

// authenticateClient accepts HTTP Basic (form-encoded, RFC 6749 §2.3.1) for the
// confidential client and a bare client_id for the device grant.
func (s *Server) authenticateClient(r *http.Request, grant oauthmodel.GrantType) bool {
	if id, secret, ok := r.BasicAuth(); ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
		return id == s.ClientID && secret == s.ClientSecret
	}
	if r.PostForm.Get("client_secret") != "" {
		return r.PostForm.Get("client_id") == s.ClientID && r.PostForm.Get("client_secret") == s.ClientSecret
	}
	return grant == oauthmodel.DeviceCodeGrant && r.PostForm.Get("client_id") != ""
}

func (s *Server) redeemCode(w http.ResponseWriter, req oauthmodel.TokenRequest) {
	s.mu.Lock()
	grant, ok := s.codes[req.Code]
	delete(s.codes, req.Code)
	s.mu.Unlock()

	if !ok || grant.redirectURI != req.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorInvalidGrant)
		return
	}
	if !verifyS256(req.CodeVerifier, grant.challenge) {
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorInvalidGrant)
		return
	}
	s.issueTokens(w, grant.scopes, grant.nonce)
}

func (s *Server) redeemRefreshToken(w http.ResponseWriter, req oauthmodel.TokenRequest) {
	s.mu.Lock()
	granted, ok := s.refreshTokens[req.RefreshToken]
	delete(s.refreshTokens, req.RefreshToken)
	s.mu.Unlock()

	if !ok {
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorInvalidGrant)
		return
	}
	requested := scope.Parse(req.Scope)
	if requested.IsEmpty() {
		requested = granted
	}
	// Keep offline_access so the rotated refresh token is issued.
	s.issueTokens(w, requested.Union(scope.New("offline_access")), "")
}

func (s *Server) redeemOnBehalfOf(w http.ResponseWriter, req oauthmodel.TokenRequest) {
	if req.RequestedTokenUse != oauthmodel.RequestedTokenUseOnBehalfOf {
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorInvalidRequest)
		return
	}
	_, err := jwt.Parse(req.Assertion, s.keyFunc,
		jwt.WithValidMethods([]string{RS256}),
		jwt.WithAudience(s.APIAudience),
		jwt.WithIssuer(s.Issuer()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorInvalidGrant)
		return
	}
	s.issueTokens(w, scope.Parse(req.Scope), "")
}

func (s *Server) redeemDeviceCode(w http.ResponseWriter, req oauthmodel.TokenRequest) {
	s.mu.Lock()
	grant, ok := s.devices[req.DeviceCode]
	if !ok {
		s.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorInvalidGrant)
		return
	}
	if time.Now().After(grant.expiresAt) {
		delete(s.devices, req.DeviceCode)
		s.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorExpiredToken)
		return
	}
	grant.polls++
	decision := s.DeviceDecision(grant.polls)
	if decision == DeviceApprove || decision == DeviceDeny {
		delete(s.devices, req.DeviceCode)
	}
	s.mu.Unlock()

	switch decision {
	case DeviceApprove:
		s.issueTokens(w, grant.scopes, "")
	case DeviceDeny:
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorAccessDenied)
	case DeviceSlowDown:
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorSlowDown)
	default:
		writeOAuthError(w, http.StatusBadRequest, oauthmodel.ErrorAuthorizationPending)
	}
}

func (s *Server) issueTokens(w http.ResponseWriter, scopes scope.Set, nonce string) {
	key := s.signingKey()
	audience, resource := resourceScopes(scopes, s.APIAudience)

	access, err := key.Sign(s.accessClaims(audience, resource))
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, oauthmodel.ErrorServerError)
		return
	}
	resp := oauthmodel.TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.AccessTokenTTL / time.Second),
		Scope:       resource.String(),
	}

	if scopes.Contains("openid") {
		idClaims := s.identityClaims(s.ClientID)
		if nonce != "" {
			idClaims["nonce"] = nonce
		}
		for k, v := range s.IDTokenClaims {
			idClaims[k] = v
		}
		if resp.IDToken, err = key.Sign(idClaims); err != nil {
			writeOAuthError(w, http.StatusInternalServerError, oauthmodel.ErrorServerError)
			return
		}
	}
	if scopes.Contains("offline_access") {
		resp.RefreshToken = uuid.NewString()
		s.mu.Lock()
		s.refreshTokens[resp.RefreshToken] = scopes
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) identityClaims(audience string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                s.Issuer(),
		"sub":                s.User.Subject,
		"aud":                audience,
		"tid":                s.TenantID,
		"oid":                s.User.Subject,
		"name":               s.User.Name,
		"preferred_username": s.User.PreferredUsername,
		"iat":                now.Unix(),
		"nbf":                now.Unix(),
		"exp":                now.Add(s.AccessTokenTTL).Unix(),
		"ver":                "2.0",
		"jti":                uuid.NewString(),
	}
}

func (s *Server) accessClaims(audience string, scopes scope.Set) jwt.MapClaims {
	claims := s.identityClaims(audience)
	claims["azp"] = s.ClientID
	claims["appid"] = s.ClientID
	if !scopes.IsEmpty() {
		claims["scp"] = scopes.String()
	}
	if len(s.User.Roles) > 0 {
		claims["roles"] = s.User.Roles
	}
	return claims
}

func (s *Server) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range append([]*KeyPair{s.key}, s.retiredKeys...) {
		if k.KeyID == kid {
			return k.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown key %q", kid)
}

// resourceScopes drops the OIDC scopes that never appear in an access token and
// strips resource prefixes: "api://broker/ping.read" is granted as "ping.read"
// in a token whose audience is "api://broker".
func resourceScopes(scopes scope.Set, fallbackAudience string) (string, scope.Set) {
	audience := fallbackAudience
	var out []string
	for _, s := range scopes.Strings() {
		switch s {
		case "openid", "profile", "email", "offline_access":
			continue
		}
		if i := strings.LastIndex(s, "/"); i > 0 && strings.Contains(s[:i], "://") {
			audience = s[:i]
			s = s[i+1:]
		}
		out = append(out, s)
	}
	return audience, scope.New(out...)
}

func verifyS256(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, oauthmodel.ErrorResponse{Code: code})
}
