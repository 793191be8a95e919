// Package signin drives the browser sign-in handshake: authorization code
// with PKCE, id token verification, and the session it produces.
package signin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-auth-broker/clients"
	"github.com/jrsteele09/go-auth-broker/internal/discovery"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/oauthmodel"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/sessions"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultChallengeTTL    = 10 * time.Minute
	defaultSessionTTL      = 8 * time.Hour
	defaultUpstreamTimeout = 15 * time.Second

	randomValueBytes = 32
)

// State is where a browser is in the sign-in handshake.
type State int

const (
	Anonymous State = iota
	Challenged
	PendingCallback
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Challenged:
		return "challenged"
	case PendingCallback:
		return "pending_callback"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// TokenSink receives the token set produced by a sign-in and releases it at
// logout. token.Acquirer implements it.
type TokenSink interface {
	Remember(ctx context.Context, p *principal.Principal, rec *token.Record) ([]token.Key, error)
	Forget(ctx context.Context, keys ...token.Key) error
}

// Config configures a Flow. Zero durations pick defaults.
type Config struct {
	Credential clients.Credential
	// Scopes are the resource scopes requested at every sign-in, on top of the
	// OpenID Connect scopes.
	Scopes scope.Set
	// Audience is the audience the sign-in access token is cached under.
	Audience              string
	ChallengeTTL          time.Duration
	SessionTTL            time.Duration
	UpstreamTimeout       time.Duration
	// TokenLifetime is assumed when the token response reports no expiry.
	TokenLifetime         time.Duration
	PostLogoutRedirectURL string
	HTTPClient            *http.Client
}

// Flow runs interactive sign-ins against one authorization server.
type Flow struct {
	cfg           Config
	oauth         *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	endSessionURL string

	challenges ChallengeStore
	sessions   sessions.Store
	tokens     TokenSink
	now        func() time.Time
}

func NewFlow(doc *discovery.Document, cfg Config, challenges ChallengeStore, store sessions.Store, tokens TokenSink) (*Flow, error) {
	if err := cfg.Credential.Validate(); err != nil {
		return nil, err
	}
	if cfg.Credential.RedirectURL == "" {
		return nil, errors.Wrapf(errors.ErrMisconfigured, "sign-in needs a redirect URL")
	}
	if doc.AuthorizationEndpoint == "" {
		return nil, errors.Wrapf(errors.ErrMisconfigured, "authorization server publishes no authorization endpoint")
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}

	oauthCfg := &oauth2.Config{
		ClientID:    cfg.Credential.ID,
		Endpoint:    doc.Endpoint(),
		RedirectURL: cfg.Credential.RedirectURL,
	}
	if cfg.Credential.IsPublic() {
		oauthCfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		oauthCfg.ClientSecret = cfg.Credential.Secret.Reveal()
		oauthCfg.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	return &Flow{
		cfg:           cfg,
		oauth:         oauthCfg,
		verifier:      doc.IDTokenVerifier(cfg.Credential.ID),
		endSessionURL: doc.EndSessionEndpoint,
		challenges:    challenges,
		sessions:      store,
		tokens:        tokens,
		now:           time.Now,
	}, nil
}

// SetClock replaces the time source, for tests.
func (f *Flow) SetClock(now func() time.Time) { f.now = now }

// Challenge starts a sign-in and returns the authorization server URL to
// redirect the browser to.
func (f *Flow) Challenge(ctx context.Context, requested scope.Set, returnURL string) (string, error) {
	return f.challenge(ctx, requested, returnURL, nil)
}

// StepUp re-challenges a signed-in user with prompt=login, asking for extra
// scopes on top of the usual ones.
func (f *Flow) StepUp(ctx context.Context, sessionToken string, extra scope.Set, returnURL string) (string, error) {
	sess, err := f.sessions.Get(ctx, sessionToken)
	if err != nil {
		return "", errors.Join(errors.ErrUnauthenticated, err)
	}
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", oauthmodel.PromptLogin)}
	if hint := sess.Principal.PreferredUsername(); hint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", hint))
	}
	log.Debug().Stringer("from", Authenticated).Stringer("to", Challenged).Str("principal", sess.Principal.ID().String()).Msg("step-up requested")
	return f.challenge(ctx, extra, returnURL, opts)
}

func (f *Flow) challenge(ctx context.Context, extra scope.Set, returnURL string, opts []oauth2.AuthCodeOption) (string, error) {
	state, err := randomValue()
	if err != nil {
		return "", err
	}
	nonce, err := randomValue()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	requested := scope.OpenID.Union(f.cfg.Scopes).Union(extra)

	now := f.now()
	c := &Challenge{
		State:     state,
		Verifier:  verifier,
		Nonce:     nonce,
		ReturnURL: SafeReturnURL(returnURL),
		Scopes:    requested,
		StepUp:    len(opts) > 0,
		CreatedAt: now,
		ExpiresAt: now.Add(f.cfg.ChallengeTTL),
	}
	if err := f.challenges.Put(ctx, c); err != nil {
		return "", errors.Wrapf(err, "store sign-in challenge")
	}

	opts = append(opts, oauth2.S256ChallengeOption(verifier), oidc.Nonce(nonce), oauth2.SetAuthURLParam("scope", requested.String()))
	return f.oauth.AuthCodeURL(state, opts...), nil
}

// CompleteCallback redeems the authorization code returned with state. The
// challenge is consumed whatever the outcome, so a callback cannot be
// replayed. On success the new session and the sanitized return URL are
// returned and the token set is handed to the TokenSink.
func (f *Flow) CompleteCallback(ctx context.Context, code, state string) (*sessions.Session, string, error) {
	c, err := f.take(ctx, state)
	if err != nil {
		return nil, "", err
	}
	log.Debug().Stringer("from", Challenged).Stringer("to", PendingCallback).Msg("sign-in callback received")

	if code == "" {
		return nil, "", errors.Wrapf(errors.ErrCallback, "callback carries no authorization code")
	}

	exchangeCtx, cancel := context.WithTimeout(f.clientContext(ctx), f.cfg.UpstreamTimeout)
	defer cancel()

	issuedAt := f.now()
	tok, err := f.oauth.Exchange(exchangeCtx, code, oauth2.VerifierOption(c.Verifier))
	if err != nil {
		return nil, "", errors.Join(errors.ErrCallback, describeExchangeError(err))
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, "", errors.Wrapf(errors.ErrCallback, "token response carries no id token")
	}
	idToken, err := f.verifier.Verify(exchangeCtx, rawIDToken)
	if err != nil {
		return nil, "", errors.Join(errors.ErrCallback, err)
	}
	if idToken.Nonce != c.Nonce {
		return nil, "", errors.Wrapf(errors.ErrInvalidState, "id token nonce does not match the challenge")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, "", errors.Join(errors.ErrCallback, err)
	}
	p, err := principal.New(principal.MethodInteractive, claims)
	if err != nil {
		return nil, "", errors.Join(errors.ErrCallback, err)
	}

	keys, err := f.tokens.Remember(ctx, p, recordFrom(tok, rawIDToken, issuedAt, f.cfg.TokenLifetime, f.cfg.Audience, c.Scopes))
	if err != nil {
		return nil, "", errors.Wrapf(err, "cache sign-in tokens")
	}
	sess, err := f.sessions.Create(ctx, p, f.cfg.SessionTTL)
	if err != nil {
		return nil, "", errors.Wrapf(err, "create session")
	}
	if err := f.sessions.Grant(ctx, sess.Token, keys...); err != nil {
		_, _ = f.sessions.Delete(ctx, sess.Token)
		return nil, "", errors.Wrapf(err, "grant session tokens")
	}
	sess.TokenKeys = keys

	log.Info().Str("principal", p.ID().String()).Bool("step_up", c.StepUp).
		Stringer("from", PendingCallback).Stringer("to", Authenticated).Msg("sign-in completed")
	return sess, c.ReturnURL, nil
}

// Abandon consumes the challenge for a callback that reported an error
// instead of a code.
func (f *Flow) Abandon(ctx context.Context, state, errorCode string) error {
	if _, err := f.take(ctx, state); err != nil {
		return err
	}
	return errors.Wrapf(errors.ErrCallback, "authorization server returned %q", errorCode)
}

func (f *Flow) take(ctx context.Context, state string) (*Challenge, error) {
	c, err := f.challenges.Take(ctx, state)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, errors.Wrapf(errors.ErrInvalidState, "no outstanding challenge for state")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load sign-in challenge")
	}
	if !f.now().Before(c.ExpiresAt) {
		return nil, errors.Wrapf(errors.ErrInvalidState, "sign-in challenge expired")
	}
	return c, nil
}

// Status reports whether sessionToken belongs to a live session.
func (f *Flow) Status(ctx context.Context, sessionToken string) State {
	if sessionToken == "" {
		return Anonymous
	}
	if _, err := f.sessions.Get(ctx, sessionToken); err != nil {
		return Anonymous
	}
	return Authenticated
}

// Replace retires the session a browser held before it signed in again.
// Token keys still held by current are kept.
func (f *Flow) Replace(ctx context.Context, previousToken string, current *sessions.Session) error {
	if previousToken == "" || (current != nil && previousToken == current.Token) {
		return nil
	}
	old, err := f.sessions.Delete(ctx, previousToken)
	if errors.Is(err, errors.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "delete previous session")
	}

	var stale []token.Key
	for _, k := range old.TokenKeys {
		if current == nil || !current.Entitled(k) {
			stale = append(stale, k)
		}
	}
	return f.tokens.Forget(ctx, stale...)
}

// Logout destroys the session, evicts the tokens it was entitled to and
// returns where to send the browser next.
func (f *Flow) Logout(ctx context.Context, sessionToken string) (string, error) {
	sess, err := f.sessions.Delete(ctx, sessionToken)
	switch {
	case errors.Is(err, errors.ErrSessionNotFound):
		return f.logoutURL(), nil
	case err != nil:
		return "", errors.Wrapf(err, "delete session")
	}

	if err := f.tokens.Forget(ctx, sess.TokenKeys...); err != nil {
		return "", err
	}
	log.Info().Str("principal", sess.Principal.ID().String()).Stringer("from", Authenticated).Stringer("to", Anonymous).Msg("signed out")
	return f.logoutURL(), nil
}

func (f *Flow) logoutURL() string {
	if f.endSessionURL == "" {
		if f.cfg.PostLogoutRedirectURL != "" {
			return f.cfg.PostLogoutRedirectURL
		}
		return "/"
	}
	u, err := url.Parse(f.endSessionURL)
	if err != nil {
		return "/"
	}
	q := u.Query()
	q.Set("client_id", f.cfg.Credential.ID)
	if f.cfg.PostLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", f.cfg.PostLogoutRedirectURL)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *Flow) clientContext(ctx context.Context) context.Context {
	if f.cfg.HTTPClient == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.cfg.HTTPClient)
	return oidc.ClientContext(ctx, f.cfg.HTTPClient)
}

// recordFrom caches the sign-in token under the resource scopes that were
// requested, so a later acquisition for the same scopes hits the cache.
func recordFrom(tok *oauth2.Token, rawIDToken string, issuedAt time.Time, lifetime time.Duration, audience string, requested scope.Set) *token.Record {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = token.Expiry(oauthmodel.TokenResponse{AccessToken: tok.AccessToken}, issuedAt, lifetime)
	}
	return &token.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawIDToken,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
		Audience:     audience,
		Scopes:       requested.Without(scope.OpenID),
	}
}

// describeExchangeError keeps the OAuth error code and drops the response body.
func describeExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "" {
			if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
				return errors.Join(errors.ErrUpstreamUnavailable, errors.New("token endpoint failed"))
			}
			return errors.New("token endpoint rejected the code")
		}
		return &oauthmodel.ErrorResponse{Code: re.ErrorCode, Description: re.ErrorDescription}
	}
	return errors.Join(errors.ErrUpstreamUnavailable, err)
}

func randomValue() (string, error) {
	b := make([]byte, randomValueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrapf(err, "generate random value")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
