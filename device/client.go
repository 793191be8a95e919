// Package device runs the device authorization grant for clients that cannot
// host a browser: show a code, then poll until the user decides.
package device

import (
	"context"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-auth-broker/clients"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/oauthmodel"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultPollFloor   = 5 * time.Second
	defaultExpiry      = 15 * time.Minute
	slowDownIncrement  = 5 * time.Second
	defaultMaxAttempts = 3
)

// ErrPending is returned by PollOnce while the user has not decided yet.
var ErrPending = errors.New("device authorization pending")

// State is where a device authorization is in its lifecycle.
type State int

const (
	Initiated State = iota
	Polling
	Approved
	Denied
	Expired
)

func (s State) String() string {
	switch s {
	case Initiated:
		return "initiated"
	case Polling:
		return "polling"
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// TokenSink receives approved token sets. token.Acquirer implements it.
type TokenSink interface {
	Remember(ctx context.Context, p *principal.Principal, rec *token.Record) ([]token.Key, error)
}

// Config configures a Client. Zero values pick defaults.
type Config struct {
	Credential clients.Credential
	Endpoint   oauth2.Endpoint
	// PollFloor is the shortest interval the client will poll at, whatever the
	// server asks for.
	PollFloor time.Duration
	// Audience is recorded on the token set handed to the TokenSink.
	Audience string
	// Verifier checks the id token of an approved sign-in. Without it no
	// principal is built and nothing is handed to the TokenSink.
	Verifier    *oidc.IDTokenVerifier
	HTTPClient  *http.Client
	MaxAttempts uint
}

// Authorization is one outstanding device sign-in. It is not safe for
// concurrent polling.
type Authorization struct {
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
	Interval                time.Duration

	deviceCode string
	scopes     scope.Set
	state      State
}

func (a *Authorization) State() State { return a.state }

// Result is an approved device sign-in.
type Result struct {
	Record *token.Record
	// Principal is nil when no id token verifier is configured.
	Principal *principal.Principal
	Keys      []token.Key
}

type Client struct {
	cfg      Config
	oauth    *oauth2.Config
	redeemer token.Redeemer
	tokens   TokenSink
	now      func() time.Time
}

// NewClient builds a device client. tokens may be nil.
func NewClient(cfg Config, tokens TokenSink) (*Client, error) {
	if cfg.Credential.ID == "" {
		return nil, errors.Wrapf(errors.ErrMisconfigured, "device flow needs a client id")
	}
	if cfg.Endpoint.DeviceAuthURL == "" || cfg.Endpoint.TokenURL == "" {
		return nil, errors.Wrapf(errors.ErrMisconfigured, "authorization server publishes no device authorization endpoint")
	}
	if cfg.PollFloor <= 0 {
		cfg.PollFloor = defaultPollFloor
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	return &Client{
		cfg:      cfg,
		oauth:    &oauth2.Config{ClientID: cfg.Credential.ID, Endpoint: cfg.Endpoint},
		redeemer: token.NewEndpointClient(cfg.Endpoint.TokenURL, cfg.Credential, cfg.HTTPClient, cfg.MaxAttempts),
		tokens:   tokens,
		now:      time.Now,
	}, nil
}

// Initiate asks for a device code and returns what the user needs to see.
func (c *Client) Initiate(ctx context.Context, scopes scope.Set) (*Authorization, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)

	da, err := c.oauth.DeviceAuth(ctx, oauth2.SetAuthURLParam("scope", scopes.String()))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return nil, errors.Wrapf(err, "device authorization rejected")
		}
		return nil, errors.Join(errors.ErrUpstreamUnavailable, err)
	}

	expiresAt := da.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(defaultExpiry)
	}
	a := &Authorization{
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		ExpiresAt:               expiresAt,
		Interval:                max(time.Duration(da.Interval)*time.Second, c.cfg.PollFloor),
		deviceCode:              da.DeviceCode,
		scopes:                  scopes,
		state:                   Initiated,
	}
	log.Info().Str("verification_uri", a.VerificationURI).Time("expires_at", a.ExpiresAt).Dur("interval", a.Interval).Msg("device authorization started")
	return a, nil
}

// Poll waits for the user's decision, polling once per interval. It returns
// a DeviceFlowError with reason DeviceExpired no later than the expiry
// deadline, or DeviceDenied if the user refused.
func (c *Client) Poll(ctx context.Context, a *Authorization) (*Result, error) {
	a.state = Polling
	for {
		wait := a.Interval
		if remaining := a.ExpiresAt.Sub(c.now()); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		res, err := c.PollOnce(ctx, a)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrPending):
			continue
		}
		if reason, ok := errors.DeviceReason(err); ok && reason == errors.DeviceSlowDown {
			log.Debug().Dur("interval", a.Interval).Msg("device poll slowed down")
			continue
		}
		return nil, err
	}
}

// PollOnce makes a single token request for a. While the user has not
// decided it returns ErrPending; when asked to slow down it widens
// a.Interval and returns a DeviceSlowDown error.
func (c *Client) PollOnce(ctx context.Context, a *Authorization) (*Result, error) {
	switch a.state {
	case Approved, Denied, Expired:
		return nil, errors.Wrapf(errors.ErrDeviceFlow, "device authorization already %s", a.state)
	}
	if !c.now().Before(a.ExpiresAt) {
		a.state = Expired
		return nil, errors.NewDeviceFlowError(errors.DeviceExpired, nil)
	}

	callCtx, cancel := context.WithDeadline(ctx, a.ExpiresAt)
	defer cancel()

	issuedAt := c.now()
	resp, err := c.redeemer.Redeem(callCtx, oauthmodel.TokenRequest{
		GrantType:  oauthmodel.DeviceCodeGrant,
		DeviceCode: a.deviceCode,
	})
	if err != nil {
		return nil, c.pollError(ctx, callCtx, a, err)
	}

	a.state = Approved
	// Keyed by what was asked for, so a later acquisition for the same scopes hits.
	resource := a.scopes.Without(scope.OpenID)
	rec := token.NewRecord(*resp, issuedAt, c.cfg.Audience, resource)
	rec.Scopes = resource
	res := &Result{Record: rec}

	if c.cfg.Verifier != nil && resp.IDToken != "" {
		idToken, err := c.cfg.Verifier.Verify(oidc.ClientContext(ctx, c.cfg.HTTPClient), resp.IDToken)
		if err != nil {
			return nil, errors.Join(errors.ErrInvalidToken, err)
		}
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return nil, errors.Join(errors.ErrInvalidToken, err)
		}
		if res.Principal, err = principal.New(principal.MethodDevice, claims); err != nil {
			return nil, err
		}
		if c.tokens != nil {
			if res.Keys, err = c.tokens.Remember(ctx, res.Principal, rec); err != nil {
				return nil, errors.Wrapf(err, "cache device tokens")
			}
		}
	}

	log.Info().Stringer("state", a.state).Msg("device authorization approved")
	return res, nil
}

func (c *Client) pollError(ctx, callCtx context.Context, a *Authorization, err error) error {
	var oauthErr *oauthmodel.ErrorResponse
	if errors.As(err, &oauthErr) {
		switch oauthErr.Code {
		case oauthmodel.ErrorAuthorizationPending:
			return ErrPending
		case oauthmodel.ErrorSlowDown:
			a.Interval += slowDownIncrement
			return errors.NewDeviceFlowError(errors.DeviceSlowDown, oauthErr)
		case oauthmodel.ErrorAccessDenied:
			a.state = Denied
			return errors.NewDeviceFlowError(errors.DeviceDenied, oauthErr)
		case oauthmodel.ErrorExpiredToken:
			a.state = Expired
			return errors.NewDeviceFlowError(errors.DeviceExpired, oauthErr)
		}
		return errors.Wrapf(err, "device code grant")
	}

	// Our own deadline cut the call short, not the caller.
	if ctx.Err() == nil && callCtx.Err() != nil {
		a.state = Expired
		return errors.NewDeviceFlowError(errors.DeviceExpired, nil)
	}
	return err
}
