package token

import (
	"context"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/oauthmodel"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshSkew     = 30 * time.Second
	defaultUpstreamTimeout = 15 * time.Second

	oboPrincipalPrefix = "obo:"
)

// Redeemer is the token endpoint as seen by the Acquirer.
type Redeemer interface {
	Redeem(ctx context.Context, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error)
}

// AcquirerConfig tunes an Acquirer. Zero values pick defaults.
type AcquirerConfig struct {
	// RefreshSkew treats access tokens as expired this long before they are.
	RefreshSkew time.Duration
	// UpstreamTimeout bounds one single-flight exchange, independent of the
	// callers waiting on it.
	UpstreamTimeout time.Duration
	// OnBehalfOfAudience is the audience recorded for on-behalf-of tokens.
	OnBehalfOfAudience string
	// DefaultLifetime applies to access tokens whose lifetime the server
	// reports neither as expires_in nor as an exp claim.
	DefaultLifetime time.Duration
}

// Acquirer hands out access tokens for signed-in principals. It serves from
// the Cache when it can and otherwise performs one exchange per Key, however
// many callers are waiting for it.
type Acquirer struct {
	cache    Cache
	redeemer Redeemer
	group    singleflight.Group
	cfg      AcquirerConfig
	now      func() time.Time
}

func NewAcquirer(cache Cache, redeemer Redeemer, cfg AcquirerConfig) *Acquirer {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = defaultRefreshSkew
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultLifetime
	}
	return &Acquirer{
		cache:    cache,
		redeemer: redeemer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for expiry decisions.
func (a *Acquirer) SetClock(now func() time.Time) {
	a.now = now
}

// KeyFor returns the cache key for a principal's token.
func KeyFor(p *principal.Principal, audience string, scopes scope.Set) Key {
	return Key{PrincipalID: p.ID().String(), Audience: audience, Scopes: scopes}
}

// GetToken returns a live token for (p, audience, scopes). A cached live record
// is returned without any network call. Otherwise the record's refresh token, or
// failing that the account refresh token, is redeemed. With neither, the result
// is ErrReauthenticationRequired.
func (a *Acquirer) GetToken(ctx context.Context, p *principal.Principal, scopes scope.Set, audience string) (*Record, error) {
	if p == nil {
		return nil, errors.ErrUnauthenticated
	}
	key := KeyFor(p, audience, scopes)

	rec, err := a.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Live(a.now(), a.cfg.RefreshSkew) {
		return rec, nil
	}

	return a.singleFlight(ctx, key, a.refresh)
}

// AcquireOnBehalfOf exchanges an inbound user token for one scoped to the
// downstream audience. Results are cached per assertion, so a repeated call with
// the same user token is served from the cache.
func (a *Acquirer) AcquireOnBehalfOf(ctx context.Context, userAssertion string, scopes scope.Set) (*Record, error) {
	if userAssertion == "" {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "empty user assertion")
	}
	key := Key{
		PrincipalID: oboPrincipalPrefix + Fingerprint(userAssertion),
		Audience:    a.cfg.OnBehalfOfAudience,
		Scopes:      scopes,
	}

	rec, err := a.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Live(a.now(), a.cfg.RefreshSkew) {
		return rec, nil
	}

	return a.singleFlight(ctx, key, func(ctx context.Context, key Key) (*Record, error) {
		return a.exchange(ctx, key, oauthmodel.TokenRequest{
			GrantType:         oauthmodel.JWTBearerGrant,
			Assertion:         userAssertion,
			RequestedTokenUse: oauthmodel.RequestedTokenUseOnBehalfOf,
			Scope:             key.Scopes.String(),
		}, "")
	})
}

// Remember caches a token set obtained outside the Acquirer, such as at sign-in
// or device approval. It returns the keys the set was stored under.
func (a *Acquirer) Remember(ctx context.Context, p *principal.Principal, rec *Record) ([]Key, error) {
	if p == nil || rec == nil {
		return nil, errors.New("principal and record are required")
	}
	key := KeyFor(p, rec.Audience, rec.Scopes)
	if err := a.cache.Put(ctx, key, rec); err != nil {
		return nil, errors.Wrapf(err, "cache token")
	}
	keys := []Key{key}

	if rec.RefreshToken != "" {
		account := AccountKey(key.PrincipalID)
		if err := a.cache.Put(ctx, account, rec); err != nil {
			return nil, errors.Wrapf(err, "cache account token")
		}
		keys = append(keys, account)
	}
	log.Debug().Str("principal", key.PrincipalID).Str("audience", rec.Audience).Str("scopes", rec.Scopes.String()).Msg("token set cached")
	return keys, nil
}

// Forget removes cached records, e.g. the keys a session held at logout.
func (a *Acquirer) Forget(ctx context.Context, keys ...Key) error {
	for _, key := range keys {
		if err := a.cache.Delete(ctx, key); err != nil {
			return errors.Wrapf(err, "evict token")
		}
	}
	return nil
}

// lookup returns the cached record or nil on a miss.
func (a *Acquirer) lookup(ctx context.Context, key Key) (*Record, error) {
	rec, err := a.cache.Get(ctx, key)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read token cache")
	}
	return rec, nil
}

// singleFlight runs fn once per key. The exchange runs on a context detached from
// the first caller so that caller's cancellation does not fail everybody else;
// each caller still stops waiting when its own ctx ends.
func (a *Acquirer) singleFlight(ctx context.Context, key Key, fn func(context.Context, Key) (*Record, error)) (*Record, error) {
	ch := a.group.DoChan(key.String(), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.UpstreamTimeout)
		defer cancel()

		// Another flight may have stored a fresh record since our lookup.
		rec, err := a.lookup(callCtx, key)
		if err != nil {
			return nil, err
		}
		if rec.Live(a.now(), a.cfg.RefreshSkew) {
			return rec, nil
		}
		return fn(callCtx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Record), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Acquirer) refresh(ctx context.Context, key Key) (*Record, error) {
	refreshToken, err := a.refreshTokenFor(ctx, key)
	if err != nil {
		return nil, err
	}
	return a.exchange(ctx, key, oauthmodel.TokenRequest{
		GrantType:    oauthmodel.RefreshTokenGrant,
		RefreshToken: refreshToken,
		Scope:        key.Scopes.String(),
	}, refreshToken)
}

// refreshTokenFor prefers the key's own refresh token, then the account's.
// An expired record with no refresh token is evicted on the way.
func (a *Acquirer) refreshTokenFor(ctx context.Context, key Key) (string, error) {
	rec, err := a.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if rec != nil && rec.RefreshToken != "" {
		return rec.RefreshToken, nil
	}
	if rec != nil {
		if err := a.cache.Delete(ctx, key); err != nil {
			return "", errors.Wrapf(err, "evict expired token")
		}
	}

	if !key.IsAccount() && !isOnBehalfOf(key) {
		account, err := a.lookup(ctx, AccountKey(key.PrincipalID))
		if err != nil {
			return "", err
		}
		if account != nil && account.RefreshToken != "" {
			return account.RefreshToken, nil
		}
	}
	return "", errors.Wrapf(errors.ErrReauthenticationRequired, "no refresh token for %s", key.PrincipalID)
}

// exchange redeems req and stores the resulting record under key. Nothing is
// written unless the exchange fully succeeds.
func (a *Acquirer) exchange(ctx context.Context, key Key, req oauthmodel.TokenRequest, previousRefreshToken string) (*Record, error) {
	issuedAt := a.now()
	resp, err := a.redeemer.Redeem(ctx, req)
	if err != nil {
		var oauthErr *oauthmodel.ErrorResponse
		if errors.As(err, &oauthErr) && oauthErr.RequiresInteraction() {
			if key.PrincipalID != "" && !isOnBehalfOf(key) {
				_ = a.Forget(ctx, key, AccountKey(key.PrincipalID))
			}
			return nil, errors.Join(errors.ErrReauthenticationRequired, err)
		}
		return nil, errors.Wrapf(err, "%s grant", req.GrantType)
	}

	rec := NewRecord(*resp, issuedAt, key.Audience, key.Scopes)
	rec.ExpiresAt = Expiry(*resp, issuedAt, a.cfg.DefaultLifetime)
	if !rec.Live(a.now(), 0) {
		return nil, errors.Wrapf(errors.ErrUpstreamUnavailable, "%s grant returned an access token that is already expired", req.GrantType)
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = previousRefreshToken
	}
	if err := a.cache.Put(ctx, key, rec); err != nil {
		return nil, errors.Wrapf(err, "cache token")
	}
	if rec.RefreshToken != "" && rec.RefreshToken != previousRefreshToken && !isOnBehalfOf(key) && !key.IsAccount() {
		if err := a.cache.Put(ctx, AccountKey(key.PrincipalID), rec); err != nil {
			return nil, errors.Wrapf(err, "cache account token")
		}
	}

	log.Debug().Str("principal", key.PrincipalID).Str("audience", key.Audience).
		Str("grant_type", string(req.GrantType)).Time("expires_at", rec.ExpiresAt).Msg("token acquired")
	return rec, nil
}

func isOnBehalfOf(key Key) bool {
	return strings.HasPrefix(key.PrincipalID, oboPrincipalPrefix)
}
