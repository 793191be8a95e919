package token_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/oauthmodel"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/stretchr/testify/require"
)

const downstream = "https://graph.example.com"

// fakeRedeemer counts token endpoint calls and answers with respond.
type fakeRedeemer struct {
	calls   atomic.Int32
	delay   time.Duration
	respond func(ctx context.Context, n int32, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error)

	mu       sync.Mutex
	requests []oauthmodel.TokenRequest
}

func (f *fakeRedeemer) Redeem(ctx context.Context, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.respond(ctx, n, req)
}

func (f *fakeRedeemer) lastRequest() oauthmodel.TokenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func issue(_ context.Context, n int32, _ oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
	return &oauthmodel.TokenResponse{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		ExpiresIn:    3600,
		TokenType:    "Bearer",
	}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type acquirerFixture struct {
	cache    *token.InMemoryCache
	redeemer *fakeRedeemer
	acquirer *token.Acquirer
	clock    *clock
	user     *principal.Principal
}

func newAcquirerFixture(t *testing.T) *acquirerFixture {
	t.Helper()
	f := &acquirerFixture{
		cache:    token.NewInMemoryCache(),
		redeemer: &fakeRedeemer{respond: issue},
		clock:    &clock{now: time.Now()},
	}
	f.acquirer = token.NewAcquirer(f.cache, f.redeemer, token.AcquirerConfig{
		RefreshSkew:        time.Second,
		UpstreamTimeout:    2 * time.Second,
		OnBehalfOfAudience: downstream,
	})
	f.acquirer.SetClock(f.clock.Now)

	user, err := principal.FromClaims(principal.MethodInteractive, map[string]string{
		"sub": "user-1", "tid": "tenant-1", "iss": "https://issuer", "aud": "client-1", "exp": "4102444800",
	})
	require.NoError(t, err)
	f.user = user
	return f
}

func (f *acquirerFixture) remember(t *testing.T, scopes scope.Set, expiresAt time.Time, refreshToken string) {
	t.Helper()
	_, err := f.acquirer.Remember(context.Background(), f.user, &token.Record{
		AccessToken:  "initial-access",
		RefreshToken: refreshToken,
		IssuedAt:     f.clock.Now(),
		ExpiresAt:    expiresAt,
		Audience:     downstream,
		Scopes:       scopes,
	})
	require.NoError(t, err)
}

func TestGetTokenServesLiveRecordFromCache(t *testing.T) {
	f := newAcquirerFixture(t)
	scopes := scope.New("User.Read")
	f.remember(t, scopes, f.clock.Now().Add(time.Hour), "rt")

	rec, err := f.acquirer.GetToken(context.Background(), f.user, scope.Parse("User.Read"), downstream)
	require.NoError(t, err)
	require.Equal(t, "initial-access", rec.AccessToken)
	require.Zero(t, f.redeemer.calls.Load())
}

func TestGetTokenSingleFlight(t *testing.T) {
	f := newAcquirerFixture(t)
	f.redeemer.delay = 100 * time.Millisecond
	scopes := scope.New("User.Read")
	f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "rt-0")

	const callers = 32
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*token.Record, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, f.redeemer.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "access-1", results[i].AccessToken)
	}
	req := f.redeemer.lastRequest()
	require.Equal(t, oauthmodel.RefreshTokenGrant, req.GrantType)
	require.Equal(t, "rt-0", req.RefreshToken)
	require.Equal(t, "User.Read", req.Scope)
}

func TestGetTokenSingleFlightSharesFailure(t *testing.T) {
	f := newAcquirerFixture(t)
	f.redeemer.delay = 100 * time.Millisecond
	f.redeemer.respond = func(context.Context, int32, oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
		return nil, errors.Join(errors.ErrUpstreamUnavailable, fmt.Errorf("token endpoint returned status 503"))
	}
	scopes := scope.New("User.Read")
	f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "rt-0")

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, f.redeemer.calls.Load())
	for _, err := range errs {
		require.ErrorIs(t, err, errors.ErrUpstreamUnavailable)
	}

	rec, err := f.cache.Get(context.Background(), token.KeyFor(f.user, downstream, scopes))
	require.NoError(t, err)
	require.Equal(t, "initial-access", rec.AccessToken)
}

func TestGetTokenNeverReturnsExpiredRecord(t *testing.T) {
	f := newAcquirerFixture(t)
	scopes := scope.New("User.Read")
	f.remember(t, scopes, f.clock.Now().Add(10*time.Minute), "rt-0")

	rec, err := f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
	require.NoError(t, err)
	require.Equal(t, "initial-access", rec.AccessToken)
	require.Zero(t, f.redeemer.calls.Load())

	f.clock.Advance(11 * time.Minute)

	rec, err = f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
	require.NoError(t, err)
	require.Equal(t, "access-1", rec.AccessToken)
	require.True(t, rec.ExpiresAt.After(f.clock.Now()))
	require.EqualValues(t, 1, f.redeemer.calls.Load())

	_, err = f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
	require.NoError(t, err)
	require.EqualValues(t, 1, f.redeemer.calls.Load())
}

func TestGetTokenWithoutExpiresIn(t *testing.T) {
	scopes := scope.New("User.Read")
	signed := func(t *testing.T, exp time.Time) string {
		t.Helper()
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("test-key"))
		require.NoError(t, err)
		return raw
	}

	t.Run("opaque token gets the default lifetime", func(t *testing.T) {
		f := newAcquirerFixture(t)
		f.redeemer.respond = func(context.Context, int32, oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
			return &oauthmodel.TokenResponse{AccessToken: "a", RefreshToken: "r"}, nil
		}
		f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "rt-0")

		rec, err := f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
		require.NoError(t, err)
		require.Equal(t, "a", rec.AccessToken)
		require.True(t, rec.Live(f.clock.Now(), 0))
		require.Equal(t, f.clock.Now().Add(token.DefaultLifetime), rec.ExpiresAt)

		_, err = f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
		require.NoError(t, err)
		require.EqualValues(t, 1, f.redeemer.calls.Load())
	})

	t.Run("exp claim is used", func(t *testing.T) {
		f := newAcquirerFixture(t)
		exp := f.clock.Now().Add(20 * time.Minute)
		access := signed(t, exp)
		f.redeemer.respond = func(context.Context, int32, oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
			return &oauthmodel.TokenResponse{AccessToken: access, RefreshToken: "r"}, nil
		}
		f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "rt-0")

		rec, err := f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
		require.NoError(t, err)
		require.Equal(t, exp.Unix(), rec.ExpiresAt.Unix())
	})

	t.Run("already expired token is not returned", func(t *testing.T) {
		f := newAcquirerFixture(t)
		access := signed(t, f.clock.Now().Add(-time.Minute))
		f.redeemer.respond = func(context.Context, int32, oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
			return &oauthmodel.TokenResponse{AccessToken: access, RefreshToken: "r"}, nil
		}
		f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "rt-0")

		rec, err := f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
		require.ErrorIs(t, err, errors.ErrUpstreamUnavailable)
		require.Nil(t, rec)

		cached, err := f.cache.Get(context.Background(), token.KeyFor(f.user, downstream, scopes))
		require.NoError(t, err)
		require.Equal(t, "initial-access", cached.AccessToken)
	})
}

func TestGetTokenWithoutRefreshToken(t *testing.T) {
	f := newAcquirerFixture(t)
	scopes := scope.New("User.Read")
	f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "")

	_, err := f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
	require.ErrorIs(t, err, errors.ErrReauthenticationRequired)
	require.Zero(t, f.redeemer.calls.Load())

	_, err = f.cache.Get(context.Background(), token.KeyFor(f.user, downstream, scopes))
	require.ErrorIs(t, err, errors.ErrNotFound)

	t.Run("never signed in", func(t *testing.T) {
		_, err := f.acquirer.GetToken(context.Background(), f.user, scope.New("Mail.Read"), downstream)
		require.ErrorIs(t, err, errors.ErrReauthenticationRequired)
	})

	t.Run("no principal", func(t *testing.T) {
		_, err := f.acquirer.GetToken(context.Background(), nil, scopes, downstream)
		require.ErrorIs(t, err, errors.ErrUnauthenticated)
	})
}

func TestGetTokenRedeemsAccountRefreshTokenForNewScopes(t *testing.T) {
	f := newAcquirerFixture(t)
	f.remember(t, scope.New("openid", "offline_access"), f.clock.Now().Add(time.Hour), "account-rt")

	rec, err := f.acquirer.GetToken(context.Background(), f.user, scope.New("User.Read"), downstream)
	require.NoError(t, err)
	require.Equal(t, "access-1", rec.AccessToken)
	require.Equal(t, "account-rt", f.redeemer.lastRequest().RefreshToken)

	account, err := f.cache.Get(context.Background(), token.AccountKey(f.user.ID().String()))
	require.NoError(t, err)
	require.Equal(t, "refresh-1", account.RefreshToken)
}

func TestGetTokenInvalidGrantRequiresReauthentication(t *testing.T) {
	f := newAcquirerFixture(t)
	f.redeemer.respond = func(context.Context, int32, oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
		return nil, &oauthmodel.ErrorResponse{Code: oauthmodel.ErrorInvalidGrant, Description: "refresh token revoked"}
	}
	scopes := scope.New("User.Read")
	f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "revoked")

	_, err := f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
	require.ErrorIs(t, err, errors.ErrReauthenticationRequired)

	_, err = f.cache.Get(context.Background(), token.AccountKey(f.user.ID().String()))
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestGetTokenUpstreamTimeoutDoesNotCommit(t *testing.T) {
	f := newAcquirerFixture(t)
	f.acquirer = token.NewAcquirer(f.cache, f.redeemer, token.AcquirerConfig{UpstreamTimeout: 50 * time.Millisecond})
	f.acquirer.SetClock(f.clock.Now)
	f.redeemer.delay = time.Second
	scopes := scope.New("User.Read")
	f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "rt-0")

	_, err := f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := f.cache.Get(context.Background(), token.KeyFor(f.user, downstream, scopes))
	require.NoError(t, err)
	require.Equal(t, "initial-access", rec.AccessToken)
}

func TestGetTokenCallerCancellation(t *testing.T) {
	f := newAcquirerFixture(t)
	f.redeemer.delay = 200 * time.Millisecond
	scopes := scope.New("User.Read")
	f.remember(t, scopes, f.clock.Now().Add(-time.Minute), "rt-0")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.acquirer.GetToken(ctx, f.user, scopes, downstream)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned exchange still completes for the next caller.
	rec, err := f.acquirer.GetToken(context.Background(), f.user, scopes, downstream)
	require.NoError(t, err)
	require.Equal(t, "access-1", rec.AccessToken)
	require.EqualValues(t, 1, f.redeemer.calls.Load())
}

func TestAcquireOnBehalfOf(t *testing.T) {
	f := newAcquirerFixture(t)
	scopes := scope.New("https://graph.example.com/User.Read")

	rec, err := f.acquirer.AcquireOnBehalfOf(context.Background(), "user-assertion", scopes)
	require.NoError(t, err)
	require.Equal(t, "access-1", rec.AccessToken)
	require.Equal(t, downstream, rec.Audience)

	req := f.redeemer.lastRequest()
	require.Equal(t, oauthmodel.JWTBearerGrant, req.GrantType)
	require.Equal(t, "user-assertion", req.Assertion)
	require.Equal(t, oauthmodel.RequestedTokenUseOnBehalfOf, req.RequestedTokenUse)

	again, err := f.acquirer.AcquireOnBehalfOf(context.Background(), "user-assertion", scopes)
	require.NoError(t, err)
	require.Equal(t, rec.AccessToken, again.AccessToken)
	require.EqualValues(t, 1, f.redeemer.calls.Load())

	_, err = f.acquirer.AcquireOnBehalfOf(context.Background(), "other-assertion", scopes)
	require.NoError(t, err)
	require.EqualValues(t, 2, f.redeemer.calls.Load())

	_, err = f.acquirer.AcquireOnBehalfOf(context.Background(), "", scopes)
	require.ErrorIs(t, err, errors.ErrInvalidToken)
}

func TestForget(t *testing.T) {
	f := newAcquirerFixture(t)
	keys, err := f.acquirer.Remember(context.Background(), f.user, &token.Record{
		AccessToken: "a", RefreshToken: "r", ExpiresAt: f.clock.Now().Add(time.Hour), Audience: downstream, Scopes: scope.New("User.Read"),
	})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, 2, f.cache.Len())

	require.NoError(t, f.acquirer.Forget(context.Background(), keys...))
	require.Zero(t, f.cache.Len())
}
