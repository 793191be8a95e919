package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-broker/device"
	"github.com/jrsteele09/go-auth-broker/internal/authtest"
	"github.com/jrsteele09/go-auth-broker/internal/discovery"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/stretchr/testify/require"
)

const (
	pollFloor   = 10 * time.Millisecond
	apiAudience = "api://downstream"
	apiScope    = "api://downstream/user.read"
)

type deviceFixture struct {
	as       *authtest.Server
	client   *device.Client
	cache    *token.InMemoryCache
	acquirer *token.Acquirer
}

func newDeviceFixture(t *testing.T, configure func(as *authtest.Server)) *deviceFixture {
	t.Helper()
	ctx := context.Background()

	as := authtest.NewServer(t)
	as.DeviceInterval = 0
	if configure != nil {
		configure(as)
	}

	doc, err := discovery.Discover(ctx, as.Issuer(), as.Client())
	require.NoError(t, err)

	cred := as.PublicCredential()
	cache := token.NewInMemoryCache()
	acquirer := token.NewAcquirer(cache, token.NewEndpointClient(doc.TokenEndpoint, cred, as.Client(), 1), token.AcquirerConfig{})

	client, err := device.NewClient(device.Config{
		Credential: cred,
		Endpoint:   doc.Endpoint(),
		PollFloor:  pollFloor,
		Audience:   apiAudience,
		Verifier:   doc.IDTokenVerifier(as.ClientID),
		HTTPClient: as.Client(),
	}, acquirer)
	require.NoError(t, err)

	return &deviceFixture{as: as, client: client, cache: cache, acquirer: acquirer}
}

func TestDeviceApprovedWhilePolling(t *testing.T) {
	f := newDeviceFixture(t, func(as *authtest.Server) {
		as.DeviceDecision = func(poll int) string {
			if poll < 3 {
				return authtest.DevicePending
			}
			return authtest.DeviceApprove
		}
	})
	ctx := context.Background()

	a, err := f.client.Initiate(ctx, scope.OpenID.Union(scope.New(apiScope)))
	require.NoError(t, err)
	require.NotEmpty(t, a.UserCode)
	require.NotEmpty(t, a.VerificationURI)
	require.Equal(t, pollFloor, a.Interval)
	require.Equal(t, device.Initiated, a.State())

	res, err := f.client.Poll(ctx, a)
	require.NoError(t, err)
	require.Equal(t, device.Approved, a.State())
	require.NotEmpty(t, res.Record.AccessToken)
	require.True(t, res.Record.Scopes.Equal(scope.New(apiScope)))

	require.NotNil(t, res.Principal)
	require.Equal(t, principal.MethodDevice, res.Principal.Method())
	require.Equal(t, f.as.User.PreferredUsername, res.Principal.PreferredUsername())
	require.NotEmpty(t, res.Keys)

	// The approved token set is served from the cache afterwards.
	rec, err := f.acquirer.GetToken(ctx, res.Principal, scope.New(apiScope), apiAudience)
	require.NoError(t, err)
	require.Equal(t, res.Record.AccessToken, rec.AccessToken)

	_, err = f.client.PollOnce(ctx, a)
	require.ErrorIs(t, err, errors.ErrDeviceFlow)
}

func TestDeviceExpiresByDeadline(t *testing.T) {
	f := newDeviceFixture(t, func(as *authtest.Server) {
		as.DeviceExpiresIn = 1
		as.DeviceDecision = func(int) string { return authtest.DevicePending }
	})
	ctx := context.Background()

	a, err := f.client.Initiate(ctx, scope.New("openid", apiScope))
	require.NoError(t, err)

	_, err = f.client.Poll(ctx, a)
	finished := time.Now()

	reason, ok := errors.DeviceReason(err)
	require.True(t, ok, "expected a device flow error, got %v", err)
	require.Equal(t, errors.DeviceExpired, reason)
	require.ErrorIs(t, err, errors.ErrDeviceFlow)
	require.Equal(t, device.Expired, a.State())
	require.WithinDuration(t, a.ExpiresAt, finished, 500*time.Millisecond)
	require.Zero(t, f.cache.Len())
}

func TestDeviceDenied(t *testing.T) {
	f := newDeviceFixture(t, func(as *authtest.Server) {
		as.DeviceDecision = func(poll int) string {
			if poll == 1 {
				return authtest.DevicePending
			}
			return authtest.DeviceDeny
		}
	})
	ctx := context.Background()

	a, err := f.client.Initiate(ctx, scope.New("openid", apiScope))
	require.NoError(t, err)

	_, err = f.client.Poll(ctx, a)
	reason, ok := errors.DeviceReason(err)
	require.True(t, ok)
	require.Equal(t, errors.DeviceDenied, reason)
	require.Equal(t, device.Denied, a.State())
	require.Zero(t, f.cache.Len())
}

func TestDevicePollOnce(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		f := newDeviceFixture(t, func(as *authtest.Server) {
			as.DeviceDecision = func(int) string { return authtest.DevicePending }
		})
		a, err := f.client.Initiate(context.Background(), scope.New(apiScope))
		require.NoError(t, err)

		_, err = f.client.PollOnce(context.Background(), a)
		require.ErrorIs(t, err, device.ErrPending)
		require.Equal(t, device.Initiated, a.State())
	})

	t.Run("slow down widens the interval", func(t *testing.T) {
		f := newDeviceFixture(t, func(as *authtest.Server) {
			as.DeviceDecision = func(int) string { return authtest.DeviceSlowDown }
		})
		a, err := f.client.Initiate(context.Background(), scope.New(apiScope))
		require.NoError(t, err)
		before := a.Interval

		_, err = f.client.PollOnce(context.Background(), a)
		reason, ok := errors.DeviceReason(err)
		require.True(t, ok)
		require.Equal(t, errors.DeviceSlowDown, reason)
		require.Equal(t, before+5*time.Second, a.Interval)
	})

	t.Run("no id token verifier", func(t *testing.T) {
		as := authtest.NewServer(t)
		doc, err := discovery.Discover(context.Background(), as.Issuer(), as.Client())
		require.NoError(t, err)
		client, err := device.NewClient(device.Config{
			Credential: as.PublicCredential(),
			Endpoint:   doc.Endpoint(),
			HTTPClient: as.Client(),
		}, nil)
		require.NoError(t, err)

		a, err := client.Initiate(context.Background(), scope.New("openid", apiScope))
		require.NoError(t, err)
		res, err := client.PollOnce(context.Background(), a)
		require.NoError(t, err)
		require.Nil(t, res.Principal)
		require.Empty(t, res.Keys)
		require.NotEmpty(t, res.Record.AccessToken)
	})
}

func TestDevicePollFloor(t *testing.T) {
	as := authtest.NewServer(t)
	as.DeviceInterval = 1
	doc, err := discovery.Discover(context.Background(), as.Issuer(), as.Client())
	require.NoError(t, err)

	serverPaced, err := device.NewClient(device.Config{Credential: as.PublicCredential(), Endpoint: doc.Endpoint(), PollFloor: pollFloor, HTTPClient: as.Client()}, nil)
	require.NoError(t, err)
	a, err := serverPaced.Initiate(context.Background(), scope.New(apiScope))
	require.NoError(t, err)
	require.Equal(t, time.Second, a.Interval)

	floored, err := device.NewClient(device.Config{Credential: as.PublicCredential(), Endpoint: doc.Endpoint(), PollFloor: 3 * time.Second, HTTPClient: as.Client()}, nil)
	require.NoError(t, err)
	a, err = floored.Initiate(context.Background(), scope.New(apiScope))
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, a.Interval)
}

func TestDeviceCancelled(t *testing.T) {
	f := newDeviceFixture(t, func(as *authtest.Server) {
		as.DeviceDecision = func(int) string { return authtest.DevicePending }
	})
	a, err := f.client.Initiate(context.Background(), scope.New(apiScope))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.client.Poll(ctx, a)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientRequiresDeviceEndpoint(t *testing.T) {
	_, err := device.NewClient(device.Config{}, nil)
	require.ErrorIs(t, err, errors.ErrMisconfigured)
}
