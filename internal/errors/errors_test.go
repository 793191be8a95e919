package errors_test

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: http.StatusOK},
		{err: errors.ErrUnauthenticated, want: http.StatusUnauthorized},
		{err: errors.Wrapf(errors.ErrAudienceMismatch, "token for %s", "api://other"), want: http.StatusUnauthorized},
		{err: errors.Join(errors.ErrUnauthenticated, errors.ErrSessionExpired), want: http.StatusUnauthorized},
		{err: errors.ErrReauthenticationRequired, want: http.StatusUnauthorized},
		{err: errors.ErrInvalidState, want: http.StatusUnauthorized},
		{err: errors.Wrapf(errors.ErrAuthorizationDenied, "policy %q", "api"), want: http.StatusForbidden},
		{err: errors.ErrCallback, want: http.StatusBadRequest},
		{err: errors.NewDeviceFlowError(errors.DeviceDenied, nil), want: http.StatusBadRequest},
		{err: errors.Join(errors.ErrUpstreamUnavailable, stderrors.New("dial tcp")), want: http.StatusBadGateway},
		{err: errors.ErrNotFound, want: http.StatusNotFound},
		{err: errors.ErrMisconfigured, want: http.StatusInternalServerError},
		{err: stderrors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, errors.HTTPStatus(tt.err))
		})
	}
}

func TestJoin(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := errors.Join(errors.ErrUpstreamUnavailable, cause)
	require.ErrorIs(t, err, errors.ErrUpstreamUnavailable)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "upstream unavailable: connection refused", err.Error())

	require.Equal(t, errors.ErrInternal, errors.Join(errors.ErrInternal, nil))
	require.NoError(t, errors.Wrapf(nil, "context"))
}

func TestDeviceFlowError(t *testing.T) {
	cause := stderrors.New("expired_token")
	err := errors.Wrapf(errors.NewDeviceFlowError(errors.DeviceExpired, cause), "poll")

	require.ErrorIs(t, err, errors.ErrDeviceFlow)
	require.ErrorIs(t, err, cause)
	reason, ok := errors.DeviceReason(err)
	require.True(t, ok)
	require.Equal(t, errors.DeviceExpired, reason)
	require.Equal(t, "poll: device flow error: expired: expired_token", err.Error())

	_, ok = errors.DeviceReason(errors.ErrCallback)
	require.False(t, ok)
}
