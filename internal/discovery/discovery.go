// Package discovery resolves an authorization server's endpoints from its
// OpenID Connect discovery document.
package discovery

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const maxDiscoveryAttempts = 3

// Metadata is the subset of the discovery document the broker consumes.
type Metadata struct {
	Issuer                      string   `json:"issuer"`
	AuthorizationEndpoint       string   `json:"authorization_endpoint"`
	TokenEndpoint               string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint string   `json:"device_authorization_endpoint"`
	JWKSURI                     string   `json:"jwks_uri"`
	EndSessionEndpoint          string   `json:"end_session_endpoint"`
	IDTokenSigningAlgs          []string `json:"id_token_signing_alg_values_supported"`
}

// Document couples the go-oidc provider with the raw endpoint metadata.
type Document struct {
	Metadata
	provider *oidc.Provider
}

// Discover fetches the discovery document for issuer. Transient failures are
// retried a bounded number of times before ErrUpstreamUnavailable is returned.
func Discover(ctx context.Context, issuer string, client *http.Client) (*Document, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxDiscoveryAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("issuer", issuer).Dur("retry_in", next).Msg("OIDC discovery failed")
		}),
	)
	if err != nil {
		return nil, errors.Join(errors.ErrUpstreamUnavailable, errors.Wrapf(err, "discover %s", issuer))
	}

	doc := &Document{provider: provider}
	if err := provider.Claims(&doc.Metadata); err != nil {
		return nil, errors.Wrapf(err, "decode discovery document")
	}

	var missing []string
	if doc.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if doc.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(errors.ErrMisconfigured, "discovery document missing %s", strings.Join(missing, ", "))
	}
	return doc, nil
}

// Endpoint returns the oauth2 endpoint set, including the device authorization URL.
func (d *Document) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:       d.AuthorizationEndpoint,
		TokenURL:      d.TokenEndpoint,
		DeviceAuthURL: d.DeviceAuthorizationEndpoint,
	}
}

// IDTokenVerifier verifies id tokens issued to clientID.
func (d *Document) IDTokenVerifier(clientID string) *oidc.IDTokenVerifier {
	return d.provider.Verifier(&oidc.Config{ClientID: clientID})
}
