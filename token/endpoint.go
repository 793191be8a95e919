package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jrsteele09/go-auth-broker/clients"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/oauthmodel"
	"github.com/rs/zerolog/log"
)

const (
	// maxResponseBodySize caps how much of a token endpoint response is read (1 MB).
	maxResponseBodySize = 1 << 20

	defaultHTTPTimeout = 30 * time.Second
	defaultMaxAttempts = 3
)

var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// EndpointClient posts grant requests to the authorization server's token endpoint
// on behalf of the broker's client credential.
type EndpointClient struct {
	tokenURL    string
	credential  clients.Credential
	httpClient  *http.Client
	maxAttempts uint
}

func NewEndpointClient(tokenURL string, credential clients.Credential, httpClient *http.Client, maxAttempts uint) *EndpointClient {
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &EndpointClient{
		tokenURL:    tokenURL,
		credential:  credential,
		httpClient:  httpClient,
		maxAttempts: maxAttempts,
	}
}

// Redeem sends req and decodes the token response. Network failures, 429 and 5xx
// answers, and temporarily_unavailable errors are retried with exponential backoff and surface as
// ErrUpstreamUnavailable once attempts run out. OAuth error responses are
// returned immediately as *oauthmodel.ErrorResponse.
func (c *EndpointClient) Redeem(ctx context.Context, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (*oauthmodel.TokenResponse, error) {
		return c.post(ctx, req)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("grant_type", string(req.GrantType)).Dur("retry_in", next).Msg("token endpoint request failed, retrying")
		}),
	)
}

func (c *EndpointClient) post(ctx context.Context, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
	form := req.Form()
	if c.credential.IsPublic() {
		form.Set("client_id", c.credential.ID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(errors.Wrapf(err, "build token request"))
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if !c.credential.IsPublic() {
		// RFC 6749 §2.3.1 requires form-encoding before base64.
		httpReq.SetBasicAuth(url.QueryEscape(c.credential.ID), url.QueryEscape(c.credential.Secret.Reveal()))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(errors.Join(errors.ErrUpstreamUnavailable, ctx.Err()))
		}
		return nil, errors.Join(errors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, errors.Join(errors.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, errors.Join(errors.ErrUpstreamUnavailable, fmt.Errorf("token endpoint returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		if oauthErr := parseOAuthError(body); oauthErr != nil {
			if oauthErr.Temporary() {
				return nil, errors.Join(errors.ErrUpstreamUnavailable, oauthErr)
			}
			return nil, backoff.Permanent(oauthErr)
		}
		return nil, backoff.Permanent(fmt.Errorf("token endpoint returned status %d", resp.StatusCode))
	}

	var tr oauthmodel.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, backoff.Permanent(errors.Wrapf(err, "decode token response"))
	}
	if tr.AccessToken == "" {
		return nil, backoff.Permanent(errors.New("token endpoint returned an empty access_token"))
	}
	return &tr, nil
}

func parseOAuthError(body []byte) *oauthmodel.ErrorResponse {
	var oauthErr oauthmodel.ErrorResponse
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Code == "" {
		return nil
	}
	return &oauthErr
}
