// Command deviceclient signs in with the device authorization grant and calls
// the broker's protected API with the resulting access token.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joeshaw/envdecode"
	"github.com/jrsteele09/go-auth-broker/clients"
	"github.com/jrsteele09/go-auth-broker/device"
	"github.com/jrsteele09/go-auth-broker/internal/discovery"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/tenants"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type deviceConfig struct {
	Authority string        `env:"AUTH_AUTHORITY,default=https://login.microsoftonline.com"`
	TenantID  string        `env:"AUTH_TENANT_ID,required"`
	ClientID  string        `env:"AUTH_CLIENT_ID,required"`
	Scopes    string        `env:"DEVICE_SCOPES,required"`
	Audience  string        `env:"DEVICE_AUDIENCE"`
	BrokerURL string        `env:"BROKER_URL,default=http://localhost:8080"`
	PollFloor time.Duration `env:"DEVICE_POLL_FLOOR,default=5s"`
	Timeout   time.Duration `env:"UPSTREAM_TIMEOUT,default=15s"`
	LogLevel  string        `env:"LOG_LEVEL,default=warn"`
}

func (c deviceConfig) credential() clients.Credential {
	return clients.Credential{
		ID:        c.ClientID,
		Type:      clients.ClientTypePublic,
		Authority: tenants.Authority{BaseURL: c.Authority, TenantID: c.TenantID},
	}
}

func main() {
	var cfg deviceConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	figure.NewFigure("device sign-in", "cybermedium", true).Print()
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &http.Client{Timeout: cfg.Timeout}, os.Stdout); err != nil {
		if reason, ok := errors.DeviceReason(err); ok {
			fmt.Fprintf(os.Stderr, "sign-in did not complete: %s\n", reason)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg deviceConfig, httpClient *http.Client, out io.Writer) error {
	cred := cfg.credential()
	if err := cred.Validate(); err != nil {
		return err
	}

	doc, err := discovery.Discover(ctx, cred.Authority.IssuerURL(), httpClient)
	if err != nil {
		return err
	}
	client, err := device.NewClient(device.Config{
		Credential: cred,
		Endpoint:   doc.Endpoint(),
		PollFloor:  cfg.PollFloor,
		Audience:   cfg.Audience,
		Verifier:   doc.IDTokenVerifier(cred.ID),
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		return err
	}

	auth, err := client.Initiate(ctx, scope.OpenID.Union(scope.Parse(cfg.Scopes)))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "To sign in, open %s and enter the code %s\n", auth.VerificationURI, auth.UserCode)
	if auth.VerificationURIComplete != "" {
		fmt.Fprintf(out, "Or open %s\n", auth.VerificationURIComplete)
	}
	fmt.Fprintf(out, "The code expires at %s\n", auth.ExpiresAt.Format(time.Kitchen))

	res, err := client.Poll(ctx, auth)
	if err != nil {
		return err
	}
	if res.Principal != nil {
		fmt.Fprintf(out, "Signed in as %s\n", res.Principal.DisplayName())
	}

	return ping(ctx, httpClient, strings.TrimRight(cfg.BrokerURL, "/")+"/api/ping", res.Record.AccessToken, out)
}

func ping(ctx context.Context, httpClient *http.Client, target, accessToken string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "GET %s: %s\n%s\n", target, resp.Status, body)
	return nil
}
