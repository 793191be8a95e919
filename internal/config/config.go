package config

import (
	"github.com/joeshaw/envdecode"
	"github.com/jrsteele09/go-auth-broker/clients"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
)

// CallbackPath is where the authorization server returns the browser.
const CallbackPath = "/auth/callback"

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
	CacheConfig

	// GetCredential is the broker's client registration, redirecting back to
	// BASE_URL + CallbackPath.
	GetCredential() clients.Credential
	Validate() error
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
	Cache
}

var _ Config = mainConfig{}

// Load decodes the configuration from the environment and validates it. Any
// failure wraps ErrMisconfigured and names the offending variable, never its
// value.
func Load() (Config, error) {
	var cfg mainConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, errors.Join(errors.ErrMisconfigured, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c mainConfig) GetCredential() clients.Credential {
	return clients.Credential{
		ID:          c.GetClientID(),
		Type:        clients.ClientTypeConfidential,
		Secret:      c.GetClientSecret(),
		Authority:   c.GetAuthority(),
		RedirectURL: c.GetBaseURL() + CallbackPath,
	}
}

func (c mainConfig) Validate() error {
	for _, validate := range []func() error{
		c.EnvVars.validate,
		c.OAuth.validate,
		c.Security.validate,
		c.Cache.validate,
	} {
		if err := validate(); err != nil {
			return err
		}
	}
	return c.GetCredential().Validate()
}

func misconfigured(format string, args ...any) error {
	return errors.Wrapf(errors.ErrMisconfigured, format, args...)
}
