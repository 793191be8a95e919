package config

import "time"

type SecurityConfig interface {
	GetMaxSessionAge() time.Duration
	GetChallengeTTL() time.Duration
	GetUpstreamTimeout() time.Duration
	// GetSecureCookies is false only for plain http development setups.
	GetSecureCookies() bool
}

type Security struct {
	MaxSessionAge   time.Duration `env:"SESSION_MAX_AGE,default=8h"`
	ChallengeTTL    time.Duration `env:"CHALLENGE_TTL,default=10m"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT,default=15s"`
	SecureCookies   bool          `env:"SECURE_COOKIES,default=true"`
}

var _ SecurityConfig = Security{}

func (s Security) GetMaxSessionAge() time.Duration {
	return s.MaxSessionAge
}

func (s Security) GetChallengeTTL() time.Duration {
	return s.ChallengeTTL
}

func (s Security) GetUpstreamTimeout() time.Duration {
	return s.UpstreamTimeout
}

func (s Security) GetSecureCookies() bool {
	return s.SecureCookies
}

func (s Security) validate() error {
	if s.MaxSessionAge <= 0 {
		return misconfigured("SESSION_MAX_AGE must be positive")
	}
	if s.ChallengeTTL <= 0 {
		return misconfigured("CHALLENGE_TTL must be positive")
	}
	if s.UpstreamTimeout <= 0 {
		return misconfigured("UPSTREAM_TIMEOUT must be positive")
	}
	return nil
}
