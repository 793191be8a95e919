package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	IsDev() bool
	GetBaseURL() string
	GetLogLevel() zerolog.Level
}

type EnvVars struct {
	Port     string `env:"PORT,default=8080"`
	AppName  string `env:"APP_NAME,default=Go Auth Broker"`
	Env      string `env:"ENV,default=DEV"`
	BaseURL  string `env:"BASE_URL,default=http://localhost:8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.Port
	if port == "" {
		port = "8080"
	}
	if port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	if e.Env == "" {
		return "DEV"
	}
	return e.Env
}

func (e EnvVars) IsDev() bool {
	return e.GetEnv() == "DEV"
}

// GetBaseURL is the externally visible origin of the web app, without a
// trailing slash.
func (e EnvVars) GetBaseURL() string {
	return strings.TrimRight(e.BaseURL, "/")
}

// GetLogLevel falls back to info for an unparseable level; validate rejects
// those at startup.
func (e EnvVars) GetLogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(e.LogLevel))
	if err != nil || e.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

func (e EnvVars) validate() error {
	u, err := url.Parse(e.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return misconfigured("BASE_URL must be an absolute http(s) URL")
	}
	if e.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(e.LogLevel)); err != nil {
			return misconfigured("LOG_LEVEL is not a known level")
		}
	}
	return nil
}
