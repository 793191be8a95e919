package config

import (
	"net"
	"net/url"

	"github.com/jrsteele09/go-auth-broker/clients"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/tenants"
)

type OAuthConfig interface {
	GetAuthority() tenants.Authority
	GetClientID() string
	GetClientSecret() clients.Secret
	// GetScopes are requested at sign-in on top of the OpenID scopes.
	GetScopes() scope.Set
	// GetAPIAudience is the aud inbound bearer tokens must carry.
	GetAPIAudience() string
	// GetAPIScope is the scope the /api routes require.
	GetAPIScope() string
	GetDownstreamAudience() string
	GetDownstreamScopes() scope.Set
}

// OAuth holds the client registration. Scope lists are space separated.
type OAuth struct {
	Authority          string         `env:"AUTH_AUTHORITY,default=https://login.microsoftonline.com"`
	TenantID           string         `env:"AUTH_TENANT_ID,required"`
	ClientID           string         `env:"AUTH_CLIENT_ID,required"`
	ClientSecret       clients.Secret `env:"AUTH_CLIENT_SECRET,required"`
	Scopes             string         `env:"AUTH_SCOPES"`
	APIAudience        string         `env:"AUTH_API_AUDIENCE"`
	APIScope           string         `env:"AUTH_API_SCOPE,default=ping.read"`
	DownstreamAudience string         `env:"DOWNSTREAM_AUDIENCE"`
	DownstreamScopes   string         `env:"DOWNSTREAM_SCOPES"`
}

var _ OAuthConfig = OAuth{}

func (o OAuth) GetAuthority() tenants.Authority {
	return tenants.Authority{BaseURL: o.Authority, TenantID: o.TenantID}
}

func (o OAuth) GetClientID() string {
	return o.ClientID
}

func (o OAuth) GetClientSecret() clients.Secret {
	return o.ClientSecret
}

func (o OAuth) GetScopes() scope.Set {
	return scope.Parse(o.Scopes).Union(o.GetDownstreamScopes())
}

// GetAPIAudience defaults to the Entra style application id URI.
func (o OAuth) GetAPIAudience() string {
	if o.APIAudience == "" {
		return "api://" + o.ClientID
	}
	return o.APIAudience
}

func (o OAuth) GetAPIScope() string {
	return o.APIScope
}

func (o OAuth) GetDownstreamAudience() string {
	return o.DownstreamAudience
}

func (o OAuth) GetDownstreamScopes() scope.Set {
	return scope.Parse(o.DownstreamScopes)
}

func (o OAuth) validate() error {
	u, err := url.Parse(o.Authority)
	if err != nil || u.Host == "" {
		return misconfigured("AUTH_AUTHORITY must be an absolute URL")
	}
	if u.Scheme != "https" && !(u.Scheme == "http" && isLoopback(u.Hostname())) {
		return misconfigured("AUTH_AUTHORITY must use https")
	}
	if o.APIScope == "" {
		return misconfigured("AUTH_API_SCOPE must not be empty")
	}
	if (o.DownstreamAudience == "") != (o.DownstreamScopes == "") {
		return misconfigured("DOWNSTREAM_AUDIENCE and DOWNSTREAM_SCOPES must be set together")
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
