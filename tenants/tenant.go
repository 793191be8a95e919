package tenants

import (
	"net/url"
	"strings"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
)

const entraHost = "login.microsoftonline.com"

// Authority is the authorization server instance for one tenant: the
// authority base URL (e.g. "https://login.microsoftonline.com") plus the tenant id.
type Authority struct {
	BaseURL  string `json:"baseUrl"`
	TenantID string `json:"tenantId"`
}

func (a Authority) Validate() error {
	if a.TenantID == "" {
		return errors.Wrapf(errors.ErrMisconfigured, "tenant id is required")
	}
	u, err := url.Parse(a.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return errors.Wrapf(errors.ErrMisconfigured, "authority %q is not an absolute URL", a.BaseURL)
	}
	return nil
}

// IssuerURL is the OIDC issuer used for discovery. Entra tenants publish
// their v2.0 metadata under "/{tenant}/v2.0"; other servers are used as given.
func (a Authority) IssuerURL() string {
	base := strings.TrimRight(a.BaseURL, "/")
	if a.isEntra() {
		return base + "/" + a.TenantID + "/v2.0"
	}
	return base
}

// AcceptedIssuers lists the iss values a bearer token from this tenant may carry.
// Entra issues v1.0 access tokens from sts.windows.net even to v2.0 apps.
func (a Authority) AcceptedIssuers() []string {
	issuers := []string{a.IssuerURL()}
	if a.isEntra() {
		issuers = append(issuers, "https://sts.windows.net/"+a.TenantID+"/")
	}
	return issuers
}

func (a Authority) isEntra() bool {
	u, err := url.Parse(a.BaseURL)
	return err == nil && strings.EqualFold(u.Host, entraHost)
}
