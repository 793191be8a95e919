package clients

import (
	"encoding/hex"
	"fmt"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/tenants"
	"golang.org/x/crypto/blake2b"
)

type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential" // Can keep secrets (server-side apps)
	ClientTypePublic       ClientType = "public"       // Cannot keep secrets (device and console apps)
)

const redacted = "[REDACTED]"

// Secret holds client secret material. Every formatting and encoding path
// redacts it; Reveal is the only way to read the value.
type Secret string

func (s Secret) Reveal() string { return string(s) }

func (s Secret) IsZero() bool { return s == "" }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Decode lets envdecode populate a Secret.
func (s *Secret) Decode(value string) error {
	*s = Secret(value)
	return nil
}

// Fingerprint identifies the secret in logs without disclosing it.
func (s Secret) Fingerprint() string {
	if s == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}

// Credential is the broker's own client registration with the authorization
// server. It is loaded once at startup and never changes.
type Credential struct {
	ID             string            `json:"id"`
	Type           ClientType        `json:"type"`
	Secret         Secret            `json:"secret"`
	CertificateRef string            `json:"certificateRef,omitempty"`
	Authority      tenants.Authority `json:"authority"`
	RedirectURL    string            `json:"redirectUrl,omitempty"`
}

// IsPublic returns true if the client is a public client
func (c Credential) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// Validate fails when a confidential credential has nothing to authenticate with.
func (c Credential) Validate() error {
	if c.ID == "" {
		return errors.Wrapf(errors.ErrMisconfigured, "client id is required")
	}
	if err := c.Authority.Validate(); err != nil {
		return err
	}
	if !c.IsPublic() && c.Secret.IsZero() && c.CertificateRef == "" {
		return errors.Wrapf(errors.ErrMisconfigured, "confidential client %q needs a secret or certificate", c.ID)
	}
	return nil
}

func (c Credential) String() string {
	return fmt.Sprintf("client(id=%s type=%s tenant=%s secret=%s)", c.ID, c.Type, c.Authority.TenantID, c.Secret.Fingerprint())
}
