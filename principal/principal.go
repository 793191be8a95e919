package principal

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/internal/utils"
	"github.com/jrsteele09/go-auth-broker/scope"
)

// AuthMethod records how a principal proved its identity.
type AuthMethod string

const (
	MethodInteractive AuthMethod = "interactive"
	MethodBearer      AuthMethod = "bearer"
	MethodDevice      AuthMethod = "device"
)

// Claim names read by the broker
const (
	ClaimSubject           = "sub"
	ClaimIssuer            = "iss"
	ClaimAudience          = "aud"
	ClaimExpiry            = "exp"
	ClaimScope             = "scp"
	ClaimScopeAlt          = "scope"
	ClaimRoles             = "roles"
	ClaimTenant            = "tid"
	ClaimName              = "name"
	ClaimPreferredUsername = "preferred_username"
	ClaimUPN               = "upn"
	ClaimEmail             = "email"
	ClaimNonce             = "nonce"
)

var baseRequiredClaims = []string{ClaimSubject, ClaimIssuer, ClaimAudience, ClaimExpiry}

// ID identifies a principal across sign-ins: the subject within its tenant.
type ID struct {
	Subject string `json:"sub"`
	Tenant  string `json:"tid"`
}

func (id ID) String() string {
	return id.Tenant + "/" + id.Subject
}

// Principal is the authenticated identity produced by every scheme. It is
// immutable; a re-authentication builds a new one.
type Principal struct {
	id          ID
	displayName string
	claims      map[string]string
	method      AuthMethod
}

// New validates the required claims for method and builds a Principal.
// Claim values are flattened to strings; arrays become space-delimited.
func New(method AuthMethod, raw map[string]any) (*Principal, error) {
	claims := make(map[string]string, len(raw))
	for name, value := range raw {
		if s, ok := flatten(value); ok {
			claims[name] = s
		}
	}
	return FromClaims(method, claims)
}

// FromClaims is New for claims that are already flattened.
func FromClaims(method AuthMethod, claims map[string]string) (*Principal, error) {
	for _, name := range baseRequiredClaims {
		if claims[name] == "" {
			return nil, errors.Wrapf(errors.ErrInvalidToken, "missing required claim %q", name)
		}
	}
	if method == MethodBearer && claims[ClaimScope] == "" && claims[ClaimScopeAlt] == "" && claims[ClaimRoles] == "" {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "token carries neither %q nor %q", ClaimScope, ClaimRoles)
	}
	if _, err := strconv.ParseInt(claims[ClaimExpiry], 10, 64); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "claim %q is not a timestamp", ClaimExpiry)
	}

	tenant := claims[ClaimTenant]
	if tenant == "" {
		tenant = claims[ClaimIssuer]
	}

	p := &Principal{
		id:     ID{Subject: claims[ClaimSubject], Tenant: tenant},
		claims: maps.Clone(claims),
		method: method,
	}
	p.displayName = p.firstClaim(ClaimName, ClaimPreferredUsername, ClaimSubject)
	return p, nil
}

func (p *Principal) ID() ID { return p.id }

func (p *Principal) DisplayName() string { return p.displayName }

func (p *Principal) Method() AuthMethod { return p.method }

// Claim returns a single flattened claim value.
func (p *Principal) Claim(name string) (string, bool) {
	v, ok := p.claims[name]
	return v, ok
}

// Claims returns a copy of all claims.
func (p *Principal) Claims() map[string]string {
	return maps.Clone(p.claims)
}

// PreferredUsername falls back to upn and email for tokens that omit it.
func (p *Principal) PreferredUsername() string {
	return p.firstClaim(ClaimPreferredUsername, ClaimUPN, ClaimEmail)
}

// Scopes returns the delegated scopes granted to the principal.
func (p *Principal) Scopes() scope.Set {
	if scp := p.claims[ClaimScope]; scp != "" {
		return scope.Parse(scp)
	}
	return scope.Parse(p.claims[ClaimScopeAlt])
}

// Roles returns the application roles granted to the principal.
func (p *Principal) Roles() scope.Set {
	return scope.Parse(p.claims[ClaimRoles])
}

func (p *Principal) Audiences() []string {
	return strings.Fields(p.claims[ClaimAudience])
}

func (p *Principal) ExpiresAt() time.Time {
	exp, _ := strconv.ParseInt(p.claims[ClaimExpiry], 10, 64)
	return time.Unix(exp, 0)
}

func (p *Principal) firstClaim(names ...string) string {
	for _, name := range names {
		if v := p.claims[name]; v != "" {
			return v
		}
	}
	return ""
}

type principalJSON struct {
	ID          ID                `json:"id"`
	DisplayName string            `json:"display_name"`
	Method      AuthMethod        `json:"method"`
	Claims      map[string]string `json:"claims"`
}

func (p *Principal) MarshalJSON() ([]byte, error) {
	return json.Marshal(principalJSON{
		ID:          p.id,
		DisplayName: p.displayName,
		Method:      p.method,
		Claims:      p.claims,
	})
}

func (p *Principal) UnmarshalJSON(data []byte) error {
	var pj principalJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	p.id = pj.ID
	p.displayName = pj.DisplayName
	p.method = pj.Method
	p.claims = pj.Claims
	if p.claims == nil {
		p.claims = map[string]string{}
	}
	return nil
}

func flatten(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case []string:
		return strings.Join(v, " "), true
	case []any:
		return strings.Join(utils.ToStringSlice(v), " "), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), true
		}
		return string(b), true
	}
}
