// Package policy decides whether an authenticated principal may perform an
// operation, based only on the scopes and roles it was granted.
package policy

import (
	"slices"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/rs/zerolog/log"
)

// Decision is the outcome of evaluating a Policy.
type Decision bool

const (
	Deny  Decision = false
	Allow Decision = true
)

func (d Decision) String() string {
	if d {
		return "allow"
	}
	return "deny"
}

// Policy names the grants an operation needs. A principal satisfies it when
// it holds at least one of Scopes or at least one of Roles. A policy naming
// neither admits any principal authenticated by one of Schemes.
type Policy struct {
	Name string
	// Schemes limits which authentication methods the policy admits. Empty
	// admits all of them.
	Schemes []principal.AuthMethod
	Scopes  scope.Set
	Roles   scope.Set
}

// RequireScope is a policy satisfied by any one of scopes.
func RequireScope(name string, scopes ...string) Policy {
	return Policy{Name: name, Scopes: scope.New(scopes...)}
}

// RequireRole is a policy satisfied by any one of roles.
func RequireRole(name string, roles ...string) Policy {
	return Policy{Name: name, Roles: scope.New(roles...)}
}

// ForSchemes returns a copy of p restricted to the given authentication methods.
func (p Policy) ForSchemes(methods ...principal.AuthMethod) Policy {
	p.Schemes = slices.Clone(methods)
	return p
}

// Evaluate is deterministic and does no I/O. A nil principal is denied.
func Evaluate(p *principal.Principal, pol Policy) Decision {
	if p == nil {
		return Deny
	}
	if len(pol.Schemes) > 0 && !slices.Contains(pol.Schemes, p.Method()) {
		return Deny
	}
	if pol.Scopes.IsEmpty() && pol.Roles.IsEmpty() {
		return Allow
	}
	if p.Scopes().Intersects(pol.Scopes) || p.Roles().Intersects(pol.Roles) {
		return Allow
	}
	return Deny
}

// Evaluator holds the named policies configured at startup.
type Evaluator struct {
	policies map[string]Policy
}

// NewEvaluator registers policies by name. Names must be unique and non-empty.
func NewEvaluator(policies ...Policy) (*Evaluator, error) {
	e := &Evaluator{policies: make(map[string]Policy, len(policies))}
	for _, pol := range policies {
		if pol.Name == "" {
			return nil, errors.Wrapf(errors.ErrMisconfigured, "policy without a name")
		}
		if _, exists := e.policies[pol.Name]; exists {
			return nil, errors.Wrapf(errors.ErrMisconfigured, "policy %q registered twice", pol.Name)
		}
		e.policies[pol.Name] = pol
	}
	return e, nil
}

func (e *Evaluator) Policy(name string) (Policy, bool) {
	pol, ok := e.policies[name]
	return pol, ok
}

// Authorize evaluates the named policy for p. It returns ErrUnauthenticated
// for a nil principal and ErrAuthorizationDenied when the policy denies.
// Asking for a policy that was never registered is a wiring bug and denies.
func (e *Evaluator) Authorize(p *principal.Principal, name string) error {
	if p == nil {
		return errors.ErrUnauthenticated
	}
	pol, ok := e.policies[name]
	if !ok {
		log.Error().Str("policy", name).Msg("authorization against unknown policy")
		return errors.Wrapf(errors.ErrAuthorizationDenied, "unknown policy %q", name)
	}

	decision := Evaluate(p, pol)
	log.Debug().Str("policy", name).Str("principal", p.ID().String()).Stringer("decision", decision).Msg("policy evaluated")
	if decision == Deny {
		return errors.Wrapf(errors.ErrAuthorizationDenied, "policy %q", name)
	}
	return nil
}
