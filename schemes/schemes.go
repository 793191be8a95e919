// Package schemes turns the credential carried by an inbound request into a
// principal. Each Scheme knows one credential transport; the Registry picks
// the first one a request carries.
package schemes

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/sessions"
)

// Name identifies a scheme. It matches the principal's AuthMethod.
type Name string

const (
	Interactive Name = Name(principal.MethodInteractive)
	Bearer      Name = Name(principal.MethodBearer)
)

// DefaultSessionCookie carries the opaque session token.
const DefaultSessionCookie = "broker_session"

// Result is an authenticated request.
type Result struct {
	Scheme    Name
	Principal *principal.Principal
	// Session is set for the interactive scheme.
	Session *sessions.Session
	// Credential is the raw session or bearer token, kept so the session can
	// be updated and the bearer token exchanged on behalf of the caller.
	// Never log it.
	Credential string
}

// Scheme authenticates one kind of credential.
type Scheme interface {
	Name() Name
	// Credential extracts the scheme's credential from r. ok is false when r
	// does not carry one, which lets the next scheme try.
	Credential(r *http.Request) (credential string, ok bool)
	Authenticate(ctx context.Context, credential string) (*Result, error)
}

// SessionScheme authenticates the session cookie against a sessions.Store.
type SessionScheme struct {
	store  sessions.Store
	cookie string
}

func NewSessionScheme(store sessions.Store, cookieName string) *SessionScheme {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	return &SessionScheme{store: store, cookie: cookieName}
}

func (s *SessionScheme) Name() Name { return Interactive }

func (s *SessionScheme) CookieName() string { return s.cookie }

func (s *SessionScheme) Credential(r *http.Request) (string, bool) {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (s *SessionScheme) Authenticate(ctx context.Context, credential string) (*Result, error) {
	sess, err := s.store.Get(ctx, credential)
	if err != nil {
		if errors.Is(err, errors.ErrSessionNotFound) || errors.Is(err, errors.ErrSessionExpired) {
			return nil, errors.Join(errors.ErrUnauthenticated, err)
		}
		return nil, errors.Wrapf(err, "load session")
	}
	return &Result{Scheme: Interactive, Principal: sess.Principal, Session: sess, Credential: credential}, nil
}

// TokenValidator is satisfied by *bearer.Validator.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*principal.Principal, error)
}

// BearerScheme authenticates "Authorization: Bearer <token>".
type BearerScheme struct {
	validator TokenValidator
}

func NewBearerScheme(v TokenValidator) *BearerScheme {
	return &BearerScheme{validator: v}
}

func (b *BearerScheme) Name() Name { return Bearer }

func (b *BearerScheme) Credential(r *http.Request) (string, bool) {
	return BearerToken(r)
}

func (b *BearerScheme) Authenticate(ctx context.Context, credential string) (*Result, error) {
	p, err := b.validator.Validate(ctx, credential)
	if err != nil {
		return nil, err
	}
	return &Result{Scheme: Bearer, Principal: p, Credential: credential}, nil
}

// BearerToken returns the token of an Authorization header using the Bearer
// scheme. The scheme name is case-insensitive. A bearer header with an empty
// token still counts as present.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// Registry holds the schemes configured at startup in priority order.
type Registry struct {
	order   []Name
	schemes map[Name]Scheme
}

// NewRegistry registers schemes; earlier schemes take priority.
func NewRegistry(schemes ...Scheme) (*Registry, error) {
	r := &Registry{schemes: make(map[Name]Scheme, len(schemes))}
	for _, s := range schemes {
		if _, exists := r.schemes[s.Name()]; exists {
			return nil, errors.Wrapf(errors.ErrMisconfigured, "scheme %q registered twice", s.Name())
		}
		r.schemes[s.Name()] = s
		r.order = append(r.order, s.Name())
	}
	if len(r.order) == 0 {
		return nil, errors.Wrapf(errors.ErrMisconfigured, "no authentication schemes")
	}
	return r, nil
}

func (r *Registry) Scheme(name Name) (Scheme, bool) {
	s, ok := r.schemes[name]
	return s, ok
}

// Authenticate runs the schemes, in priority order, whose credential req
// carries. A session cookie that names no live session makes the session
// scheme inapplicable and the next scheme is tried; any other failure is
// final. allowed restricts the schemes considered; none means all. With no
// applicable credential it returns ErrUnauthenticated.
func (r *Registry) Authenticate(req *http.Request, allowed ...Name) (*Result, error) {
	var stale error
	for _, name := range r.order {
		if len(allowed) > 0 && !slices.Contains(allowed, name) {
			continue
		}
		s := r.schemes[name]
		credential, ok := s.Credential(req)
		if !ok {
			continue
		}
		res, err := s.Authenticate(req.Context(), credential)
		if err != nil && (errors.Is(err, errors.ErrSessionNotFound) || errors.Is(err, errors.ErrSessionExpired)) {
			stale = err
			continue
		}
		return res, err
	}
	if stale != nil {
		return nil, stale
	}
	return nil, errors.Wrapf(errors.ErrUnauthenticated, "no credential")
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying res.
func NewContext(ctx context.Context, res *Result) context.Context {
	return context.WithValue(ctx, contextKey{}, res)
}

// FromContext returns the authentication result stored by NewContext.
func FromContext(ctx context.Context) (*Result, bool) {
	res, ok := ctx.Value(contextKey{}).(*Result)
	return res, ok && res != nil
}
