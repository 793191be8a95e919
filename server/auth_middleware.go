package server

import (
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/schemes"
	"github.com/rs/zerolog"
)

// RequireAuth authenticates the request with the first applicable scheme out
// of allowed (all schemes when empty) and then evaluates the named policy.
// The authentication result is stored in the request context for handlers.
func (s *Server) RequireAuth(policyName string, allowed ...schemes.Name) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			res, err := s.services.Schemes.Authenticate(r, allowed...)
			if err != nil {
				s.writeAuthError(w, r, err, policyName)
				return
			}

			logger := zerolog.Ctx(r.Context()).With().
				Str("principal", res.Principal.ID().String()).
				Str("scheme", string(res.Scheme)).
				Logger()
			ctx := logger.WithContext(r.Context())

			if err := s.services.Policies.Authorize(res.Principal, policyName); err != nil {
				s.writeAuthError(w, r.WithContext(ctx), err, policyName)
				return
			}

			next(w, r.WithContext(schemes.NewContext(ctx, res)))
		}
	}
}

// writeAuthError answers a failed authentication or authorization. Bearer
// challenges follow RFC 6750: a presented but rejected token gets
// error="invalid_token" and a denied one error="insufficient_scope".
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error, policyName string) {
	_, presented := schemes.BearerToken(r)

	switch errors.HTTPStatus(err) {
	case http.StatusUnauthorized:
		challenge := "Bearer"
		if presented {
			challenge = `Bearer error="invalid_token"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
	case http.StatusForbidden:
		challenge := `Bearer error="insufficient_scope"`
		if pol, ok := s.services.Policies.Policy(policyName); ok && !pol.Scopes.IsEmpty() {
			challenge += fmt.Sprintf(`, scope="%s"`, pol.Scopes.String())
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}
	writeError(w, r, err)
}
