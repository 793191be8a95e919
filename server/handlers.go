package server

import (
	"net/http"
	"net/url"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/schemes"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/rs/zerolog"
)

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.AppName}}</title></head>
<body>
<h1>{{.AppName}}</h1>
{{if .SignedIn}}
<p>Signed in as <strong>{{.DisplayName}}</strong>.</p>
<ul>
<li><a href="{{.MeURL}}">Who am I</a></li>
{{if .Downstream}}<li><a href="{{.MeTokenURL}}">Downstream token</a></li>{{end}}
</ul>
<form method="post" action="{{.LogoutURL}}"><button type="submit">Sign out</button></form>
{{else}}
<p>You are not signed in.</p>
<p><a href="{{.LoginURL}}">Sign in</a></p>
{{end}}
</body>
</html>
`

// IndexPageData is rendered by the index page
type IndexPageData struct {
	AppName     string
	SignedIn    bool
	DisplayName string
	Downstream  bool
	LoginURL    string
	LogoutURL   string
	MeURL       string
	MeTokenURL  string
}

// IndexHandler renders the home page. Authentication is optional here.
func (s *Server) IndexHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := IndexPageData{
			AppName:    s.config.GetAppName(),
			Downstream: s.config.GetDownstreamAudience() != "",
			LoginURL:   RouteAuthLogin,
			LogoutURL:  RouteAuthLogout,
			MeURL:      RouteMe,
			MeTokenURL: RouteMeToken,
		}
		if res, err := s.services.Schemes.Authenticate(r, schemes.Interactive); err == nil {
			data.SignedIn = true
			data.DisplayName = res.Principal.DisplayName()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := s.index.Execute(w, data); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("render index")
		}
	}
}

// MeHandler returns the signed-in principal's username.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := schemes.FromContext(r.Context())
		if !ok {
			writeError(w, r, errors.ErrUnauthenticated)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"preferred_username": res.Principal.PreferredUsername(),
		})
	}
}

// MeTokenHandler acquires the downstream token for the signed-in user from
// the cache, refreshing it when needed, and describes it.
func (s *Server) MeTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := schemes.FromContext(r.Context())
		if !ok || res.Session == nil {
			writeError(w, r, errors.ErrUnauthenticated)
			return
		}
		audience := s.config.GetDownstreamAudience()
		if audience == "" {
			writeError(w, r, errors.Wrapf(errors.ErrNotFound, "no downstream API configured"))
			return
		}
		scopes := s.config.GetDownstreamScopes()
		p := res.Principal

		// A session only uses cache entries it was granted, directly or through
		// the account refresh token.
		key := token.KeyFor(p, audience, scopes)
		entitled := res.Session.Entitled(key)
		if !entitled && !res.Session.Entitled(token.AccountKey(p.ID().String())) {
			s.writeReauth(w, r, errors.Wrapf(errors.ErrReauthenticationRequired, "session holds no token for %s", audience))
			return
		}

		rec, err := s.services.Tokens.GetToken(r.Context(), p, scopes, audience)
		if err != nil {
			if errors.Is(err, errors.ErrReauthenticationRequired) {
				s.writeReauth(w, r, err)
				return
			}
			writeError(w, r, err)
			return
		}
		if !entitled {
			if err := s.services.Sessions.Grant(r.Context(), res.Credential, key); err != nil {
				writeError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, summarizeToken(rec))
	}
}

// writeReauth tells an interactive caller where to sign in again.
func (s *Server) writeReauth(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Info().Err(err).Msg("interactive sign-in required")
	stepUp := url.Values{}
	stepUp.Set("scope", s.config.GetDownstreamScopes().String())
	stepUp.Set("returnUrl", r.URL.RequestURI())
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "interaction_required",
		"error_description": "Sign in again to continue",
		"login_url":         RouteAuthStepUp + "?" + stepUp.Encode(),
	})
}

// PingHandler is the protected API endpoint.
func (s *Server) PingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}
}

// DownstreamHandler exchanges the caller's bearer token for a downstream
// token on behalf of the caller.
func (s *Server) DownstreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := schemes.FromContext(r.Context())
		if !ok || res.Scheme != schemes.Bearer {
			writeError(w, r, errors.ErrUnauthenticated)
			return
		}
		if s.config.GetDownstreamAudience() == "" {
			writeError(w, r, errors.Wrapf(errors.ErrNotFound, "no downstream API configured"))
			return
		}

		rec, err := s.services.Tokens.AcquireOnBehalfOf(r.Context(), res.Credential, s.config.GetDownstreamScopes())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summarizeToken(rec))
	}
}

// PreflightHandler answers CORS preflights that reach past CorsMiddleware.
func (s *Server) PreflightHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}
