package server

import (
	"net/http"
	"net/url"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/signin"
	"github.com/rs/zerolog"
)

// LoginHandler starts an interactive sign-in.
// GET /auth/login?returnUrl=/somewhere
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, err := s.services.SignIn.Challenge(r.Context(), scope.Set{}, r.URL.Query().Get("returnUrl"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler completes the sign-in. The authorization server returns
// with a query string, or with a form for response_mode=form_post.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, errors.Join(errors.ErrCallback, err))
			return
		}
		state := r.Form.Get("state")

		if code := r.Form.Get("error"); code != "" {
			err := s.services.SignIn.Abandon(r.Context(), state, code)
			zerolog.Ctx(r.Context()).Warn().Str("error_code", code).
				Str("error_description", r.Form.Get("error_description")).
				Msg("authorization server returned an error")
			writeError(w, r, err)
			return
		}

		sess, returnURL, err := s.services.SignIn.CompleteCallback(r.Context(), r.Form.Get("code"), state)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if previous := s.sessionToken(r); previous != "" {
			if err := s.services.SignIn.Replace(r.Context(), previous, sess); err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("previous session not retired")
			}
		}

		s.SetSessionCookie(w, r, sess.Token, sess.ExpiresAt)
		http.Redirect(w, r, returnURL, http.StatusFound)
	}
}

// LogoutHandler ends the session and sends the browser to the authorization
// server's end-session endpoint when it has one. It only answers POST so a
// cross-site link cannot sign the user out.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next, err := s.services.SignIn.Logout(r.Context(), s.sessionToken(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.ClearSessionCookie(w, r)
		http.Redirect(w, r, next, http.StatusSeeOther)
	}
}

// StepUpHandler re-challenges the signed-in user for additional scopes.
// GET /auth/stepup?scope=api://downstream/user.read&returnUrl=/me/token
func (s *Server) StepUpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		returnURL := signin.SafeReturnURL(q.Get("returnUrl"))

		authURL, err := s.services.SignIn.StepUp(r.Context(), s.sessionToken(r), scope.Parse(q.Get("scope")), returnURL)
		if errors.Is(err, errors.ErrUnauthenticated) {
			login := url.Values{}
			login.Set("returnUrl", returnURL)
			http.Redirect(w, r, RouteAuthLogin+"?"+login.Encode(), http.StatusFound)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}
