package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/internal/utils"
	"github.com/jrsteele09/go-auth-broker/schemes"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/rs/zerolog"
)

// ErrorResponse is the JSON body of every failed request. Descriptions are
// generic; the underlying error is only logged.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		logger.Warn().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, errorResponse(err, status))
}

func errorResponse(err error, status int) ErrorResponse {
	switch {
	case errors.Is(err, errors.ErrReauthenticationRequired):
		return ErrorResponse{Error: "interaction_required", ErrorDescription: "Sign in again to continue"}
	case errors.Is(err, errors.ErrInvalidState):
		return ErrorResponse{Error: "invalid_state", ErrorDescription: "The sign-in request is unknown or has expired"}
	case errors.Is(err, errors.ErrCallback):
		return ErrorResponse{Error: "sign_in_failed", ErrorDescription: "Sign-in could not be completed"}
	}

	switch status {
	case http.StatusUnauthorized:
		return ErrorResponse{Error: "unauthorized", ErrorDescription: "Authentication is required"}
	case http.StatusForbidden:
		return ErrorResponse{Error: "forbidden", ErrorDescription: "The caller is not allowed to do this"}
	case http.StatusBadRequest:
		return ErrorResponse{Error: "bad_request", ErrorDescription: "The request is invalid"}
	case http.StatusNotFound:
		return ErrorResponse{Error: "not_found", ErrorDescription: "Not found"}
	case http.StatusBadGateway:
		return ErrorResponse{Error: "upstream_unavailable", ErrorDescription: "The identity provider is unavailable"}
	default:
		return ErrorResponse{Error: "server_error", ErrorDescription: "Internal server error"}
	}
}

func (s *Server) sessionCookieName() string {
	if scheme, ok := s.services.Schemes.Scheme(schemes.Interactive); ok {
		if sc, ok := scheme.(*schemes.SessionScheme); ok {
			return sc.CookieName()
		}
	}
	return schemes.DefaultSessionCookie
}

func (s *Server) sessionToken(r *http.Request) string {
	c, err := r.Cookie(s.sessionCookieName())
	if err != nil {
		return ""
	}
	return c.Value
}

func (s *Server) SetSessionCookie(w http.ResponseWriter, r *http.Request, sessionToken string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessionCookieName(),
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.config.GetSecureCookies() || getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (s *Server) ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessionCookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.config.GetSecureCookies() || getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// TokenSummary describes an access token without disclosing it.
type TokenSummary struct {
	Audience  string         `json:"audience"`
	Scopes    []string       `json:"scopes"`
	ExpiresAt time.Time      `json:"expires_at"`
	Claims    map[string]any `json:"claims,omitempty"`
}

// summaryClaims are copied out of the access token. The token itself is
// never returned.
var summaryClaims = []string{"iss", "aud", "scp", "appid", "azp", "oid", "tid", "exp", "ver"}

func summarizeToken(rec *token.Record) TokenSummary {
	summary := TokenSummary{
		Audience:  rec.Audience,
		Scopes:    rec.Scopes.Strings(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}

	// The broker is not the token's audience, so the signature is not checked
	// here. Opaque tokens have no claims to show.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rec.AccessToken, claims); err != nil {
		return summary
	}
	summary.Claims = make(map[string]any, len(summaryClaims)+1)
	for _, name := range summaryClaims {
		if v, ok := claims[name]; ok {
			summary.Claims[name] = v
		}
	}
	if roles := utils.StringValues(claims["roles"]); len(roles) > 0 {
		summary.Claims["roles"] = roles
	}
	return summary
}
