package token

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/oauthmodel"
	"github.com/jrsteele09/go-auth-broker/scope"
	"golang.org/x/crypto/blake2b"
)

// AnyAudience marks the account-level key that holds a principal's refresh token.
const AnyAudience = "*"

// DefaultLifetime is assumed for an access token when the token response
// omits expires_in and the token carries no readable exp claim.
const DefaultLifetime = time.Hour

const keySeparator = "|"

// Record is a cached token set. Records are never mutated after they are
// stored; a refresh stores a new Record under the same Key.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Audience     string    `json:"audience"`
	Scopes       scope.Set `json:"scopes"`
}

// NewRecord converts a token endpoint response. The granted scope falls back
// to the requested scope when the server omits it, and the expiry is derived
// by Expiry with DefaultLifetime.
func NewRecord(resp oauthmodel.TokenResponse, issuedAt time.Time, audience string, requested scope.Set) *Record {
	granted := scope.Parse(resp.Scope)
	if granted.IsEmpty() {
		granted = requested
	}
	return &Record{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		IssuedAt:     issuedAt,
		ExpiresAt:    Expiry(resp, issuedAt, DefaultLifetime),
		Audience:     audience,
		Scopes:       granted,
	}
}

// Expiry is when the access token in resp stops being usable. expires_in wins
// when the server sent it; otherwise the token's own exp claim is read without
// verification, and an opaque token is given fallback from issuedAt.
func Expiry(resp oauthmodel.TokenResponse, issuedAt time.Time, fallback time.Duration) time.Time {
	if resp.ExpiresIn > 0 {
		return issuedAt.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if exp, ok := accessTokenExpiry(resp.AccessToken); ok {
		return exp
	}
	if fallback <= 0 {
		fallback = DefaultLifetime
	}
	return issuedAt.Add(fallback)
}

func accessTokenExpiry(raw string) (time.Time, bool) {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Live reports whether the access token can still be handed out at now,
// treating it as expired skew early.
func (r *Record) Live(now time.Time, skew time.Duration) bool {
	return r != nil && r.AccessToken != "" && now.Add(skew).Before(r.ExpiresAt)
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{Audience: %s, Scopes: %q, ExpiresAt: %s, AccessToken: %s, RefreshToken: %t}",
		r.Audience, r.Scopes.String(), r.ExpiresAt.Format(time.RFC3339), Fingerprint(r.AccessToken), r.RefreshToken != "")
}

// Key addresses a Record: (principal id, audience, scope set).
type Key struct {
	PrincipalID string
	Audience    string
	Scopes      scope.Set
}

// AccountKey is where a principal's most recent refresh token is kept, so it can
// be redeemed for scope sets that have never been cached.
func AccountKey(principalID string) Key {
	return Key{PrincipalID: principalID, Audience: AnyAudience}
}

// String is the canonical storage form. Scope order does not affect it.
func (k Key) String() string {
	return k.PrincipalID + keySeparator + k.Audience + keySeparator + k.Scopes.String()
}

func (k Key) IsAccount() bool {
	return k.Audience == AnyAudience && k.Scopes.IsEmpty()
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, keySeparator)
	if len(parts) < 3 {
		return Key{}, errors.Wrapf(errors.ErrNotFound, "malformed token key")
	}
	n := len(parts)
	return Key{
		PrincipalID: strings.Join(parts[:n-2], keySeparator),
		Audience:    parts[n-2],
		Scopes:      scope.Parse(parts[n-1]),
	}, nil
}

// Fingerprint identifies token material in logs and cache keys without revealing it.
func Fingerprint(raw string) string {
	if raw == "" {
		return "<empty>"
	}
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}
