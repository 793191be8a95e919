package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"slices"
	"time"

	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/token"
	"golang.org/x/crypto/blake2b"
)

const tokenBytes = 32

// Session is the outcome of a successful interactive sign-in, bound to the
// opaque token the browser presents in its cookie.
type Session struct {
	// Token is the raw session token. Stores only ever persist its hash, so
	// Token is populated on Create and left empty on reads.
	Token     string
	Principal *principal.Principal
	CreatedAt time.Time
	ExpiresAt time.Time
	// TokenKeys are the token cache entries this session may use.
	TokenKeys []token.Key
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Entitled reports whether key was granted to this session.
func (s *Session) Entitled(key token.Key) bool {
	want := key.String()
	return slices.ContainsFunc(s.TokenKeys, func(k token.Key) bool { return k.String() == want })
}

// Store owns sessions. Implementations are safe for concurrent use and update
// each session atomically.
//
// Get returns errors.ErrSessionNotFound for unknown tokens and
// errors.ErrSessionExpired for sessions past their expiry, which are removed.
type Store interface {
	Create(ctx context.Context, p *principal.Principal, ttl time.Duration) (*Session, error)
	Get(ctx context.Context, rawToken string) (*Session, error)
	Grant(ctx context.Context, rawToken string, keys ...token.Key) error
	// Delete removes the session and returns it so the caller can evict its
	// token keys. Deleting an unknown token returns errors.ErrSessionNotFound.
	Delete(ctx context.Context, rawToken string) (*Session, error)
}

// NewToken returns an unguessable URL-safe session token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashToken is the storage id for a raw token; a leaked store never yields
// usable cookies.
func hashToken(rawToken string) string {
	sum := blake2b.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

func mergeKeys(existing []token.Key, add []token.Key) []token.Key {
	out := slices.Clone(existing)
	for _, k := range add {
		s := k.String()
		if !slices.ContainsFunc(out, func(e token.Key) bool { return e.String() == s }) {
			out = append(out, k)
		}
	}
	return out
}
