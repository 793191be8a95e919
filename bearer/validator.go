package bearer

import (
	"context"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/principal"
)

const defaultLeeway = 30 * time.Second

// KeySource resolves a token's signing key by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// Config describes which tokens a Validator accepts.
type Config struct {
	Issuers    []string
	Audiences  []string
	Algorithms []string
	Leeway     time.Duration
}

// Validator checks inbound bearer tokens and turns them into principals.
type Validator struct {
	keys   KeySource
	cfg    Config
	parser *jwt.Parser
}

func NewValidator(keys KeySource, cfg Config) (*Validator, error) {
	if len(cfg.Issuers) == 0 {
		return nil, errors.Wrapf(errors.ErrMisconfigured, "bearer validator needs at least one issuer")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.Wrapf(errors.ErrMisconfigured, "bearer validator needs at least one audience")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{"RS256"}
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultLeeway
	}

	return &Validator{
		keys: keys,
		cfg:  cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// Validate verifies the signature, expiry, issuer and audience of raw and
// returns the principal it asserts. Errors match ErrInvalidToken,
// ErrTokenExpired, ErrAudienceMismatch or, when signing keys cannot be
// fetched, ErrUpstreamUnavailable.
func (v *Validator) Validate(ctx context.Context, raw string) (*principal.Principal, error) {
	if raw == "" {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "empty token")
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, classify(err)
	}

	iss, err := claims.GetIssuer()
	if err != nil || !slices.Contains(v.cfg.Issuers, iss) {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "untrusted issuer")
	}

	aud, err := claims.GetAudience()
	if err != nil || !audIntersects(aud, v.cfg.Audiences) {
		return nil, errors.ErrAudienceMismatch
	}

	return principal.New(principal.MethodBearer, claims)
}

func classify(err error) error {
	switch {
	case errors.Is(err, errors.ErrUpstreamUnavailable), errors.Is(err, errors.ErrInvalidToken):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return errors.Join(errors.ErrTokenExpired, err)
	default:
		return errors.Join(errors.ErrInvalidToken, err)
	}
}

func audIntersects(tokenAud []string, accepted []string) bool {
	for _, a := range tokenAud {
		if slices.Contains(accepted, a) {
			return true
		}
	}
	return false
}
