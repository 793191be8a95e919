package signin

import (
	"context"
	"time"

	"github.com/jrsteele09/go-auth-broker/scope"
)

// Challenge is the server-side half of an outstanding authorization request.
// It is looked up by the state value the authorization server echoes back.
type Challenge struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	Nonce     string    `json:"nonce"`
	ReturnURL string    `json:"return_url"`
	Scopes    scope.Set `json:"scopes"`
	StepUp    bool      `json:"step_up,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChallengeStore holds challenges between the redirect and the callback.
//
// Take removes and returns the challenge in one step, so a state value can
// be redeemed at most once. It returns errors.ErrNotFound for unknown states.
type ChallengeStore interface {
	Put(ctx context.Context, c *Challenge) error
	Take(ctx context.Context, state string) (*Challenge, error)
}
