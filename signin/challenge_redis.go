package signin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/redis/go-redis/v9"
)

const defaultChallengeKeyPrefix = "broker:challenges:"

// RedisChallengeStore lets the callback land on a different broker instance
// than the one that issued the redirect.
type RedisChallengeStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ ChallengeStore = (*RedisChallengeStore)(nil)

func NewRedisChallengeStore(client redis.UniversalClient, keyPrefix string) *RedisChallengeStore {
	if keyPrefix == "" {
		keyPrefix = defaultChallengeKeyPrefix
	}
	return &RedisChallengeStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisChallengeStore) Put(ctx context.Context, c *Challenge) error {
	if c == nil {
		return errors.New("challenge cannot be nil")
	}
	if c.State == "" {
		return errors.New("state cannot be empty")
	}
	ttl := time.Until(c.ExpiresAt)
	if ttl <= 0 {
		return errors.New("challenge already expired")
	}

	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "encode challenge")
	}
	if err := s.client.Set(ctx, s.keyPrefix+c.State, data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set challenge")
	}
	return nil
}

func (s *RedisChallengeStore) Take(ctx context.Context, state string) (*Challenge, error) {
	if state == "" {
		return nil, errors.ErrNotFound
	}
	data, err := s.client.GetDel(ctx, s.keyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Wrapf(err, "redis take challenge")
	}

	var c Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "decode challenge")
	}
	return &c, nil
}
