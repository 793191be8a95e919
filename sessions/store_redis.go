package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "broker:sessions:"
	maxGrantAttempts      = 5
)

// RedisStore keeps sessions in Redis so any broker instance can serve a
// signed-in browser. Entries expire with the session.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ Store = (*RedisStore)(nil)

type sessionJSON struct {
	Principal *principal.Principal `json:"principal"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
	TokenKeys []string             `json:"token_keys,omitempty"`
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// SetClock replaces the time source, for tests. Not safe to call concurrently
// with store operations.
func (s *RedisStore) SetClock(now func() time.Time) { s.now = now }

func (s *RedisStore) redisKey(rawToken string) string {
	return s.keyPrefix + hashToken(rawToken)
}

func (s *RedisStore) Create(ctx context.Context, p *principal.Principal, ttl time.Duration) (*Session, error) {
	if p == nil {
		return nil, errors.New("principal cannot be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	raw, err := NewToken()
	if err != nil {
		return nil, errors.Wrapf(err, "generate session token")
	}

	now := s.now()
	sess := &Session{Principal: p, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	data, err := encodeSession(sess)
	if err != nil {
		return nil, err
	}

	created, err := s.client.SetNX(ctx, s.redisKey(raw), data, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis create session")
	}
	if !created {
		return nil, errors.Wrapf(errors.ErrInternal, "session token collision")
	}
	sess.Token = raw
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, rawToken string) (*Session, error) {
	if rawToken == "" {
		return nil, errors.ErrSessionNotFound
	}
	key := s.redisKey(rawToken)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.ErrSessionNotFound
		}
		return nil, errors.Wrapf(err, "redis get session")
	}
	sess, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return nil, errors.Wrapf(err, "redis delete expired session")
		}
		return nil, errors.ErrSessionExpired
	}
	return sess, nil
}

// Grant adds keys inside an optimistic transaction, retrying when another
// writer touched the session first.
func (s *RedisStore) Grant(ctx context.Context, rawToken string, keys ...token.Key) error {
	key := s.redisKey(rawToken)

	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return errors.ErrSessionNotFound
			}
			return errors.Wrapf(err, "redis get session")
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		ttl := sess.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return errors.ErrSessionExpired
		}

		sess.TokenKeys = mergeKeys(sess.TokenKeys, keys)
		if data, err = encodeSession(sess); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxGrantAttempts; attempt++ {
		err := s.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.Wrapf(errors.ErrInternal, "session grant kept conflicting")
}

func (s *RedisStore) Delete(ctx context.Context, rawToken string) (*Session, error) {
	data, err := s.client.GetDel(ctx, s.redisKey(rawToken)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.ErrSessionNotFound
		}
		return nil, errors.Wrapf(err, "redis delete session")
	}
	return decodeSession(data)
}

func encodeSession(sess *Session) ([]byte, error) {
	stored := sessionJSON{
		Principal: sess.Principal,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	}
	for _, k := range sess.TokenKeys {
		stored.TokenKeys = append(stored.TokenKeys, k.String())
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Wrapf(err, "encode session")
	}
	return data, nil
}

func decodeSession(data []byte) (*Session, error) {
	var stored sessionJSON
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.Wrapf(err, "decode session")
	}
	sess := &Session{
		Principal: stored.Principal,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}
	for _, raw := range stored.TokenKeys {
		k, err := token.ParseKey(raw)
		if err != nil {
			return nil, err
		}
		sess.TokenKeys = append(sess.TokenKeys, k)
	}
	return sess, nil
}
