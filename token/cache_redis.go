package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "broker:tokens:"
	minRedisTTL           = time.Second
)

// RedisCache shares records between broker instances. Records are stored as
// JSON under prefix + Key.String() and expire grace after the access token does,
// which keeps refresh tokens redeemable for that long.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	grace     time.Duration
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(client redis.UniversalClient, keyPrefix string, grace time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, grace: grace}
}

func (c *RedisCache) redisKey(key Key) string {
	return c.keyPrefix + key.String()
}

func (c *RedisCache) Get(ctx context.Context, key Key) (*Record, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Wrapf(err, "redis get token")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode token record")
	}
	return &rec, nil
}

func (c *RedisCache) Put(ctx context.Context, key Key, rec *Record) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encode token record")
	}

	ttl := time.Until(rec.ExpiresAt) + c.grace
	if ttl < minRedisTTL {
		ttl = minRedisTTL
	}
	if err := c.client.Set(ctx, c.redisKey(key), data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set token")
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "redis delete token")
	}
	return nil
}
