package config

import "time"

type CacheConfig interface {
	GetTokenRefreshSkew() time.Duration
	// GetTokenDefaultLifetime applies to access tokens whose response reports no expiry.
	GetTokenDefaultLifetime() time.Duration
	GetTokenCacheSweepInterval() time.Duration
	GetTokenCacheGrace() time.Duration
	GetJWKSRefreshInterval() time.Duration
	GetDevicePollFloor() time.Duration
	// GetRedisAddr is empty when the caches and stores live in memory.
	GetRedisAddr() string
	GetRedisKeyPrefix() string
}

type Cache struct {
	TokenRefreshSkew        time.Duration `env:"TOKEN_REFRESH_SKEW,default=2m"`
	TokenDefaultLifetime    time.Duration `env:"TOKEN_DEFAULT_LIFETIME,default=1h"`
	TokenCacheSweepInterval time.Duration `env:"TOKEN_CACHE_SWEEP_INTERVAL,default=5m"`
	TokenCacheGrace         time.Duration `env:"TOKEN_CACHE_GRACE,default=10m"`
	JWKSRefreshInterval     time.Duration `env:"JWKS_REFRESH_INTERVAL,default=1h"`
	DevicePollFloor         time.Duration `env:"DEVICE_POLL_FLOOR,default=5s"`
	RedisAddr               string        `env:"REDIS_ADDR"`
	RedisKeyPrefix          string        `env:"REDIS_KEY_PREFIX,default=broker:"`
}

var _ CacheConfig = Cache{}

func (c Cache) GetTokenRefreshSkew() time.Duration {
	return c.TokenRefreshSkew
}

func (c Cache) GetTokenDefaultLifetime() time.Duration {
	return c.TokenDefaultLifetime
}

func (c Cache) GetTokenCacheSweepInterval() time.Duration {
	return c.TokenCacheSweepInterval
}

func (c Cache) GetTokenCacheGrace() time.Duration {
	return c.TokenCacheGrace
}

func (c Cache) GetJWKSRefreshInterval() time.Duration {
	return c.JWKSRefreshInterval
}

func (c Cache) GetDevicePollFloor() time.Duration {
	return c.DevicePollFloor
}

func (c Cache) GetRedisAddr() string {
	return c.RedisAddr
}

func (c Cache) GetRedisKeyPrefix() string {
	return c.RedisKeyPrefix
}

func (c Cache) validate() error {
	if c.TokenRefreshSkew < 0 || c.TokenCacheGrace < 0 {
		return misconfigured("TOKEN_REFRESH_SKEW and TOKEN_CACHE_GRACE must not be negative")
	}
	if c.TokenDefaultLifetime <= 0 {
		return misconfigured("TOKEN_DEFAULT_LIFETIME must be positive")
	}
	if c.TokenCacheSweepInterval <= 0 {
		return misconfigured("TOKEN_CACHE_SWEEP_INTERVAL must be positive")
	}
	if c.JWKSRefreshInterval <= 0 {
		return misconfigured("JWKS_REFRESH_INTERVAL must be positive")
	}
	if c.DevicePollFloor <= 0 {
		return misconfigured("DEVICE_POLL_FLOOR must be positive")
	}
	return nil
}
