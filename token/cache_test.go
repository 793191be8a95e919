package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T, grace time.Duration) (*token.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return token.NewRedisCache(client, "test:tokens:", grace), mr
}

func TestCacheContract(t *testing.T) {
	caches := map[string]func(t *testing.T) token.Cache{
		"memory": func(*testing.T) token.Cache { return token.NewInMemoryCache() },
		"redis": func(t *testing.T) token.Cache {
			c, _ := newRedisCache(t, time.Hour)
			return c
		},
	}

	for name, newCache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cache := newCache(t)
			key := token.Key{PrincipalID: "tenant/user", Audience: "api://downstream", Scopes: scope.New("b", "a")}
			sameKey := token.Key{PrincipalID: "tenant/user", Audience: "api://downstream", Scopes: scope.Parse("a b a")}

			_, err := cache.Get(ctx, key)
			require.ErrorIs(t, err, errors.ErrNotFound)

			rec := &token.Record{
				AccessToken:  "access",
				RefreshToken: "refresh",
				IssuedAt:     time.Now().Truncate(time.Second),
				ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
				Audience:     "api://downstream",
				Scopes:       scope.New("a", "b"),
			}
			require.NoError(t, cache.Put(ctx, key, rec))

			got, err := cache.Get(ctx, sameKey)
			require.NoError(t, err)
			require.Equal(t, rec.AccessToken, got.AccessToken)
			require.Equal(t, rec.RefreshToken, got.RefreshToken)
			require.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
			require.True(t, rec.Scopes.Equal(got.Scopes))

			replacement := *rec
			replacement.AccessToken = "access-2"
			require.NoError(t, cache.Put(ctx, key, &replacement))
			got, err = cache.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, "access-2", got.AccessToken)

			require.NoError(t, cache.Delete(ctx, key))
			_, err = cache.Get(ctx, key)
			require.ErrorIs(t, err, errors.ErrNotFound)
		})
	}
}

func TestInMemoryCachePutCopies(t *testing.T) {
	cache := token.NewInMemoryCache()
	key := token.Key{PrincipalID: "p", Audience: "a"}
	rec := &token.Record{AccessToken: "original", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, cache.Put(context.Background(), key, rec))

	rec.AccessToken = "mutated"
	got, err := cache.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "original", got.AccessToken)
}

func TestInMemoryCacheSweep(t *testing.T) {
	cache := token.NewInMemoryCache()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, cache.Put(ctx, token.Key{PrincipalID: "live"}, &token.Record{ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, cache.Put(ctx, token.Key{PrincipalID: "recent"}, &token.Record{ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, cache.Put(ctx, token.Key{PrincipalID: "stale"}, &token.Record{ExpiresAt: now.Add(-2 * time.Hour)}))

	require.Equal(t, 1, cache.Sweep(time.Hour))
	require.Equal(t, 2, cache.Len())

	_, err := cache.Get(ctx, token.Key{PrincipalID: "recent"})
	require.NoError(t, err)
	_, err = cache.Get(ctx, token.Key{PrincipalID: "stale"})
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestInMemoryCacheSweeper(t *testing.T) {
	cache := token.NewInMemoryCache()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, cache.Put(ctx, token.Key{PrincipalID: "stale"}, &token.Record{ExpiresAt: time.Now().Add(-time.Hour)}))
	cache.StartSweeper(ctx, 10*time.Millisecond, time.Minute)

	require.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisCacheExpiresAfterGrace(t *testing.T) {
	cache, mr := newRedisCache(t, time.Minute)
	ctx := context.Background()
	key := token.Key{PrincipalID: "p", Audience: "a"}

	require.NoError(t, cache.Put(ctx, key, &token.Record{AccessToken: "x", ExpiresAt: time.Now().Add(time.Minute)}))

	mr.FastForward(90 * time.Second)
	_, err := cache.Get(ctx, key)
	require.NoError(t, err)

	mr.FastForward(time.Minute)
	_, err = cache.Get(ctx, key)
	require.ErrorIs(t, err, errors.ErrNotFound)
}
