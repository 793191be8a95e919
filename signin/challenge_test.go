package signin_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/signin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestChallengeStores(t *testing.T) {
	stores := map[string]func(t *testing.T) signin.ChallengeStore{
		"memory": func(*testing.T) signin.ChallengeStore { return signin.NewInMemoryChallengeStore() },
		"redis": func(t *testing.T) signin.ChallengeStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return signin.NewRedisChallengeStore(client, "test:challenges:")
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			now := time.Now().Truncate(time.Second)
			c := &signin.Challenge{
				State:     "state-1",
				Verifier:  "verifier",
				Nonce:     "nonce",
				ReturnURL: "/me",
				Scopes:    scope.New("openid", "api://downstream/user.read"),
				CreatedAt: now,
				ExpiresAt: now.Add(time.Minute),
			}
			require.NoError(t, store.Put(ctx, c))

			got, err := store.Take(ctx, "state-1")
			require.NoError(t, err)
			require.Equal(t, "verifier", got.Verifier)
			require.Equal(t, "nonce", got.Nonce)
			require.Equal(t, "/me", got.ReturnURL)
			require.True(t, c.Scopes.Equal(got.Scopes))
			require.True(t, c.ExpiresAt.Equal(got.ExpiresAt))

			_, err = store.Take(ctx, "state-1")
			require.ErrorIs(t, err, errors.ErrNotFound)
			_, err = store.Take(ctx, "")
			require.ErrorIs(t, err, errors.ErrNotFound)

			require.Error(t, store.Put(ctx, &signin.Challenge{}))
		})
	}
}

func TestRedisChallengesExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := signin.NewRedisChallengeStore(client, "")

	require.NoError(t, store.Put(context.Background(), &signin.Challenge{State: "s", ExpiresAt: time.Now().Add(time.Minute)}))
	mr.FastForward(2 * time.Minute)

	_, err := store.Take(context.Background(), "s")
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestInMemoryChallengeCleanup(t *testing.T) {
	store := signin.NewInMemoryChallengeStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &signin.Challenge{State: "stale", ExpiresAt: time.Now().Add(-time.Second)}))
	require.NoError(t, store.Put(ctx, &signin.Challenge{State: "live", ExpiresAt: time.Now().Add(time.Minute)}))

	require.Equal(t, 1, store.Cleanup())
	require.Equal(t, 1, store.Len())
	_, err := store.Take(ctx, "live")
	require.NoError(t, err)
}
