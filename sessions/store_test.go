package sessions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/scope"
	"github.com/jrsteele09/go-auth-broker/sessions"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPrincipal(t *testing.T) *principal.Principal {
	t.Helper()
	p, err := principal.New(principal.MethodInteractive, map[string]any{
		"sub":                "user-1",
		"iss":                "https://login.example.com/tenant-1/v2.0",
		"aud":                "broker-client",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"tid":                "tenant-1",
		"preferred_username": "ada@example.com",
	})
	require.NoError(t, err)
	return p
}

type storeUnderTest interface {
	sessions.Store
	SetClock(func() time.Time)
}

func stores() map[string]func(t *testing.T) storeUnderTest {
	return map[string]func(t *testing.T) storeUnderTest{
		"memory": func(*testing.T) storeUnderTest { return sessions.NewInMemoryStore() },
		"redis": func(t *testing.T) storeUnderTest {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return sessions.NewRedisStore(client, "test:sessions:")
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			p := testPrincipal(t)

			sess, err := store.Create(ctx, p, time.Hour)
			require.NoError(t, err)
			require.NotEmpty(t, sess.Token)
			require.WithinDuration(t, sess.CreatedAt.Add(time.Hour), sess.ExpiresAt, 0)

			got, err := store.Get(ctx, sess.Token)
			require.NoError(t, err)
			require.Empty(t, got.Token)
			require.Equal(t, p.ID(), got.Principal.ID())
			require.Equal(t, "ada@example.com", got.Principal.PreferredUsername())
			require.Empty(t, got.TokenKeys)

			_, err = store.Get(ctx, "not-a-session")
			require.ErrorIs(t, err, errors.ErrSessionNotFound)
			_, err = store.Get(ctx, "")
			require.ErrorIs(t, err, errors.ErrSessionNotFound)

			deleted, err := store.Delete(ctx, sess.Token)
			require.NoError(t, err)
			require.Equal(t, p.ID(), deleted.Principal.ID())

			_, err = store.Get(ctx, sess.Token)
			require.ErrorIs(t, err, errors.ErrSessionNotFound)
			_, err = store.Delete(ctx, sess.Token)
			require.ErrorIs(t, err, errors.ErrSessionNotFound)
		})
	}
}

func TestStoreTokensAreUnique(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			seen := make(map[string]bool)
			for i := 0; i < 50; i++ {
				sess, err := store.Create(context.Background(), testPrincipal(t), time.Hour)
				require.NoError(t, err)
				require.False(t, seen[sess.Token])
				seen[sess.Token] = true
			}
		})
	}
}

func TestStoreExpiredSessionsAreNotRevived(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			clk := &clock{now: time.Now()}
			store.SetClock(clk.Now)

			sess, err := store.Create(ctx, testPrincipal(t), time.Minute)
			require.NoError(t, err)

			clk.Advance(time.Minute)
			_, err = store.Get(ctx, sess.Token)
			require.ErrorIs(t, err, errors.ErrSessionExpired)

			// Gone for good, even if the clock moved backwards.
			clk.Advance(-time.Hour)
			_, err = store.Get(ctx, sess.Token)
			require.ErrorIs(t, err, errors.ErrSessionNotFound)

			require.ErrorIs(t, store.Grant(ctx, sess.Token, token.AccountKey("p")), errors.ErrSessionNotFound)
		})
	}
}

func TestStoreGrant(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			sess, err := store.Create(ctx, testPrincipal(t), time.Hour)
			require.NoError(t, err)

			downstream := token.Key{PrincipalID: "tenant-1/user-1", Audience: "api://downstream", Scopes: scope.New("read")}
			account := token.AccountKey("tenant-1/user-1")

			require.NoError(t, store.Grant(ctx, sess.Token, downstream, account))
			require.NoError(t, store.Grant(ctx, sess.Token, downstream))

			got, err := store.Get(ctx, sess.Token)
			require.NoError(t, err)
			require.Len(t, got.TokenKeys, 2)
			require.True(t, got.Entitled(downstream))
			require.True(t, got.Entitled(account))
			require.False(t, got.Entitled(token.Key{PrincipalID: "tenant-1/user-2", Audience: "api://downstream", Scopes: scope.New("read")}))

			require.ErrorIs(t, store.Grant(ctx, "unknown", downstream), errors.ErrSessionNotFound)
		})
	}
}

func TestStoreConcurrentGrants(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			sess, err := store.Create(ctx, testPrincipal(t), time.Hour)
			require.NoError(t, err)

			scopes := []string{"a", "b", "c", "d"}
			var wg sync.WaitGroup
			errs := make([]error, len(scopes))
			for i, s := range scopes {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs[i] = store.Grant(ctx, sess.Token, token.Key{PrincipalID: "p", Audience: "aud", Scopes: scope.New(s)})
				}()
			}
			wg.Wait()

			for _, err := range errs {
				require.NoError(t, err)
			}
			got, err := store.Get(ctx, sess.Token)
			require.NoError(t, err)
			require.Len(t, got.TokenKeys, len(scopes))
		})
	}
}

func TestInMemoryStoreCleanup(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewInMemoryStore()
	clk := &clock{now: time.Now()}
	store.SetClock(clk.Now)

	_, err := store.Create(ctx, testPrincipal(t), time.Minute)
	require.NoError(t, err)
	live, err := store.Create(ctx, testPrincipal(t), time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, store.Cleanup())
	require.Equal(t, 1, store.Len())

	_, err = store.Get(ctx, live.Token)
	require.NoError(t, err)
}

func TestRedisStoreEntriesExpireWithSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := sessions.NewRedisStore(client, "test:sessions:")

	sess, err := store.Create(context.Background(), testPrincipal(t), time.Minute)
	require.NoError(t, err)

	mr.FastForward(time.Minute + time.Second)
	_, err = store.Get(context.Background(), sess.Token)
	require.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestRedisStoreDoesNotPersistRawToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := sessions.NewRedisStore(client, "test:sessions:")

	sess, err := store.Create(context.Background(), testPrincipal(t), time.Hour)
	require.NoError(t, err)

	for _, key := range mr.Keys() {
		require.NotContains(t, key, sess.Token)
		value, err := mr.Get(key)
		require.NoError(t, err)
		require.NotContains(t, value, sess.Token)
	}
}
