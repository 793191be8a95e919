package bearer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshInterval = time.Hour
	defaultMinRefreshGap   = 30 * time.Second
	defaultFetchTimeout    = 10 * time.Second
	defaultFetchAttempts   = 3

	maxJWKSBodySize = 1 << 20
)

// KeySetConfig configures a KeySet. Zero values pick defaults.
type KeySetConfig struct {
	JWKSURL string
	// RefreshInterval is how long fetched keys are trusted before a refetch.
	RefreshInterval time.Duration
	// MinRefreshGap stops tokens with unknown key ids from forcing a fetch more
	// often than this.
	MinRefreshGap time.Duration
	HTTPClient    *http.Client
	MaxAttempts   uint
}

// KeySet caches the authorization server's published signing keys. Lookups are
// served from memory; refreshes are single-flight and retried with backoff.
type KeySet struct {
	cfg   KeySetConfig
	group singleflight.Group
	now   func() time.Time

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
}

func NewKeySet(cfg KeySetConfig) *KeySet {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.MinRefreshGap <= 0 {
		cfg.MinRefreshGap = defaultMinRefreshGap
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultFetchAttempts
	}
	return &KeySet{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]jose.JSONWebKey),
	}
}

// Key returns the public key for kid, fetching the key set when it is stale or
// kid is unknown. A stale key is still used if the refetch fails.
func (ks *KeySet) Key(ctx context.Context, kid string) (any, error) {
	key, found, fresh, recentlyFetched := ks.lookup(kid)
	if found && fresh {
		return key.Key, nil
	}
	if !found && recentlyFetched {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "unknown signing key %q", kid)
	}

	if err := ks.Refresh(ctx); err != nil {
		if found {
			log.Warn().Err(err).Str("kid", kid).Msg("signing key refresh failed, using cached key")
			return key.Key, nil
		}
		return nil, err
	}

	if key, found, _, _ = ks.lookup(kid); !found {
		return nil, errors.Wrapf(errors.ErrInvalidToken, "unknown signing key %q", kid)
	}
	return key.Key, nil
}

// Refresh fetches the key set once, however many callers ask concurrently.
func (ks *KeySet) Refresh(ctx context.Context) error {
	ch := ks.group.DoChan("jwks", func() (any, error) {
		if ks.fetchedWithin(ks.cfg.MinRefreshGap) {
			return nil, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFetchTimeout*time.Duration(ks.cfg.MaxAttempts))
		defer cancel()
		return nil, ks.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ks *KeySet) lookup(kid string) (key jose.JSONWebKey, found, fresh, recentlyFetched bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if kid == "" && len(ks.keys) == 1 {
		for _, k := range ks.keys {
			key, found = k, true
		}
	} else {
		key, found = ks.keys[kid]
	}
	if ks.fetchedAt.IsZero() {
		return key, found, false, false
	}
	age := ks.now().Sub(ks.fetchedAt)
	return key, found, age < ks.cfg.RefreshInterval, age < ks.cfg.MinRefreshGap
}

func (ks *KeySet) fetchedWithin(d time.Duration) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return !ks.fetchedAt.IsZero() && ks.now().Sub(ks.fetchedAt) < d
}

func (ks *KeySet) fetch(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	set, err := backoff.Retry(ctx, func() (*jose.JSONWebKeySet, error) {
		return ks.download(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(ks.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("JWKS fetch failed, retrying")
		}),
	)
	if err != nil {
		return errors.Join(errors.ErrUpstreamUnavailable, err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if !k.Valid() || !k.IsPublic() {
			continue
		}
		keys[k.KeyID] = k
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.fetchedAt = ks.now()
	ks.mu.Unlock()

	log.Debug().Int("keys", len(keys)).Str("jwks_uri", ks.cfg.JWKSURL).Msg("signing keys refreshed")
	return nil
}

func (ks *KeySet) download(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.cfg.JWKSURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBodySize))
	if err != nil {
		return nil, err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, backoff.Permanent(errors.Wrapf(err, "decode jwks"))
	}
	return &set, nil
}
