package token

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/rs/zerolog/log"
)

// Cache stores Records by Key. Implementations must replace records
// atomically: a concurrent reader sees the old record or the new one.
// Get returns errors.ErrNotFound when nothing is stored under the key;
// expired records are still returned so their refresh token can be redeemed.
type Cache interface {
	Get(ctx context.Context, key Key) (*Record, error)
	Put(ctx context.Context, key Key, rec *Record) error
	Delete(ctx context.Context, key Key) error
}

// InMemoryCache is a thread-safe in-memory implementation of the Cache interface
type InMemoryCache struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

var _ Cache = (*InMemoryCache)(nil)

// NewInMemoryCache creates a new in-memory token cache
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (c *InMemoryCache) Get(_ context.Context, key Key) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[key.String()]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return rec, nil
}

func (c *InMemoryCache) Put(_ context.Context, key Key, rec *Record) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	stored := *rec

	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key.String()] = &stored
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, key.String())
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Sweep removes records that expired more than grace ago and returns how many went.
func (c *InMemoryCache) Sweep(grace time.Duration) int {
	cutoff := c.now().Add(-grace)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, rec := range c.records {
		if rec.ExpiresAt.Before(cutoff) {
			delete(c.records, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled. Sweeping only
// bounds memory; lookups never depend on it.
func (c *InMemoryCache) StartSweeper(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(grace); n > 0 {
					log.Debug().Int("removed", n).Msg("token cache swept")
				}
			}
		}
	}()
}
