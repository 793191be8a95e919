package signin

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/rs/zerolog/log"
)

// InMemoryChallengeStore is a thread-safe in-memory implementation of the ChallengeStore interface
type InMemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]Challenge
	now        func() time.Time
}

var _ ChallengeStore = (*InMemoryChallengeStore)(nil)

func NewInMemoryChallengeStore() *InMemoryChallengeStore {
	return &InMemoryChallengeStore{
		challenges: make(map[string]Challenge),
		now:        time.Now,
	}
}

// Put stores a copy of c
func (s *InMemoryChallengeStore) Put(_ context.Context, c *Challenge) error {
	if c == nil {
		return errors.New("challenge cannot be nil")
	}
	if c.State == "" {
		return errors.New("state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.State] = *c
	return nil
}

func (s *InMemoryChallengeStore) Take(_ context.Context, state string) (*Challenge, error) {
	if state == "" {
		return nil, errors.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[state]
	if !ok {
		return nil, errors.ErrNotFound
	}
	delete(s.challenges, state)
	return &c, nil
}

func (s *InMemoryChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// Cleanup drops challenges whose callback never arrived.
func (s *InMemoryChallengeStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for state, c := range s.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(s.challenges, state)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is cancelled.
func (s *InMemoryChallengeStore) StartCleanup(ctx context.Context, interval time.Duration) {
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
				if n := s.Cleanup(); n > 0 {
					log.Debug().Int("removed", n).Msg("abandoned sign-in challenges removed")
				}
			}
		}
	}()
}
