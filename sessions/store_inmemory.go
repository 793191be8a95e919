package sessions

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-broker/internal/errors"
	"github.com/jrsteele09/go-auth-broker/principal"
	"github.com/jrsteele09/go-auth-broker/token"
	"github.com/rs/zerolog/log"
)

// InMemoryStore is a thread-safe in-memory implementation of the Store interface
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // token hash -> session
	now      func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory session store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) Create(_ context.Context, p *principal.Principal, ttl time.Duration) (*Session, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	id := hashToken(raw)
	if _, exists := s.sessions[id]; exists {
		return nil, errors.Wrapf(errors.ErrInternal, "session token collision")
	}
	now := s.now()
	stored := &Session{Principal: p, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	s.sessions[id] = stored

	out := *stored
	out.Token = raw
	return &out, nil
}

func (s *InMemoryStore) Get(_ context.Context, rawToken string) (*Session, error) {
	if rawToken == "" {
		return nil, errors.ErrSessionNotFound
	}
	id := hashToken(rawToken)

	s.mu.RLock()
	sess, ok := s.sessions[id]
	now := s.now()
	s.mu.RUnlock()

	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	if sess.Expired(now) {
		s.mu.Lock()
		if cur, ok := s.sessions[id]; ok && cur == sess {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		return nil, errors.ErrSessionExpired
	}
	return copySession(sess), nil
}

func (s *InMemoryStore) Grant(_ context.Context, rawToken string, keys ...token.Key) error {
	id := hashToken(rawToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return errors.ErrSessionNotFound
	}
	if sess.Expired(s.now()) {
		delete(s.sessions, id)
		return errors.ErrSessionExpired
	}
	// Swap in a new value so readers holding the old pointer are unaffected.
	updated := *sess
	updated.TokenKeys = mergeKeys(sess.TokenKeys, keys)
	s.sessions[id] = &updated
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, rawToken string) (*Session, error) {
	id := hashToken(rawToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return copySession(sess), nil
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Cleanup removes expired sessions and returns how many went.
func (s *InMemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is cancelled.
func (s *InMemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
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
					log.Debug().Int("removed", n).Msg("expired sessions removed")
				}
			}
		}
	}()
}

func copySession(s *Session) *Session {
	out := *s
	out.Token = ""
	out.TokenKeys = slices.Clone(s.TokenKeys)
	return &out
}
