package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mfa-service/internal/model"
)

type codeEntry struct {
	code     model.PendingCode
	deadline time.Time
}

type tokenEntry struct {
	phoneNumber string
	deadline    time.Time
}

// StateStore keeps pending recovery codes and verification tokens with TTLs.
// Expired entries are invisible to readers and removed by a background sweep.
type StateStore struct {
	mu     sync.Mutex
	codes  map[string]codeEntry
	tokens map[string]tokenEntry

	now           func() time.Time
	sweepInterval time.Duration
	stopSweep     chan struct{}
	closeOnce     sync.Once
}

type StateOption func(*StateStore)

// WithSweepInterval sets how often expired entries are removed. Zero disables the sweep.
func WithSweepInterval(d time.Duration) StateOption {
	return func(s *StateStore) {
		s.sweepInterval = d
	}
}

func WithStateClock(now func() time.Time) StateOption {
	return func(s *StateStore) {
		s.now = now
	}
}

func NewStateStore(opts ...StateOption) *StateStore {
	s := &StateStore{
		codes:         make(map[string]codeEntry),
		tokens:        make(map[string]tokenEntry),
		now:           time.Now,
		sweepInterval: time.Minute,
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		go s.sweep()
	}
	return s
}

func (s *StateStore) SaveCode(_ context.Context, phoneNumber string, code model.PendingCode, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[phoneNumber] = codeEntry{code: code, deadline: s.now().Add(ttl)}
	return nil
}

func (s *StateStore) GetCode(_ context.Context, phoneNumber string) (*model.PendingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[phoneNumber]
	if !ok || !s.now().Before(e.deadline) {
		delete(s.codes, phoneNumber)
		return nil, fmt.Errorf("%w: pending code", model.ErrNotFound)
	}
	code := e.code
	return &code, nil
}

func (s *StateStore) DeleteCode(_ context.Context, phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, phoneNumber)
	return nil
}

func (s *StateStore) SaveVerificationToken(_ context.Context, token, phoneNumber string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[token] = tokenEntry{phoneNumber: phoneNumber, deadline: s.now().Add(ttl)}
	return nil
}

func (s *StateStore) ConsumeVerificationToken(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tokens[token]
	delete(s.tokens, token)
	if !ok || !s.now().Before(e.deadline) {
		return "", fmt.Errorf("%w: verification token", model.ErrNotFound)
	}
	return e.phoneNumber, nil
}

// Len returns the number of stored codes and tokens, expired ones included.
func (s *StateStore) Len() (codes, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes), len(s.tokens)
}

func (s *StateStore) sweep() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RemoveExpired()
		case <-s.stopSweep:
			return
		}
	}
}

// RemoveExpired drops every entry whose deadline has passed.
func (s *StateStore) RemoveExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.codes {
		if !now.Before(e.deadline) {
			delete(s.codes, k)
		}
	}
	for k, e := range s.tokens {
		if !now.Before(e.deadline) {
			delete(s.tokens, k)
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (s *StateStore) Close() {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
}
