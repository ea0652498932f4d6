package ratelimit

import (
	"context"
	"sync"
	"time"

	"mfa-service/internal/bucketing"
)

type entry struct {
	failures    int
	lockedUntil time.Time
	hits        int
	windowEnd   time.Time
	expiresAt   time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryStore is a process-local Store and Counter. Keys are spread over
// shards by murmur3, each shard holds at most maxEntries records and a
// background sweep drops expired ones.
type MemoryStore struct {
	shards     []*shard
	buckets    *bucketing.Manager
	maxEntries int

	now           func() time.Time
	sweepInterval time.Duration
	stopSweep     chan struct{}
	closeOnce     sync.Once
}

type MemoryOption func(*MemoryStore)

func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

func WithMaxEntriesPerShard(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxEntries = n
	}
}

// WithSweepInterval sets the cleanup period. Zero disables the background sweep.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepInterval = d
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(buckets *bucketing.Manager, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		shards:        make([]*shard, 16),
		buckets:       buckets,
		maxEntries:    10000,
		now:           time.Now,
		sweepInterval: time.Minute,
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	if s.sweepInterval > 0 {
		go s.sweep()
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[s.buckets.Bucket(key, len(s.shards))]
}

func (s *MemoryStore) LockRemaining(_ context.Context, key string) (time.Duration, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.lockedUntil.IsZero() {
		return 0, nil
	}
	now := s.now()
	if !now.Before(e.lockedUntil) {
		// lock served, start over
		delete(sh.entries, key)
		return 0, nil
	}
	return e.lockedUntil.Sub(now), nil
}

func (s *MemoryStore) Fail(_ context.Context, key string, threshold int, lockFor time.Duration) (FailResult, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, ok := sh.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(sh.entries, key)
		ok = false
	}
	if ok && !e.lockedUntil.IsZero() && !now.Before(e.lockedUntil) {
		delete(sh.entries, key)
		ok = false
	}
	if !ok {
		s.makeRoom(sh, now)
		e = &entry{}
		sh.entries[key] = e
	}

	if !e.lockedUntil.IsZero() {
		return FailResult{Failures: e.failures, Locked: true, RetryAfter: e.lockedUntil.Sub(now)}, nil
	}

	e.failures++
	e.expiresAt = now.Add(lockFor)
	if e.failures >= threshold {
		e.failures = threshold
		e.lockedUntil = now.Add(lockFor)
		return FailResult{Failures: e.failures, Locked: true, RetryAfter: lockFor}, nil
	}
	return FailResult{Failures: e.failures}, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.entries, key)
	return nil
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, ok := sh.entries[key]
	if !ok {
		s.makeRoom(sh, now)
		e = &entry{}
		sh.entries[key] = e
	}
	if !now.Before(e.windowEnd) {
		e.hits = 0
		e.windowEnd = now.Add(window)
		e.expiresAt = e.windowEnd
	}
	e.hits++
	return e.hits, e.windowEnd.Sub(now), nil
}

// makeRoom drops expired records from a full shard and, if that is not
// enough, the record closest to expiry. Caller holds sh.mu.
func (s *MemoryStore) makeRoom(sh *shard, now time.Time) {
	if s.maxEntries <= 0 || len(sh.entries) < s.maxEntries {
		return
	}
	removeExpired(sh, now)
	if len(sh.entries) < s.maxEntries {
		return
	}

	var victim string
	var soonest time.Time
	for k, e := range sh.entries {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
		}
	}
	delete(sh.entries, victim)
}

func removeExpired(sh *shard, now time.Time) int {
	removed := 0
	for k, e := range sh.entries {
		if !now.Before(e.expiresAt) {
			delete(sh.entries, k)
			removed++
		}
	}
	return removed
}

// RemoveExpired sweeps every shard once and returns how many records were dropped.
func (s *MemoryStore) RemoveExpired() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		removed += removeExpired(sh, now)
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of records across all shards.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) sweep() {
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

// Close stops the background sweep. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
	return nil
}
