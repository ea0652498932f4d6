package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// DefaultLockDuration is how long a key stays locked after reaching its threshold.
const DefaultLockDuration = 15 * time.Minute

// Store keeps per-key failure counters and locks.
//
// Fail must not count or extend anything while the key is locked. Once a lock
// has expired the key is fresh again.
type Store interface {
	// LockRemaining returns how long key stays locked, zero when it is not.
	LockRemaining(ctx context.Context, key string) (time.Duration, error)
	// Fail records one failure and locks key for lockFor when the count reaches threshold.
	Fail(ctx context.Context, key string, threshold int, lockFor time.Duration) (FailResult, error)
	Reset(ctx context.Context, key string) error
}

type FailResult struct {
	Failures   int
	Locked     bool
	RetryAfter time.Duration
}

// Key composes the identity a lockout is tracked under.
func Key(clientIP, phoneNumber string) string {
	return clientIP + "_" + phoneNumber
}

// Lockout is a failure counter with a threshold and a fixed cooldown.
type Lockout struct {
	name      string
	store     Store
	threshold int
	lockFor   time.Duration
}

func NewLockout(name string, store Store, threshold int, lockFor time.Duration) *Lockout {
	if lockFor <= 0 {
		lockFor = DefaultLockDuration
	}
	if threshold <= 0 {
		threshold = 1
	}
	return &Lockout{
		name:      name,
		store:     store,
		threshold: threshold,
		lockFor:   lockFor,
	}
}

// CheckAllowed reports whether key may attempt again and, when it may not, for how long.
func (l *Lockout) CheckAllowed(ctx context.Context, key string) (bool, time.Duration, error) {
	remaining, err := l.store.LockRemaining(ctx, l.storeKey(key))
	if err != nil {
		return false, 0, fmt.Errorf("failed to read %s lockout: %w", l.name, err)
	}
	return remaining <= 0, remaining, nil
}

func (l *Lockout) RecordFailure(ctx context.Context, key string) (FailResult, error) {
	res, err := l.store.Fail(ctx, l.storeKey(key), l.threshold, l.lockFor)
	if err != nil {
		return FailResult{}, fmt.Errorf("failed to record %s failure: %w", l.name, err)
	}
	return res, nil
}

func (l *Lockout) ResetSuccess(ctx context.Context, key string) error {
	if err := l.store.Reset(ctx, l.storeKey(key)); err != nil {
		return fmt.Errorf("failed to reset %s lockout: %w", l.name, err)
	}
	return nil
}

func (l *Lockout) Threshold() int {
	return l.threshold
}

func (l *Lockout) LockDuration() time.Duration {
	return l.lockFor
}

func (l *Lockout) storeKey(key string) string {
	return "lockout:" + l.name + ":" + key
}
