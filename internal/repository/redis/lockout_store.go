package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mfa-service/internal/client"
	"mfa-service/internal/ratelimit"
	"mfa-service/internal/util"
)

const (
	failureCountPrefix = "fail_count:"
	tempLockPrefix     = "temp_lock:"
	windowPrefix       = "window:"

	opTimeout = 5 * time.Second
)

// failScript counts a failure unless the key is locked. Reaching the threshold
// replaces the counter with a lock that lives for lockMs.
//
// KEYS[1] counter, KEYS[2] lock; ARGV[1] threshold, ARGV[2] lockMs.
const failScript = `
local ttl = redis.call('PTTL', KEYS[2])
if ttl > 0 then
	return {tonumber(ARGV[1]), 1, ttl}
end
local count = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if count >= tonumber(ARGV[1]) then
	redis.call('SET', KEYS[2], 'locked', 'PX', ARGV[2])
	redis.call('DEL', KEYS[1])
	return {tonumber(ARGV[1]), 1, tonumber(ARGV[2])}
end
return {count, 0, 0}
`

// hitScript counts a hit in a fixed window that starts with the first hit.
//
// KEYS[1] counter; ARGV[1] windowMs.
const hitScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`

// LockoutStore is a ratelimit.Store and ratelimit.Counter shared by every instance.
type LockoutStore struct {
	client *client.RedisClient
}

var (
	_ ratelimit.Store   = (*LockoutStore)(nil)
	_ ratelimit.Counter = (*LockoutStore)(nil)
)

func NewLockoutStore(client *client.RedisClient) *LockoutStore {
	return &LockoutStore{client: client}
}

func (s *LockoutStore) LockRemaining(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttl, err := s.client.PTTL(ctx, tempLockPrefix+key)
	if err != nil {
		util.Error("Failed to check lock", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("failed to check lock: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *LockoutStore) Fail(ctx context.Context, key string, threshold int, lockFor time.Duration) (ratelimit.FailResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := s.client.Eval(ctx, failScript,
		[]string{failureCountPrefix + key, tempLockPrefix + key},
		threshold, lockFor.Milliseconds())
	if err != nil {
		util.Error("Failed to record failure",
			zap.String("key", key),
			zap.Int("threshold", threshold),
			zap.Error(err))
		return ratelimit.FailResult{}, fmt.Errorf("failed to record failure: %w", err)
	}

	values, err := int64Slice(result, 3)
	if err != nil {
		return ratelimit.FailResult{}, err
	}

	res := ratelimit.FailResult{
		Failures: int(values[0]),
		Locked:   values[1] == 1,
	}
	if res.Locked {
		res.RetryAfter = time.Duration(values[2]) * time.Millisecond
		util.Debug("Key locked", zap.String("key", key), zap.Duration("retry_after", res.RetryAfter))
	}
	return res, nil
}

func (s *LockoutStore) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, failureCountPrefix+key, tempLockPrefix+key); err != nil {
		util.Error("Failed to reset failure counter", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to reset failure counter: %w", err)
	}
	return nil
}

func (s *LockoutStore) Hit(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := s.client.Eval(ctx, hitScript, []string{windowPrefix + key}, window.Milliseconds())
	if err != nil {
		util.Error("Failed to count hit", zap.String("key", key), zap.Error(err))
		return 0, 0, fmt.Errorf("failed to count hit: %w", err)
	}

	values, err := int64Slice(result, 2)
	if err != nil {
		return 0, 0, err
	}
	resetIn := time.Duration(values[1]) * time.Millisecond
	if resetIn < 0 {
		resetIn = window
	}
	return int(values[0]), resetIn, nil
}

func int64Slice(result interface{}, n int) ([]int64, error) {
	items, ok := result.([]interface{})
	if !ok || len(items) != n {
		return nil, fmt.Errorf("unexpected script result: %v", result)
	}
	out := make([]int64, n)
	for i, item := range items {
		v, ok := item.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script value %v at %d", item, i)
		}
		out[i] = v
	}
	return out, nil
}
