package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock scripts. Release and extend must compare the holder first so a
// client whose lock expired cannot stomp on the next holder.
var (
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendLockScript = redis.NewScript(`
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`)
)

// AcquireLock attempts SET key holder EX ttl NX.
// Returns true when this holder now owns the lock.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, holder, ttl).Result()
	return ok, translateErr(err)
}

// ReleaseLock deletes the lock key iff its current value equals holder.
// Returns true when the lock was actually released.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	res, err := releaseLockScript.Run(ctx, s.rdb, []string{key}, holder).Result()
	if err != nil {
		return false, translateErr(err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ExtendLock refreshes the TTL iff the lock is still held by holder.
// Returns true on success; false when the key is gone or owned elsewhere.
func (s *Store) ExtendLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	res, err := extendLockScript.Run(ctx, s.rdb, []string{key}, holder, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, translateErr(err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// LockHolder returns the current holder, or "" when the lock is free.
func (s *Store) LockHolder(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, translateErr(err)
}

// RunScript executes a server-side script against this store.
func (s *Store) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	res, err := script.Run(ctx, s.rdb, keys, args...).Result()
	return res, translateErr(err)
}
