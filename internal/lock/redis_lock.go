package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when refreshing or releasing a lease that expired
// or was taken over by another owner.
var ErrNotHeld = errors.New("lock not held")

// RedisLocker hands out named, TTL-bound mutual exclusion leases in Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// Lease is a held lock. Only the owner token that acquired it can refresh or release it.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// NewRedisLocker builds a locker whose keys are prefix + name.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryAcquire attempts to take the lock without waiting. ok is false when
// another owner currently holds it.
func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: l.client, key: key, token: token}, true, nil
}

// Key returns the redis key backing the lease.
func (le *Lease) Key() string { return le.key }

// Refresh pushes the expiry of a held lease forward.
func (le *Lease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, le.client, []string{le.key}, le.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", le.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release deletes the lock if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", le.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
