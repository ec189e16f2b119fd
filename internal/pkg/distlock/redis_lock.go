package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every Redis lock key.
const KeyPrefix = "segment-engine:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// extendScript resets the expiry only while the key still holds our token.
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLock provides distributed locking via Redis using SET NX with TTL.
// A random ownership token keeps one process from releasing a lock that
// expired and was taken over by another. While held, the lock is renewed
// every ttl/3, so the TTL only bounds how long a crashed holder blocks
// other replicas.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewRedisLock creates a new distributed lock backed by Redis.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    KeyPrefix + key,
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to acquire the lock. Returns true if successful.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if ok {
		l.startRenewal()
	}
	return ok, nil
}

// Extend pushes the expiry out by a full TTL. It reports false once the
// lock has expired or belongs to another holder.
func (l *RedisLock) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release stops renewal and releases the lock only if we still own it.
func (l *RedisLock) Release(ctx context.Context) error {
	l.stopRenewal()
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

func (l *RedisLock) startRenewal() {
	l.stopRenewal()
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(interval, l.stop, l.done)
}

func (l *RedisLock) renew(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.Extend(ctx)
			cancel()
			if err != nil {
				log.Printf("[distlock] %v", err)
				continue
			}
			if !ok {
				log.Printf("[distlock] lock %s lost before release", l.key)
				return
			}
		}
	}
}

func (l *RedisLock) stopRenewal() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
