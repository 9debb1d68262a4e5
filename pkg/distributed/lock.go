package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLockNotHeld = errors.New("lock was not held by this instance")

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// renewScript extends the TTL only if the key still holds our token.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is a single-holder lease in Redis, renewed at half its TTL while held.
type DistributedLock struct {
	client    redis.UniversalClient
	key       string
	value     string
	ttl       time.Duration
	stopRenew chan struct{}
	stopOnce  sync.Once
}

func NewDistributedLock(client redis.UniversalClient, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     generateLockValue(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// TryLock attempts to acquire the lock without blocking
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}
	if acquired {
		go l.renewLock()
	}
	return acquired, nil
}

// Unlock releases the lock
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *DistributedLock) renewLock() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// IsLocked checks if the lock is currently held by anyone.
func (l *DistributedLock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager hands out named leases under a common key prefix.
type LockManager struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewLockManager(client redis.UniversalClient, prefix string, ttl time.Duration) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// TryLock acquires the named lease if it is free and returns its release func.
func (lm *LockManager) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	lock := NewDistributedLock(lm.client, lm.prefix+key, lm.ttl)
	ok, err := lock.TryLock(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return lock.Unlock, true, nil
}

// LocalLocker is the single-process counterpart used with in-memory repositories.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, true, nil
}
