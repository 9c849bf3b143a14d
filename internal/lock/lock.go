// Package lock provides the exit claim locks shared by engine processes.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/pkg/utils"
)

// Locker acquires a named lock for at most ttl. The returned release func is
// safe to call more than once. A held lock yields ErrLockHeld.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// unlockLua deletes the key only while it still holds the caller's token, so
// a holder whose TTL lapsed cannot release someone else's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Retry bounds the startup ping; the zero value uses utils.DefaultRetryConfig.
	Retry utils.RetryConfig
}

// RedisLocker implements Locker with SET NX PX and a conditional unlock.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	prefix   string
}

// NewRedisLocker connects to Redis and verifies the connection, retrying the
// ping with backoff while the server comes up.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = utils.DefaultRetryConfig()
	}
	err := utils.Retry(ctx, retry, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, apperrors.Wrapf(apperrors.ErrConnectionFailed, "redis ping %s: %v", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "autoexit:lock:"
	}
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		prefix:   prefix,
	}, nil
}

// Acquire takes the lock for key.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := l.prefix + key

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrLockHeld, "%s", key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(ctx, l.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

// LocalLocker is an in-process Locker for single-process deployments.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]string
	now   func() time.Time
	until map[string]time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]string),
		now:   time.Now,
		until: make(map[string]time.Time),
	}
}

// Acquire takes the lock for key unless it is held and unexpired.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok && l.now().Before(l.until[key]) {
		return nil, apperrors.Wrapf(apperrors.ErrLockHeld, "%s", key)
	}

	token := uuid.NewString()
	l.held[key] = token
	l.until[key] = l.now().Add(ttl)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == token {
				delete(l.held, key)
				delete(l.until, key)
			}
		})
	}, nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
