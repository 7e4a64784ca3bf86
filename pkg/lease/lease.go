// Package lease provides best effort locks that keep periodic passes of
// several worker replicas from overlapping.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Unlock when the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Lock is a held lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

type Locker interface {
	// TryLock acquires key for ttl. It returns a nil Lock when the key is held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// LocalLocker always grants the lock. It is used when a single worker runs.
type LocalLocker struct{}

func (LocalLocker) TryLock(context.Context, string, time.Duration) (Lock, error) {
	return localLock{}, nil
}

type localLock struct{}

func (localLock) Unlock(context.Context) error { return nil }

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisLocker connects to the Redis server at url (redis://host:port/db).
func NewRedisLocker(ctx context.Context, url string, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", opts.Addr, "db", opts.DB)

	return NewRedisLockerWithClient(client, logger), nil
}

func NewRedisLockerWithClient(client redis.UniversalClient, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "leadflow:lock:",
		logger: logger.With("module", "lease"),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	if !ok {
		l.logger.DebugContext(ctx, "lock held elsewhere", "key", key)

		return nil, nil
	}

	return &redisLock{client: l.client, key: l.prefix + key, token: token}, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (r *redisLock) Unlock(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if deleted == 0 {
		return ErrNotHeld
	}

	return nil
}
