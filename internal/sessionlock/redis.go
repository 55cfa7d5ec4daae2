package sessionlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed holder can keep a session locked.
// A live holder extends its lock every third of the TTL until it releases.
const DefaultLockTTL = 2 * time.Minute

// TTLForTimeout returns a lock TTL that outlives a submission making two
// backend calls of the given timeout, and never less than DefaultLockTTL.
func TTLForTimeout(timeout time.Duration) time.Duration {
	ttl := 3*timeout + 30*time.Second
	if ttl < DefaultLockTTL {
		return DefaultLockTTL
	}
	return ttl
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript resets the expiry only when the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Compile-time check that RedisLocker implements Locker.
var _ Locker = (*RedisLocker)(nil)

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lock expiry. Non-positive values are ignored.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithKeyPrefix sets the prefix of lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// NewRedisLocker creates a RedisLocker over client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{client: client, prefix: "taskpipe:session-lock:", ttl: DefaultLockTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) key(sessionID string) string {
	return l.prefix + sessionID
}

func (l *RedisLocker) TryAcquire(ctx context.Context, sessionID string) (func(), error) {
	token := uuid.NewString()
	key := l.key(sessionID)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	slog.Debug("RedisLocker.TryAcquire: acquired", "session_id", sessionID, "ttl", l.ttl)

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's ctx may already be cancelled; release on a fresh one.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(rctx, l.client, []string{key}, token).Int()
			if err != nil {
				slog.Error("RedisLocker.release: failed", "session_id", sessionID, "error", err)
				return
			}
			if n == 0 {
				slog.Warn("RedisLocker.release: lock expired before release", "session_id", sessionID)
			}
		})
	}, nil
}

// keepAlive extends the lock every third of the TTL until stop is closed or
// the lock is lost.
func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("RedisLocker.keepAlive: failed to extend lock", "key", key, "error", err)
				continue
			}
			if n == 0 {
				slog.Warn("RedisLocker.keepAlive: lock lost", "key", key)
				return
			}
		}
	}
}
