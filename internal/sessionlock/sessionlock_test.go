package sessionlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T, opts ...RedisOption) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, opts...), mr
}

func lockers(t *testing.T) map[string]Locker {
	rl, _ := newRedisLocker(t)
	return map[string]Locker{
		"local": NewLocalLocker(),
		"redis": rl,
	}
}

func TestLockerExclusive(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, err := l.TryAcquire(ctx, "user_a")
			if err != nil {
				t.Fatalf("TryAcquire returned error: %v", err)
			}

			if _, err := l.TryAcquire(ctx, "user_a"); !errors.Is(err, ErrLocked) {
				t.Errorf("expected ErrLocked, got %v", err)
			}

			other, err := l.TryAcquire(ctx, "user_b")
			if err != nil {
				t.Fatalf("different sessions must not contend: %v", err)
			}
			other()

			release()
			release()

			again, err := l.TryAcquire(ctx, "user_a")
			if err != nil {
				t.Fatalf("TryAcquire after release returned error: %v", err)
			}
			again()
		})
	}
}

func TestLockerConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			var winners atomic.Int32
			start := make(chan struct{})
			releases := make(chan func(), 10)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if release, err := l.TryAcquire(ctx, "user_race"); err == nil {
						winners.Add(1)
						releases <- release
					}
				}()
			}
			close(start)
			wg.Wait()
			close(releases)
			for release := range releases {
				release()
			}
			if got := winners.Load(); got != 1 {
				t.Errorf("expected exactly one winner, got %d", got)
			}
		})
	}
}

func TestRedisLockerExpiry(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t, WithTTL(time.Second), WithKeyPrefix("test:"))

	release, err := l.TryAcquire(ctx, "user_a")
	if err != nil {
		t.Fatalf("TryAcquire returned error: %v", err)
	}
	if !mr.Exists("test:user_a") {
		t.Fatal("expected lock key to exist")
	}

	mr.FastForward(2 * time.Second)
	if mr.Exists("test:user_a") {
		t.Fatal("expected lock key to expire")
	}

	// A new holder takes over; the stale release must not delete its key.
	release2, err := l.TryAcquire(ctx, "user_a")
	if err != nil {
		t.Fatalf("TryAcquire after expiry returned error: %v", err)
	}
	release()
	if !mr.Exists("test:user_a") {
		t.Error("stale release deleted the new holder's key")
	}
	release2()
	if mr.Exists("test:user_a") {
		t.Error("expected key removed after release")
	}
}

func TestRedisLockerKeepAlive(t *testing.T) {
	ctx := context.Background()
	ttl := 300 * time.Millisecond
	l, mr := newRedisLocker(t, WithTTL(ttl), WithKeyPrefix("test:"))

	release, err := l.TryAcquire(ctx, "user_a")
	if err != nil {
		t.Fatalf("TryAcquire returned error: %v", err)
	}
	mr.FastForward(250 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL("test:user_a") <= 100*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("lock was not extended, ttl %v", mr.TTL("test:user_a"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	mr.FastForward(250 * time.Millisecond)
	if !mr.Exists("test:user_a") {
		t.Fatal("held lock expired despite keepalive")
	}

	release()
	if mr.Exists("test:user_a") {
		t.Error("expected key removed after release")
	}
	mr.FastForward(time.Second)
	if _, err := l.TryAcquire(ctx, "user_a"); err != nil {
		t.Errorf("TryAcquire after release returned error: %v", err)
	}
}

func TestTTLForTimeout(t *testing.T) {
	tests := map[time.Duration]time.Duration{
		0:                DefaultLockTTL,
		10 * time.Second: DefaultLockTTL,
		60 * time.Second: 210 * time.Second,
	}
	for timeout, want := range tests {
		if got := TTLForTimeout(timeout); got != want {
			t.Errorf("TTLForTimeout(%v) = %v, want %v", timeout, got, want)
		}
	}
}

func TestLocalLockerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLocalLocker().TryAcquire(ctx, "user_a"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
