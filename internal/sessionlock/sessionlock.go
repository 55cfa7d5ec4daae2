// Package sessionlock keeps submissions single-flight per session.
//
// A conversation accepts one backend call at a time. LocalLocker enforces
// that inside one process; RedisLocker extends it across relay instances
// that share a Redis server.
package sessionlock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryAcquire when the session is already held.
var ErrLocked = errors.New("session is locked")

// Locker grants exclusive, non-blocking access to a session.
type Locker interface {
	// TryAcquire takes the lock for sessionID or returns ErrLocked.
	// The returned release func is safe to call more than once.
	TryAcquire(ctx context.Context, sessionID string) (func(), error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// Compile-time check that LocalLocker implements Locker.
var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryAcquire(ctx context.Context, sessionID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[sessionID]; ok {
		return nil, ErrLocked
	}
	l.held[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}
