package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/sessionlock"
)

// NoticeInterrupted is sent to senders whose message was cut off by a restart.
const NoticeInterrupted = "Sorry, your last message was interrupted by a restart. Please send it again."

// InterruptedSessions moves sessions persisted mid-call back to the state
// they had before the call: AwaitingInitialResult becomes Idle and
// AwaitingReplyResult becomes Clarifying.
//
// A session whose lock is held belongs to a live submission, possibly on
// another relay instance, and is left alone.
type InterruptedSessions struct {
	// Filter limits recovery to matching session ids. Nil matches all.
	Filter func(sessionID string) bool
	// Locker is the locker the relay's controllers use. Nil uses a fresh
	// LocalLocker, which only suits a single instance.
	Locker sessionlock.Locker
	now    func() time.Time
}

// Compile-time check that InterruptedSessions implements Recoverable.
var _ Recoverable = (*InterruptedSessions)(nil)

// RecoverState implements Recoverable.
func (s *InterruptedSessions) RecoverState(ctx context.Context, registry *Registry) error {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	locker := s.Locker
	if locker == nil {
		locker = sessionlock.NewLocalLocker()
	}
	sessions, err := registry.Store().ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, listed := range sessions {
		if s.Filter != nil && !s.Filter(listed.ID) {
			continue
		}
		if !interrupted(listed.State) {
			continue
		}
		recovered, err := s.recoverSession(ctx, registry, locker, listed.ID, now)
		if err != nil {
			return err
		}
		if !recovered {
			continue
		}
		if err := registry.Notify(ctx, listed.ID, NoticeInterrupted); err != nil {
			slog.Warn("InterruptedSessions.RecoverState: failed to notify sender", "session_id", listed.ID, "error", err)
		}
	}
	return nil
}

// recoverSession resets one session under its lock and reports whether it
// changed anything.
func (s *InterruptedSessions) recoverSession(ctx context.Context, registry *Registry, locker sessionlock.Locker, sessionID string, now func() time.Time) (bool, error) {
	release, err := locker.TryAcquire(ctx, sessionID)
	if errors.Is(err, sessionlock.ErrLocked) {
		slog.Info("InterruptedSessions.RecoverState: session in flight elsewhere, skipped", "session_id", sessionID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer release()

	session, err := registry.Store().GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to reload session %s: %w", sessionID, err)
	}
	if session == nil || !interrupted(session.State) {
		return false, nil
	}

	from := session.State
	switch from {
	case models.StateAwaitingInitialResult:
		session.State = models.StateIdle
	case models.StateAwaitingReplyResult:
		session.State = models.StateClarifying
	}
	session.UpdatedAt = now().UTC()
	if err := registry.Store().SaveSession(ctx, *session); err != nil {
		return false, fmt.Errorf("failed to recover session %s: %w", sessionID, err)
	}
	slog.Info("InterruptedSessions.RecoverState: session recovered", "session_id", sessionID, "from", from, "to", session.State)
	return true, nil
}

func interrupted(state models.State) bool {
	return state == models.StateAwaitingInitialResult || state == models.StateAwaitingReplyResult
}
