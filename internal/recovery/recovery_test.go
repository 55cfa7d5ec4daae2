package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/sessionlock"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/testutil"
)

type recoverableFunc func(ctx context.Context, registry *Registry) error

func (f recoverableFunc) RecoverState(ctx context.Context, registry *Registry) error {
	return f(ctx, registry)
}

func TestManagerRunsAllComponents(t *testing.T) {
	m := NewManager(store.NewInMemoryStore(), nil)
	var ran []string
	m.Register(recoverableFunc(func(ctx context.Context, r *Registry) error {
		ran = append(ran, "first")
		return errors.New("boom")
	}))
	m.Register(recoverableFunc(func(ctx context.Context, r *Registry) error {
		ran = append(ran, "second")
		if r.Store() == nil {
			t.Error("registry store should not be nil")
		}
		return nil
	}))

	err := m.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected error from failing component")
	}
	if !strings.Contains(err.Error(), "1 errors out of 2") {
		t.Errorf("unexpected error %q", err)
	}
	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Errorf("expected both components to run in order, got %v", ran)
	}
}

func TestManagerNoComponents(t *testing.T) {
	if err := NewManager(store.NewInMemoryStore(), nil).RecoverAll(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRegistryNotifyWithoutNotifier(t *testing.T) {
	r := NewRegistry(store.NewInMemoryStore(), nil)
	if err := r.Notify(context.Background(), "wa_15551234567", "hi"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInterruptedSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedSession(t, st, models.Session{ID: "wa_1111111111", State: models.StateAwaitingInitialResult})
	testutil.SeedSession(t, st, models.Session{ID: "wa_2222222222", State: models.StateAwaitingReplyResult},
		testutil.Turn(models.SpeakerAssistant, "Which client?"),
		testutil.Turn(models.SpeakerUser, "ACME"),
	)
	testutil.SeedSession(t, st, models.Session{ID: "wa_3333333333", State: models.StateComplete})
	testutil.SeedSession(t, st, models.Session{ID: "user_abc123xyz", State: models.StateAwaitingReplyResult})

	notified := map[string]string{}
	m := NewManager(st, func(ctx context.Context, sessionID, text string) error {
		notified[sessionID] = text
		if sessionID == "wa_1111111111" {
			return errors.New("send failed")
		}
		return nil
	})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.Register(&InterruptedSessions{
		Filter: func(id string) bool { return id != "user_abc123xyz" },
		now:    func() time.Time { return fixed },
	})
	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll returned error: %v", err)
	}

	ctx := context.Background()
	want := map[string]models.State{
		"wa_1111111111":  models.StateIdle,
		"wa_2222222222":  models.StateClarifying,
		"wa_3333333333":  models.StateComplete,
		"user_abc123xyz": models.StateAwaitingReplyResult,
	}
	for id, state := range want {
		s, err := st.GetSession(ctx, id)
		if err != nil || s == nil {
			t.Fatalf("GetSession(%s) = %v, %v", id, s, err)
		}
		if s.State != state {
			t.Errorf("session %s: expected state %s, got %s", id, state, s.State)
		}
	}
	s, _ := st.GetSession(ctx, "wa_2222222222")
	if !s.UpdatedAt.UTC().Equal(fixed) {
		t.Errorf("expected UpdatedAt %v, got %v", fixed, s.UpdatedAt)
	}

	turns, err := st.ListTurns(ctx, "wa_2222222222")
	if err != nil {
		t.Fatalf("ListTurns returned error: %v", err)
	}
	if len(turns) != 2 {
		t.Errorf("transcript should be left untouched, got %d turns", len(turns))
	}

	if len(notified) != 2 || notified["wa_1111111111"] != NoticeInterrupted || notified["wa_2222222222"] != NoticeInterrupted {
		t.Errorf("unexpected notifications %v", notified)
	}
}

func TestInterruptedSessionsSkipsLockedSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	testutil.SeedSession(t, st, models.Session{ID: "wa_1111111111", State: models.StateAwaitingReplyResult})
	testutil.SeedSession(t, st, models.Session{ID: "wa_2222222222", State: models.StateAwaitingInitialResult})

	locker := sessionlock.NewLocalLocker()
	release, err := locker.TryAcquire(ctx, "wa_1111111111")
	if err != nil {
		t.Fatalf("TryAcquire returned error: %v", err)
	}
	defer release()

	var notified []string
	m := NewManager(st, func(ctx context.Context, sessionID, text string) error {
		notified = append(notified, sessionID)
		return nil
	})
	m.Register(&InterruptedSessions{Locker: locker})
	if err := m.RecoverAll(ctx); err != nil {
		t.Fatalf("RecoverAll returned error: %v", err)
	}

	busy, _ := st.GetSession(ctx, "wa_1111111111")
	if busy.State != models.StateAwaitingReplyResult {
		t.Errorf("locked session should keep its state, got %s", busy.State)
	}
	idle, _ := st.GetSession(ctx, "wa_2222222222")
	if idle.State != models.StateIdle {
		t.Errorf("unlocked session should be recovered, got %s", idle.State)
	}
	if len(notified) != 1 || notified[0] != "wa_2222222222" {
		t.Errorf("only the recovered sender should be notified, got %v", notified)
	}

	again, err := locker.TryAcquire(ctx, "wa_2222222222")
	if err != nil {
		t.Errorf("recovery must release the lock it took: %v", err)
	} else {
		again()
	}
}
