package materializer

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

type fakeAPI struct {
	calls int
	resp  *backend.ChatResponse
	err   error
}

func (f *fakeAPI) ProcessUpdate(ctx context.Context, text, userID string) (*backend.ProcessUpdateResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeAPI) Chat(ctx context.Context, message, userID string) (*backend.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeAPI) FinalResults(ctx context.Context, userID string) (*backend.ChatResponse, error) {
	f.calls++
	return f.resp, f.err
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func fullResponse() *backend.ChatResponse {
	return &backend.ChatResponse{
		Success:         boolPtr(true),
		HasPendingTasks: boolPtr(false),
		ProcessedTasks:  []backend.WireTask{{Task: "Call ACME", Status: "Completed", Employee: "Bob"}},
		Coaching:        strPtr("Great follow-up."),
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{resp: fullResponse()}
	m := New(api, store.NewInMemoryStore())

	first := m.Materialize(ctx, "user_a")
	second := m.Materialize(ctx, "user_a")

	if !reflect.DeepEqual(first.Tasks, second.Tasks) || first.Coaching != second.Coaching {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
	if first.Coaching != "Great follow-up." || first.Degraded {
		t.Errorf("unexpected result %+v", first)
	}
	if api.calls != 1 {
		t.Errorf("second call should be served from cache, got %d fetches", api.calls)
	}
}

func TestMaterializeSeeded(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{resp: fullResponse()}
	m := New(api, store.NewInMemoryStore())

	seeded := models.FinalResult{Tasks: []models.Task{{Description: "Inline"}}, Coaching: "inline coaching"}
	if err := m.Seed(ctx, "user_a", seeded); err != nil {
		t.Fatalf("Seed returned error: %v", err)
	}

	if got := m.Materialize(ctx, "user_a"); !reflect.DeepEqual(got, seeded) {
		t.Errorf("expected seeded result %+v, got %+v", seeded, got)
	}
	if api.calls != 0 {
		t.Errorf("seeded result needs no network round trip, got %d fetches", api.calls)
	}
}

func TestMaterializeTransportFailureDegrades(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{err: &backend.TransportError{Op: backend.OpFinalResults, Err: errors.New("connection refused")}}
	m := New(api, store.NewInMemoryStore())

	got := m.Materialize(ctx, "user_a")
	if !got.Degraded || got.Notice != models.NoticeCoachingUnavailable {
		t.Errorf("expected degraded result, got %+v", got)
	}

	// Degraded results are not cached; a later call can upgrade.
	api.err = nil
	api.resp = fullResponse()
	got = m.Materialize(ctx, "user_a")
	if got.Degraded {
		t.Errorf("expected upgraded result, got %+v", got)
	}
	if api.calls != 2 {
		t.Errorf("expected 2 fetches, got %d", api.calls)
	}
}

func TestMaterializeWithoutPayload(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{resp: &backend.ChatResponse{Success: boolPtr(true), HasPendingTasks: boolPtr(false)}}
	got := New(api, store.NewInMemoryStore()).Materialize(ctx, "user_a")
	if !got.Degraded || got.Notice != models.NoticeProcessedNoDetails {
		t.Errorf("expected processed-without-details notice, got %+v", got)
	}
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{resp: fullResponse()}
	m := New(api, store.NewInMemoryStore())

	m.Materialize(ctx, "user_a")
	if err := m.Forget(ctx, "user_a"); err != nil {
		t.Fatalf("Forget returned error: %v", err)
	}
	m.Materialize(ctx, "user_a")
	if api.calls != 2 {
		t.Errorf("expected a fetch after Forget, got %d fetches", api.calls)
	}
}
