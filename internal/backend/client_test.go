package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/auth"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *auth.StoreTokenSource, store.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st := store.NewInMemoryStore()
	tokens := auth.NewStoreTokenSource(st)
	if err := tokens.Set(context.Background(), "test-token"); err != nil {
		t.Fatalf("failed to set token: %v", err)
	}

	c, err := NewClient(srv.URL, tokens, WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return c, tokens, st
}

func TestProcessUpdateSendsRequest(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ProcessUpdatePath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header")
		}

		var body ProcessUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if body.Text != "Fixed the login bug" || body.UserID != "user_abc123xyz" {
			t.Errorf("unexpected request body %+v", body)
		}

		io.WriteString(w, `{"success":true,"needs_verification":false,"tasks":[{"task":"Fix login bug","status":"Completed","category":"Bugs","employee":"Alice"}]}`)
	})

	resp, err := c.ProcessUpdate(context.Background(), "Fixed the login bug", "user_abc123xyz")
	if err != nil {
		t.Fatalf("ProcessUpdate returned error: %v", err)
	}
	if !resp.Succeeded() {
		t.Error("expected a successful response")
	}

	outcome, err := resp.Outcome()
	if err != nil {
		t.Fatalf("Outcome returned error: %v", err)
	}
	terminal, ok := outcome.(models.TerminalOutcome)
	if !ok {
		t.Fatalf("expected TerminalOutcome, got %T", outcome)
	}
	if len(terminal.CompleteTasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(terminal.CompleteTasks))
	}
	task := terminal.CompleteTasks[0]
	if task.Description != "Fix login bug" || task.Status != models.TaskStatusCompleted || task.Employee != "Alice" {
		t.Errorf("unexpected task %+v", task)
	}
}

func TestFinalResultsSendsSentinelMessage(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ChatPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if body.Message != FinalResultsMessage {
			t.Errorf("unexpected message %q", body.Message)
		}
		io.WriteString(w, `{"success":true,"message":"","has_pending_tasks":false,"processed_tasks":[],"coaching":"Keep going."}`)
	})

	resp, err := c.FinalResults(context.Background(), "user_a")
	if err != nil {
		t.Fatalf("FinalResults returned error: %v", err)
	}
	if !resp.HasFinalPayload() {
		t.Error("expected a final payload")
	}
	if got := resp.FinalResult().Coaching; got != "Keep going." {
		t.Errorf("unexpected coaching %q", got)
	}
}

func TestUnauthorizedInvalidatesToken(t *testing.T) {
	c, _, st := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	if _, err := c.Chat(context.Background(), "Acme", "user_a"); !errors.Is(err, ErrAuthExpired) {
		t.Errorf("expected ErrAuthExpired, got %v", err)
	}

	if _, ok, _ := st.GetValue(context.Background(), auth.KeyAuthToken); ok {
		t.Error("token should be cleared after 401")
	}

	// No token left: the next call fails locally.
	if _, err := c.Chat(context.Background(), "Acme", "user_a"); !errors.Is(err, auth.ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}

func TestServerErrorIsTransportError(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.Chat(context.Background(), "Acme", "user_a")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if te.Op != OpChat || te.StatusCode != http.StatusBadGateway {
		t.Errorf("unexpected transport error %+v", te)
	}
}

func TestMalformedBodyIsTransportError(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>not json</html>`)
	})

	_, err := c.ProcessUpdate(context.Background(), "x", "user_a")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("expected *TransportError, got %v", err)
	}
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, auth.NewStaticTokenSource("tok"))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	_, err = c.Chat(context.Background(), "Acme", "user_a")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if te.StatusCode != 0 {
		t.Errorf("expected no status code, got %d", te.StatusCode)
	}
}

func TestObserverCalled(t *testing.T) {
	var ops []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"message":"ok","has_pending_tasks":true}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, auth.NewStaticTokenSource("tok"), WithObserver(func(op string, status int, _ time.Duration, err error) {
		if status != http.StatusOK || err != nil {
			t.Errorf("observer got status %d, error %v", status, err)
		}
		ops = append(ops, op)
	}))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	if _, err := c.Chat(context.Background(), "hi", "user_a"); err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if len(ops) != 1 || ops[0] != OpChat {
		t.Errorf("expected one chat observation, got %v", ops)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("ftp://example.com", auth.NewStaticTokenSource("tok")); err == nil {
		t.Error("expected error for a non-http URL")
	}
	if _, err := NewClient("http://example.com", nil); err == nil {
		t.Error("expected error without a token source")
	}
}
