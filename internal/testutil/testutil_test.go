package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/models"
)

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteHeader(http.StatusOK)
	rr.Body.WriteString(`{"status":"ok","result":{"turns":2}}`)

	resp := AssertJSONResponse(t, rr, "ok")
	if _, ok := resp["result"]; !ok {
		t.Error("expected result field")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/webhook/twilio", map[string]string{"Body": "hi"})
	if req.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", req.Method)
	}
	if req.ContentLength == 0 {
		t.Error("expected request body")
	}
}

func TestFakeBackendQueues(t *testing.T) {
	ctx := context.Background()
	fb := NewFakeBackend().
		OnUpdate(`{"success":true,"needs_verification":false,"tasks":[]}`).
		OnChatErr(errors.New("boom"))

	resp, err := fb.ProcessUpdate(ctx, "update", "user_a")
	if err != nil || !resp.Succeeded() {
		t.Fatalf("ProcessUpdate = %+v, %v", resp, err)
	}
	if _, err := fb.Chat(ctx, "reply", "user_a"); err == nil {
		t.Error("expected scripted chat error")
	}
	if _, err := fb.FinalResults(ctx, "user_a"); err == nil {
		t.Error("expected error for empty final queue")
	}
	if got := fb.CountOp(backend.OpChat); got != 1 {
		t.Errorf("expected 1 chat call, got %d", got)
	}
	if calls := fb.Calls(); calls[2].Text != backend.FinalResultsMessage {
		t.Errorf("expected final results sentinel, got %q", calls[2].Text)
	}
}

func TestRecordingListenerComposing(t *testing.T) {
	r := &RecordingListener{}
	r.Composing(true)
	r.Composing(false)
	r.AssertComposingBalanced(t)
	r.StateChanged(models.StateTransition{ToState: models.StateClarifying})
	if got := r.States(); len(got) != 1 || got[0] != models.StateClarifying {
		t.Errorf("unexpected states %v", got)
	}
}
