// Package testutil provides common test utilities and helpers for TaskPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// AssertTurns checks the speakers and texts of a transcript.
func AssertTurns(t *testing.T, turns []models.Turn, want ...models.Turn) {
	t.Helper()
	if len(turns) != len(want) {
		t.Fatalf("expected %d turns, got %d: %+v", len(want), len(turns), turns)
	}
	for i := range want {
		if turns[i].Speaker != want[i].Speaker || turns[i].Text != want[i].Text {
			t.Errorf("turn %d: expected %s %q, got %s %q", i+1, want[i].Speaker, want[i].Text, turns[i].Speaker, turns[i].Text)
		}
		if turns[i].Seq != i+1 {
			t.Errorf("turn %d: expected seq %d, got %d", i+1, i+1, turns[i].Seq)
		}
	}
}

// Turn is shorthand for an expected turn in AssertTurns.
func Turn(speaker models.Speaker, text string) models.Turn {
	return models.Turn{Speaker: speaker, Text: text}
}

// SeedSession stores a session and its turns, as a relay would have left them.
func SeedSession(t *testing.T, st store.Store, session models.Session, texts ...models.Turn) {
	t.Helper()
	ctx := t.Context()
	if err := st.SaveSession(ctx, session); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	for i, turn := range texts {
		turn.SessionID = session.ID
		turn.Seq = i + 1
		if err := st.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("failed to seed turn: %v", err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
