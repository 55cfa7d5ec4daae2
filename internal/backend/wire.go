package backend

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// FinalResultsMessage is the chat message that asks the backend for the
// terminal payload of a completed conversation.
const FinalResultsMessage = "get_final_results"

// ProcessUpdateRequest is the body of POST /api/process_update.
type ProcessUpdateRequest struct {
	Text   string `json:"text"`
	UserID string `json:"user_id"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

// WireTask is a task as the backend encodes it. The id may be a string or a number.
type WireTask struct {
	ID       json.RawMessage `json:"id,omitempty"`
	Task     string          `json:"task"`
	Status   string          `json:"status"`
	Category string          `json:"category"`
	Employee string          `json:"employee"`
	Date     string          `json:"date"`
}

// Model converts the wire task into a models.Task.
func (w WireTask) Model() models.Task {
	id := strings.TrimSpace(string(w.ID))
	if id == "null" {
		id = ""
	}
	id = strings.Trim(id, `"`)
	return models.Task{
		ID:          id,
		Description: w.Task,
		Status:      models.ParseTaskStatus(w.Status),
		Category:    w.Category,
		Employee:    w.Employee,
		Date:        w.Date,
	}
}

func toModels(tasks []WireTask) []models.Task {
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Model())
	}
	return out
}

// ProcessUpdateResponse is the body returned by POST /api/process_update.
// Pointer and nil-able fields distinguish absent keys from zero values.
type ProcessUpdateResponse struct {
	Success             *bool      `json:"success"`
	Error               *string    `json:"error,omitempty"`
	NeedsVerification   *bool      `json:"needs_verification,omitempty"`
	VerificationMessage *string    `json:"verification_message,omitempty"`
	CompleteCount       *int       `json:"complete_count,omitempty"`
	IncompleteCount     *int       `json:"incomplete_count,omitempty"`
	Tasks               []WireTask `json:"tasks,omitempty"`
	ProcessedTasks      []WireTask `json:"processed_tasks,omitempty"`
	Coaching            *string    `json:"coaching,omitempty"`
	Logs                []string   `json:"logs,omitempty"`
}

// ChatResponse is the body returned by POST /api/chat.
type ChatResponse struct {
	Success         *bool      `json:"success"`
	Error           *string    `json:"error,omitempty"`
	Message         *string    `json:"message,omitempty"`
	HasPendingTasks *bool      `json:"has_pending_tasks,omitempty"`
	ProcessedTasks  []WireTask `json:"processed_tasks,omitempty"`
	Coaching        *string    `json:"coaching,omitempty"`
	Logs            []string   `json:"logs,omitempty"`
}

// Succeeded reports whether the response carried success=true.
func (r *ProcessUpdateResponse) Succeeded() bool { return r.Success != nil && *r.Success }

// Succeeded reports whether the response carried success=true.
func (r *ChatResponse) Succeeded() bool { return r.Success != nil && *r.Success }

// ErrorMessage returns the backend's error text, if any.
func (r *ProcessUpdateResponse) ErrorMessage() string { return deref(r.Error) }

// ErrorMessage returns the backend's error text, if any.
func (r *ChatResponse) ErrorMessage() string { return deref(r.Error) }

// Outcome classifies a successful process_update response.
//
//   - needs_verification=true with a non-empty verification_message is a clarification.
//   - needs_verification=false, or the flag absent with a task list present, is terminal.
//   - anything else is an UnrecognizedResponseError.
func (r *ProcessUpdateResponse) Outcome() (models.Outcome, error) {
	tasks := r.Tasks
	if tasks == nil {
		tasks = r.ProcessedTasks
	}
	switch {
	case r.NeedsVerification != nil && *r.NeedsVerification:
		msg := strings.TrimSpace(deref(r.VerificationMessage))
		if msg == "" {
			return nil, &UnrecognizedResponseError{Op: "process_update", Reason: "needs_verification without verification_message"}
		}
		return models.ClarificationOutcome{
			Message:         msg,
			CompleteCount:   derefInt(r.CompleteCount),
			IncompleteCount: derefInt(r.IncompleteCount),
		}, nil
	case r.NeedsVerification != nil || tasks != nil:
		return models.TerminalOutcome{
			CompleteTasks:   toModels(tasks),
			IncompleteCount: derefInt(r.IncompleteCount),
		}, nil
	default:
		return nil, &UnrecognizedResponseError{Op: "process_update", Reason: "neither needs_verification nor tasks present"}
	}
}

// FinalResult returns the inline final payload of a terminal process_update response.
func (r *ProcessUpdateResponse) FinalResult() models.FinalResult {
	tasks := r.Tasks
	if tasks == nil {
		tasks = r.ProcessedTasks
	}
	return models.FinalResult{Tasks: toModels(tasks), Coaching: deref(r.Coaching), Logs: r.Logs}
}

// Outcome classifies a successful chat response. Completion is reported only
// for an explicit has_pending_tasks=false; the final payload is attached when
// processed_tasks is present inline.
func (r *ChatResponse) Outcome() (models.ChatOutcome, error) {
	if r.HasPendingTasks == nil {
		return models.ChatOutcome{}, &UnrecognizedResponseError{Op: "chat", Reason: "has_pending_tasks absent"}
	}
	out := models.ChatOutcome{
		HasPendingTasks:  *r.HasPendingTasks,
		AssistantMessage: deref(r.Message),
	}
	if !out.HasPendingTasks && r.ProcessedTasks != nil {
		fr := r.FinalResult()
		out.FinalResult = &fr
	}
	return out, nil
}

// FinalResult returns the payload carried by the response.
func (r *ChatResponse) FinalResult() models.FinalResult {
	return models.FinalResult{Tasks: toModels(r.ProcessedTasks), Coaching: deref(r.Coaching), Logs: r.Logs}
}

// HasFinalPayload reports whether processed_tasks was present in the response.
func (r *ChatResponse) HasFinalPayload() bool {
	return r.ProcessedTasks != nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}
