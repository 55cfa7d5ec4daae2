package models

// Outcome is the result of submitting an initial status update. It is either
// a TerminalOutcome or a ClarificationOutcome.
type Outcome interface {
	isOutcome()
	// NeedsClarification reports whether the conversation continues with replies.
	NeedsClarification() bool
}

// TerminalOutcome means no clarification is needed for now.
type TerminalOutcome struct {
	CompleteTasks   []Task `json:"complete_tasks"`
	IncompleteCount int    `json:"incomplete_count"`
}

func (TerminalOutcome) isOutcome() {}

// NeedsClarification implements Outcome.
func (TerminalOutcome) NeedsClarification() bool { return false }

// ClarificationOutcome means at least one task is missing required fields.
type ClarificationOutcome struct {
	Message         string `json:"message"`
	CompleteCount   int    `json:"complete_count"`
	IncompleteCount int    `json:"incomplete_count"`
}

func (ClarificationOutcome) isOutcome() {}

// NeedsClarification implements Outcome.
func (ClarificationOutcome) NeedsClarification() bool { return true }

// ChatOutcome is the result of a clarification reply.
type ChatOutcome struct {
	HasPendingTasks  bool         `json:"has_pending_tasks"`
	AssistantMessage string       `json:"assistant_message"`
	FinalResult      *FinalResult `json:"final_result,omitempty"`
}

// FinalResult is the materialized payload shown once a conversation completes.
// Degraded results carry a Notice instead of tasks and coaching.
type FinalResult struct {
	Tasks    []Task   `json:"tasks"`
	Coaching string   `json:"coaching,omitempty"`
	Logs     []string `json:"logs,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
	Notice   string   `json:"notice,omitempty"`
}

// Degraded notices shown when the final payload cannot be fetched.
const (
	NoticeCoachingUnavailable = "Tasks processed. Coaching insights unavailable."
	NoticeProcessedNoDetails  = "All tasks have been successfully processed."
)
