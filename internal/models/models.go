// Package models defines the core data structures for TaskPipe.
//
// It includes the conversation turn and task types shared by the controller,
// the stores, the renderers and the messaging relay.
package models

import (
	"errors"
	"strings"
	"time"
)

// Speaker identifies who authored a conversation turn.
type Speaker string

const (
	// SpeakerUser marks text typed by the person giving the update.
	SpeakerUser Speaker = "user"
	// SpeakerAssistant marks a message returned by the backend.
	SpeakerAssistant Speaker = "assistant"
	// SpeakerSystemError marks a locally generated failure notice.
	SpeakerSystemError Speaker = "system-error"
)

// Validation constants for input validation
const (
	// MaxUpdateLength bounds the free-text status update sent to the backend
	MaxUpdateLength = 8192
	// MaxReplyLength bounds a single clarification reply
	MaxReplyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyText       = errors.New("text cannot be empty")
	ErrTextTooLong     = errors.New("text exceeds maximum length")
	ErrInvalidSpeaker  = errors.New("invalid speaker")
	ErrEmptySessionID  = errors.New("session id cannot be empty")
	ErrInvalidTurnSeq  = errors.New("turn sequence must be positive")
	ErrUnknownState    = errors.New("unknown conversation state")
	ErrSessionNotFound = errors.New("session not found")
)

// IsValidSpeaker checks if the given speaker is supported.
func IsValidSpeaker(s Speaker) bool {
	switch s {
	case SpeakerUser, SpeakerAssistant, SpeakerSystemError:
		return true
	default:
		return false
	}
}

// Turn is one entry of a verification conversation. Turns are append-only and
// ordered by Seq within a session.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that a turn can be persisted.
func (t *Turn) Validate() error {
	if t.SessionID == "" {
		return ErrEmptySessionID
	}
	if t.Seq <= 0 {
		return ErrInvalidTurnSeq
	}
	if !IsValidSpeaker(t.Speaker) {
		return ErrInvalidSpeaker
	}
	return nil
}

// TaskStatus is the workflow status the backend assigns to a task.
type TaskStatus string

const (
	TaskStatusNotStarted TaskStatus = "Not Started"
	TaskStatusInProgress TaskStatus = "In Progress"
	TaskStatusCompleted  TaskStatus = "Completed"
	TaskStatusBlocked    TaskStatus = "Blocked"
	TaskStatusOnHold     TaskStatus = "On Hold"
)

// ParseTaskStatus maps backend status strings onto the known statuses,
// ignoring case and separators. Unknown values are returned verbatim.
func ParseTaskStatus(s string) TaskStatus {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", " ", "_", " ").Replace(key)
	switch key {
	case "not started", "todo", "to do":
		return TaskStatusNotStarted
	case "in progress":
		return TaskStatusInProgress
	case "completed", "complete", "done":
		return TaskStatusCompleted
	case "blocked":
		return TaskStatusBlocked
	case "on hold":
		return TaskStatusOnHold
	default:
		return TaskStatus(strings.TrimSpace(s))
	}
}

// IsKnown reports whether the status is one of the backend's workflow values.
func (s TaskStatus) IsKnown() bool {
	switch s {
	case TaskStatusNotStarted, TaskStatusInProgress, TaskStatusCompleted, TaskStatusBlocked, TaskStatusOnHold:
		return true
	default:
		return false
	}
}

// Task is a read copy of a backend-owned task.
type Task struct {
	ID          string     `json:"id,omitempty"`
	Description string     `json:"task"`
	Status      TaskStatus `json:"status"`
	Category    string     `json:"category,omitempty"`
	Employee    string     `json:"employee,omitempty"`
	Date        string     `json:"date,omitempty"`
}

// ValidateText trims raw user input and enforces the non-empty and length rules.
func ValidateText(raw string, maxLen int) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmptyText
	}
	if maxLen > 0 && len(text) > maxLen {
		return "", ErrTextTooLong
	}
	return text, nil
}
