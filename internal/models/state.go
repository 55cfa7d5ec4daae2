// Package models defines state management structures for TaskPipe conversations.
package models

import "time"

// State is a verification conversation state.
type State string

// Conversation states. Complete and Aborted are terminal for a session until a
// new update is submitted.
const (
	StateIdle                  State = "IDLE"
	StateAwaitingInitialResult State = "AWAITING_INITIAL_RESULT"
	StateTerminal              State = "TERMINAL"
	StateClarifying            State = "CLARIFYING"
	StateAwaitingReplyResult   State = "AWAITING_REPLY_RESULT"
	StateComplete              State = "COMPLETE"
	StateAborted               State = "ABORTED"
)

// IsValidState checks if the given state is known.
func IsValidState(s State) bool {
	switch s {
	case StateIdle, StateAwaitingInitialResult, StateTerminal, StateClarifying,
		StateAwaitingReplyResult, StateComplete, StateAborted:
		return true
	default:
		return false
	}
}

// IsAwaiting reports whether a backend call is in flight in this state.
func (s State) IsAwaiting() bool {
	return s == StateAwaitingInitialResult || s == StateAwaitingReplyResult
}

// Session is the persisted record of one verification conversation.
type Session struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	UpdateText string    `json:"update_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StateTransition records a move between states, emitted to listeners.
type StateTransition struct {
	SessionID string `json:"session_id"`
	FromState State  `json:"from_state"`
	ToState   State  `json:"to_state"`
}
