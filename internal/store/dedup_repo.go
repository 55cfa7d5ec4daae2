// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrTurnOutOfOrder is returned when a turn's sequence does not extend the transcript.
var ErrTurnOutOfOrder = errors.New("turn sequence out of order")

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SessionID   string     `json:"session_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Channels redeliver webhooks and events, so the relay records every inbound
// message id before it reaches a conversation.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}
