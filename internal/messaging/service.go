// Package messaging relays task-verification conversations over messaging
// channels. Each sender owns exactly one conversation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Constants for service channel configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and inbound message events.
type Service interface {
	// Name identifies the channel in logs and metrics.
	Name() string

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendTypingIndicator turns the channel's composing indicator on or off.
	SendTypingIndicator(ctx context.Context, to string, typing bool) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound messages.
	Responses() <-chan models.InboundMessage
}

// canonicalizePhone removes every non-digit and requires at least 6 digits.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// events holds the receipt and inbound channels shared by the services.
type events struct {
	name      string
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

func newEvents(name string) *events {
	return &events{
		name:      name,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (e *events) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// stop closes both channels once. Emitters hold the read lock while sending,
// so no send races the close.
func (e *events) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.receipts)
	close(e.responses)
}

func (e *events) emitReceipt(receipt models.Receipt) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Service.emitReceipt: receipts channel blocked, dropping receipt", "service", e.name, "to", receipt.To)
	}
}

func (e *events) emitResponse(msg models.InboundMessage) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		slog.Warn("Service.emitResponse: dropping inbound message (service stopped)", "service", e.name, "from", msg.From)
		return false
	}
	select {
	case e.responses <- msg:
		slog.Debug("Service.emitResponse: inbound message forwarded", "service", e.name, "from", msg.From, "body_length", len(msg.Body))
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Service.emitResponse: responses channel blocked, dropping message", "service", e.name, "from", msg.From)
		return false
	}
}
