// Package sessionid allocates the opaque session identifiers that correlate a
// client with its conversation on the backend.
//
// A terminal client allocates one identifier lazily and persists it in the
// store under KeySessionID, so it survives restarts until it is reset.
// Relay conversations derive their identifier from the sender instead.
package sessionid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

// KeySessionID is the store key holding the persisted session identifier.
const KeySessionID = "chat_user_id"

// SenderPrefix prefixes identifiers derived from a relay sender.
const SenderPrefix = "wa_"

// Allocator hands out the persisted session identifier of a terminal client.
type Allocator struct {
	store    store.Store
	generate func() string

	mu     sync.Mutex
	cached string
}

// NewAllocator creates an Allocator backed by st.
func NewAllocator(st store.Store) *Allocator {
	return &Allocator{store: st, generate: util.GenerateSessionID}
}

// Get returns the persisted identifier, creating and storing one on first use.
func (a *Allocator) Get(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != "" {
		return a.cached, nil
	}
	id, ok, err := a.store.GetValue(ctx, KeySessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load session id: %w", err)
	}
	if ok && id != "" {
		a.cached = id
		return id, nil
	}

	id = a.generate()
	if err := a.store.SetValue(ctx, KeySessionID, id); err != nil {
		return "", fmt.Errorf("failed to persist session id: %w", err)
	}
	slog.Info("Allocator.Get: allocated new session id", "session_id", id)
	a.cached = id
	return id, nil
}

// Reset forgets the persisted identifier; the next Get allocates a new one.
func (a *Allocator) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.DeleteValue(ctx, KeySessionID); err != nil {
		return fmt.Errorf("failed to reset session id: %w", err)
	}
	slog.Info("Allocator.Reset: session id cleared", "previous", a.cached)
	a.cached = ""
	return nil
}

// ForSender derives the session identifier of a relay sender from its phone
// number or JID. Everything but digits is dropped, so "+1 (555) 123-4567",
// "15551234567@s.whatsapp.net" and "whatsapp:+15551234567" map to the same id.
func ForSender(sender string) (string, error) {
	if i := strings.IndexByte(sender, '@'); i >= 0 {
		sender = sender[:i]
	}
	if i := strings.IndexByte(sender, ':'); i >= 0 && !unicode.IsDigit(rune(sender[0])) {
		sender = sender[i+1:]
	}
	var b strings.Builder
	for _, r := range sender {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid sender %q", sender)
	}
	return SenderPrefix + digits, nil
}

// PhoneFromSessionID reverses ForSender, returning the digits of the sender.
func PhoneFromSessionID(id string) (string, bool) {
	if !strings.HasPrefix(id, SenderPrefix) {
		return "", false
	}
	return strings.TrimPrefix(id, SenderPrefix), true
}
