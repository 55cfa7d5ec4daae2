// Package recovery repairs persisted relay state at startup.
//
// A relay that stops while a backend call is in flight leaves sessions in an
// awaiting state. Components implementing Recoverable are run once before
// the relay accepts messages, and may tell affected senders to resend.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during startup to restore component state
	RecoverState(ctx context.Context, registry *Registry) error
}

// Notifier sends a notice to the sender behind a session.
type Notifier func(ctx context.Context, sessionID, text string) error

// Registry provides services that components can use during recovery
type Registry struct {
	store  store.Store
	notify Notifier
}

// NewRegistry creates a new recovery registry
func NewRegistry(st store.Store, notify Notifier) *Registry {
	return &Registry{store: st, notify: notify}
}

// Store provides access to the store for recovery operations
func (r *Registry) Store() store.Store {
	return r.store
}

// Notify sends text to the sender of sessionID. Without a notifier it only logs.
func (r *Registry) Notify(ctx context.Context, sessionID, text string) error {
	if r.notify == nil {
		slog.Debug("Registry.Notify: no notifier registered", "session_id", sessionID)
		return nil
	}
	return r.notify(ctx, sessionID, text)
}

// Manager orchestrates recovery of all registered components
type Manager struct {
	registry     *Registry
	recoverables []Recoverable
}

// NewManager creates a new recovery manager
func NewManager(st store.Store, notify Notifier) *Manager {
	return &Manager{registry: NewRegistry(st, notify)}
}

// Register adds a component that can be recovered
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component, continuing past failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx, m.registry); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", fmt.Sprintf("%T", r), "error", err)
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
