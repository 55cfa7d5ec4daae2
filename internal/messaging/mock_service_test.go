package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

type sentMessage struct {
	To   string
	Body string
}

// mockService is an in-memory Service for relay tests.
type mockService struct {
	*events
	mu      sync.Mutex
	sent    []sentMessage
	typing  []bool
	started bool
}

var _ Service = (*mockService)(nil)

func newMockService() *mockService {
	return &mockService{events: newEvents("mock")}
}

func (m *mockService) Name() string { return "mock" }

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *mockService) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, Body: body})
	return nil
}

func (m *mockService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, typing)
	return nil
}

func (m *mockService) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *mockService) Stop() error {
	m.stop()
	return nil
}

func (m *mockService) Receipts() <-chan models.Receipt { return m.receipts }

func (m *mockService) Responses() <-chan models.InboundMessage { return m.responses }

func (m *mockService) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockService) Bodies() []string {
	var out []string
	for _, s := range m.Sent() {
		out = append(out, s.Body)
	}
	return out
}

func (m *mockService) Typing() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.typing))
	copy(out, m.typing)
	return out
}
