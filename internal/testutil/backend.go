package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Call records one request made to a FakeBackend.
type Call struct {
	Op     string
	Text   string
	UserID string
}

// Reply is a scripted backend answer: a raw JSON body or an error.
type Reply struct {
	Body string
	Err  error
}

// FakeBackend is a scripted backend.API. Each operation pops the next reply
// from its queue; an empty queue fails the call.
type FakeBackend struct {
	mu      sync.Mutex
	updates []Reply
	chats   []Reply
	finals  []Reply
	calls   []Call

	// Gate, when set, blocks every call until a value is received.
	Gate chan struct{}
	// Entered, when set, receives the op name as each call starts.
	Entered chan string
}

// Compile-time check that FakeBackend implements backend.API.
var _ backend.API = (*FakeBackend)(nil)

// NewFakeBackend creates an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{}
}

// OnUpdate queues a reply for ProcessUpdate.
func (f *FakeBackend) OnUpdate(body string) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, Reply{Body: body})
	return f
}

// OnUpdateErr queues a failure for ProcessUpdate.
func (f *FakeBackend) OnUpdateErr(err error) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, Reply{Err: err})
	return f
}

// OnChat queues a reply for Chat.
func (f *FakeBackend) OnChat(body string) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, Reply{Body: body})
	return f
}

// OnChatErr queues a failure for Chat.
func (f *FakeBackend) OnChatErr(err error) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, Reply{Err: err})
	return f
}

// OnFinal queues a reply for FinalResults.
func (f *FakeBackend) OnFinal(body string) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals = append(f.finals, Reply{Body: body})
	return f
}

// OnFinalErr queues a failure for FinalResults.
func (f *FakeBackend) OnFinalErr(err error) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals = append(f.finals, Reply{Err: err})
	return f
}

// Calls returns the calls made so far.
func (f *FakeBackend) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CountOp returns how many calls were made for op.
func (f *FakeBackend) CountOp(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *FakeBackend) next(ctx context.Context, op, text, userID string, queue *[]Reply) (Reply, error) {
	if f.Entered != nil {
		f.Entered <- op
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return Reply{}, &backend.TransportError{Op: op, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Text: text, UserID: userID})
	if len(*queue) == 0 {
		return Reply{}, fmt.Errorf("fake backend: unexpected %s call", op)
	}
	r := (*queue)[0]
	*queue = (*queue)[1:]
	return r, r.Err
}

func (f *FakeBackend) ProcessUpdate(ctx context.Context, text, userID string) (*backend.ProcessUpdateResponse, error) {
	r, err := f.next(ctx, backend.OpProcessUpdate, text, userID, &f.updates)
	if err != nil {
		return nil, err
	}
	var resp backend.ProcessUpdateResponse
	if err := json.Unmarshal([]byte(r.Body), &resp); err != nil {
		return nil, &backend.TransportError{Op: backend.OpProcessUpdate, Err: err}
	}
	return &resp, nil
}

func (f *FakeBackend) Chat(ctx context.Context, message, userID string) (*backend.ChatResponse, error) {
	return f.chat(ctx, backend.OpChat, message, userID, &f.chats)
}

func (f *FakeBackend) FinalResults(ctx context.Context, userID string) (*backend.ChatResponse, error) {
	return f.chat(ctx, backend.OpFinalResults, backend.FinalResultsMessage, userID, &f.finals)
}

func (f *FakeBackend) chat(ctx context.Context, op, message, userID string, queue *[]Reply) (*backend.ChatResponse, error) {
	r, err := f.next(ctx, op, message, userID, queue)
	if err != nil {
		return nil, err
	}
	var resp backend.ChatResponse
	if err := json.Unmarshal([]byte(r.Body), &resp); err != nil {
		return nil, &backend.TransportError{Op: op, Err: err}
	}
	return &resp, nil
}

// RecordingListener records every controller event in order. Its methods
// match conversation.Listener.
type RecordingListener struct {
	mu          sync.Mutex
	Turns       []models.Turn
	Transitions []models.StateTransition
	ComposingOn []bool
	Results     []models.FinalResult
}

func (r *RecordingListener) TurnAppended(turn models.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Turns = append(r.Turns, turn)
}

func (r *RecordingListener) StateChanged(t models.StateTransition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Transitions = append(r.Transitions, t)
}

func (r *RecordingListener) Composing(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ComposingOn = append(r.ComposingOn, on)
}

func (r *RecordingListener) ResultReady(sessionID string, result models.FinalResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, result)
}

// States returns the target state of every recorded transition.
func (r *RecordingListener) States() []models.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.State, 0, len(r.Transitions))
	for _, t := range r.Transitions {
		out = append(out, t.ToState)
	}
	return out
}

// AssertComposingBalanced checks that every Composing(true) was followed by
// exactly one Composing(false).
func (r *RecordingListener) AssertComposingBalanced(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ComposingOn)%2 != 0 {
		t.Fatalf("unbalanced composing events: %v", r.ComposingOn)
	}
	for i := 0; i < len(r.ComposingOn); i += 2 {
		if !r.ComposingOn[i] || r.ComposingOn[i+1] {
			t.Fatalf("composing events out of order: %v", r.ComposingOn)
		}
	}
}
