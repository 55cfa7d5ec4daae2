// Package conversation implements the task-verification conversation.
//
// A Controller owns one session. SubmitUpdate sends the free-text status
// update; when the backend needs more detail the session enters Clarifying
// and SubmitReply carries each answer until the backend reports, with an
// explicit has_pending_tasks=false, that nothing is pending. The transcript is
// append-only and persisted to the store after every change.
//
// State machine:
//
//	Idle -> AwaitingInitialResult -> Terminal | Clarifying | Idle (failure) | Aborted (401)
//	Clarifying -> AwaitingReplyResult -> Clarifying | Complete | Aborted (401)
//
// Any state may start over with a new SubmitUpdate, which passes through Idle
// before AwaitingInitialResult.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/materializer"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/sessionlock"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Controller drives the conversation of one session.
type Controller struct {
	id           string
	api          backend.API
	store        store.Store
	materializer *materializer.Materializer
	listener     Listener
	locker       sessionlock.Locker
	now          func() time.Time
	newTurnID    func() string

	mu      sync.Mutex
	session models.Session
	turns   []models.Turn
	result  *models.FinalResult
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists the session and transcript in st.
func WithStore(st store.Store) Option {
	return func(c *Controller) {
		c.store = st
	}
}

// WithMaterializer sets the final-result materializer.
func WithMaterializer(m *materializer.Materializer) Option {
	return func(c *Controller) {
		c.materializer = m
	}
}

// WithListener registers a listener for turns, transitions and the composing indicator.
func WithListener(l Listener) Option {
	return func(c *Controller) {
		c.listener = l
	}
}

// WithLocker sets the session locker. Controllers that may share a session
// identifier must share a locker.
func WithLocker(l sessionlock.Locker) Option {
	return func(c *Controller) {
		c.locker = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a Controller in the Idle state.
func NewController(sessionID string, api backend.API, opts ...Option) (*Controller, error) {
	if sessionID == "" {
		return nil, models.ErrEmptySessionID
	}
	if api == nil {
		return nil, errors.New("backend API is required")
	}
	c := &Controller{
		id:        sessionID,
		api:       api,
		listener:  NopListener{},
		now:       time.Now,
		newTurnID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = store.NewInMemoryStore()
	}
	if c.materializer == nil {
		c.materializer = materializer.New(api, c.store)
	}
	if c.locker == nil {
		c.locker = sessionlock.NewLocalLocker()
	}
	now := c.now()
	c.session = models.Session{ID: sessionID, State: models.StateIdle, CreatedAt: now, UpdatedAt: now}
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.id
}

// State returns the current state.
func (c *Controller) State() models.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

// Transcript returns a copy of the turns so far.
func (c *Controller) Transcript() []models.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := make([]models.Turn, len(c.turns))
	copy(turns, c.turns)
	return turns
}

// Session returns a copy of the session record.
func (c *Controller) Session() models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Result returns the final result once the conversation reached Terminal or
// Complete, or nil.
func (c *Controller) Result() *models.FinalResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	r := *c.result
	return &r
}

// Restore loads a persisted session and its transcript. A session that was
// interrupted mid-call resumes in the state it was in before the call. It is
// a no-op when nothing was persisted.
func (c *Controller) Restore(ctx context.Context) error {
	snap, err := c.load(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	c.apply(snap)
	slog.Debug("Controller.Restore: session restored", "session_id", c.id, "state", snap.session.State, "turns", len(snap.turns))
	return nil
}

// snapshot is a persisted session as a controller would resume it.
type snapshot struct {
	session models.Session
	turns   []models.Turn
	result  *models.FinalResult
}

func (c *Controller) load(ctx context.Context) (*snapshot, error) {
	session, err := c.store.GetSession(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	turns, err := c.store.ListTurns(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	switch session.State {
	case models.StateAwaitingInitialResult:
		session.State = models.StateIdle
	case models.StateAwaitingReplyResult:
		session.State = models.StateClarifying
	}
	if !models.IsValidState(session.State) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownState, session.State)
	}

	var result *models.FinalResult
	if session.State == models.StateTerminal || session.State == models.StateComplete {
		if result, err = c.store.GetFinalResult(ctx, c.id); err != nil {
			slog.Warn("Controller.load: failed to load final result", "session_id", c.id, "error", err)
		}
	}
	return &snapshot{session: *session, turns: turns, result: result}, nil
}

func (c *Controller) apply(snap *snapshot) {
	c.mu.Lock()
	c.session = snap.session
	c.turns = snap.turns
	c.result = snap.result
	c.mu.Unlock()
}

// refresh adopts the persisted session when another controller sharing the
// store and locker changed it. The caller holds the session lock.
func (c *Controller) refresh(ctx context.Context) error {
	snap, err := c.load(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	c.mu.Lock()
	changed := snap.session.State != c.session.State ||
		snap.session.UpdatedAt.After(c.session.UpdatedAt) ||
		!sameTurns(snap.turns, c.turns)
	c.mu.Unlock()
	if !changed {
		return nil
	}
	c.apply(snap)
	slog.Info("Controller.refresh: session changed elsewhere, reloaded", "session_id", c.id, "state", snap.session.State, "turns", len(snap.turns))
	return nil
}

func sameTurns(a, b []models.Turn) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || a[len(a)-1].ID == b[len(b)-1].ID
}

// Submit routes text by the session's state under the session lock: a reply
// in Clarifying, otherwise a new update. forceNew always starts over. It
// reports whether text was treated as an update.
func (c *Controller) Submit(ctx context.Context, rawText string, forceNew bool) (bool, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return forceNew || c.State() != models.StateClarifying, err
	}
	defer release()
	c.sync(ctx)

	if forceNew || c.State() != models.StateClarifying {
		text, err := models.ValidateText(rawText, models.MaxUpdateLength)
		if err != nil {
			return true, &ValidationError{Field: "update", Err: err}
		}
		_, err = c.submitUpdate(ctx, text)
		return true, err
	}
	text, err := models.ValidateText(rawText, models.MaxReplyLength)
	if err != nil {
		return false, &ValidationError{Field: "reply", Err: err}
	}
	_, err = c.submitReply(ctx, text)
	return false, err
}

// SubmitUpdate sends a raw status update and starts a new conversation,
// discarding any previous transcript and final result of the session.
func (c *Controller) SubmitUpdate(ctx context.Context, rawText string) (models.Outcome, error) {
	text, err := models.ValidateText(rawText, models.MaxUpdateLength)
	if err != nil {
		return nil, &ValidationError{Field: "update", Err: err}
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	c.sync(ctx)
	return c.submitUpdate(ctx, text)
}

// submitUpdate runs a new conversation. The caller holds the session lock.
func (c *Controller) submitUpdate(ctx context.Context, text string) (models.Outcome, error) {
	if err := c.reset(ctx, text); err != nil {
		return nil, err
	}
	if c.State() != models.StateIdle {
		c.setState(ctx, models.StateIdle)
	}
	c.setState(ctx, models.StateAwaitingInitialResult)

	resp, err := c.processUpdate(ctx, text)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			slog.Warn("Controller.SubmitUpdate: authentication expired", "session_id", c.id)
			c.setState(ctx, models.StateAborted)
			return nil, err
		}
		c.appendTurn(ctx, models.SpeakerSystemError, TextConnectionError)
		c.setState(ctx, models.StateIdle)
		return nil, err
	}
	if !resp.Succeeded() {
		slog.Warn("Controller.SubmitUpdate: backend reported failure", "session_id", c.id, "error", resp.ErrorMessage())
		c.appendTurn(ctx, models.SpeakerSystemError, TextProcessingError)
		c.setState(ctx, models.StateIdle)
		return nil, &TransportError{Op: backend.OpProcessUpdate, Err: fmt.Errorf("%w: %s", ErrRejected, resp.ErrorMessage())}
	}

	outcome, err := resp.Outcome()
	if err != nil {
		slog.Error("Controller.SubmitUpdate: unrecognized response", "session_id", c.id, "error", err)
		c.appendTurn(ctx, models.SpeakerSystemError, TextProcessingError)
		c.setState(ctx, models.StateIdle)
		return nil, err
	}

	switch o := outcome.(type) {
	case models.ClarificationOutcome:
		c.appendTurn(ctx, models.SpeakerAssistant, o.Message)
		c.setState(ctx, models.StateClarifying)
		slog.Info("Controller.SubmitUpdate: clarification needed", "session_id", c.id,
			"complete", o.CompleteCount, "incomplete", o.IncompleteCount)
	case models.TerminalOutcome:
		c.setState(ctx, models.StateTerminal)
		c.finish(ctx, ptr(resp.FinalResult()))
		slog.Info("Controller.SubmitUpdate: update processed", "session_id", c.id, "tasks", len(o.CompleteTasks))
	default:
		return nil, &UnrecognizedResponseError{Op: backend.OpProcessUpdate, Reason: fmt.Sprintf("outcome %T", outcome)}
	}
	return outcome, nil
}

// SubmitReply sends one clarification reply. The user turn is appended before
// the backend is called; exactly one assistant or system-error turn follows.
func (c *Controller) SubmitReply(ctx context.Context, rawText string) (models.ChatOutcome, error) {
	text, err := models.ValidateText(rawText, models.MaxReplyLength)
	if err != nil {
		return models.ChatOutcome{}, &ValidationError{Field: "reply", Err: err}
	}
	if err := c.checkClarifying(); err != nil {
		return models.ChatOutcome{}, err
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return models.ChatOutcome{}, err
	}
	defer release()
	c.sync(ctx)

	// Another submission may have resolved between the check and the lock.
	if err := c.checkClarifying(); err != nil {
		return models.ChatOutcome{}, err
	}
	return c.submitReply(ctx, text)
}

// submitReply sends one reply from Clarifying. The caller holds the session lock.
func (c *Controller) submitReply(ctx context.Context, text string) (models.ChatOutcome, error) {
	c.appendTurn(ctx, models.SpeakerUser, text)
	c.setState(ctx, models.StateAwaitingReplyResult)

	resp, err := c.chat(ctx, text)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			slog.Warn("Controller.SubmitReply: authentication expired", "session_id", c.id)
			c.appendTurn(ctx, models.SpeakerSystemError, TextSessionExpired)
			c.setState(ctx, models.StateAborted)
			return models.ChatOutcome{}, err
		}
		c.appendTurn(ctx, models.SpeakerSystemError, TextConnectionError)
		c.setState(ctx, models.StateClarifying)
		return models.ChatOutcome{}, err
	}
	if !resp.Succeeded() {
		slog.Warn("Controller.SubmitReply: backend reported failure", "session_id", c.id, "error", resp.ErrorMessage())
		c.appendTurn(ctx, models.SpeakerSystemError, TextProcessingError)
		c.setState(ctx, models.StateClarifying)
		return models.ChatOutcome{}, &TransportError{Op: backend.OpChat, Err: fmt.Errorf("%w: %s", ErrRejected, resp.ErrorMessage())}
	}

	outcome, err := resp.Outcome()
	if err != nil {
		slog.Error("Controller.SubmitReply: unrecognized response", "session_id", c.id, "error", err)
		c.appendTurn(ctx, models.SpeakerSystemError, TextProcessingError)
		c.setState(ctx, models.StateClarifying)
		return models.ChatOutcome{}, err
	}

	message := outcome.AssistantMessage
	if message == "" && !outcome.HasPendingTasks {
		message = TextAllProcessed
	}
	c.appendTurn(ctx, models.SpeakerAssistant, message)

	if outcome.HasPendingTasks {
		c.setState(ctx, models.StateClarifying)
		return outcome, nil
	}

	c.setState(ctx, models.StateComplete)
	result := c.finish(ctx, outcome.FinalResult)
	outcome.FinalResult = &result
	slog.Info("Controller.SubmitReply: conversation complete", "session_id", c.id,
		"tasks", len(result.Tasks), "degraded", result.Degraded)
	return outcome, nil
}

// finish materializes the final result exactly once. An inline payload is
// seeded into the cache and used as is; otherwise the materializer fetches it.
func (c *Controller) finish(ctx context.Context, inline *models.FinalResult) models.FinalResult {
	var result models.FinalResult
	if inline != nil {
		if err := c.materializer.Seed(ctx, c.id, *inline); err != nil {
			slog.Warn("Controller.finish: failed to seed inline result", "session_id", c.id, "error", err)
		}
		result = *inline
	} else {
		result = c.materializer.Materialize(ctx, c.id)
	}

	c.mu.Lock()
	c.result = &result
	c.mu.Unlock()
	c.listener.ResultReady(c.id, result)
	return result
}

// sync refreshes from the store, keeping the in-memory session when the
// store cannot be read.
func (c *Controller) sync(ctx context.Context) {
	if err := c.refresh(ctx); err != nil {
		slog.Warn("Controller.sync: failed to reload session", "session_id", c.id, "error", err)
	}
}

func (c *Controller) checkClarifying() error {
	switch state := c.State(); state {
	case models.StateClarifying:
		return nil
	case models.StateAwaitingInitialResult, models.StateAwaitingReplyResult:
		return ErrSubmissionInFlight
	default:
		return fmt.Errorf("%w (state %s)", ErrNotClarifying, state)
	}
}

func (c *Controller) acquire(ctx context.Context) (func(), error) {
	release, err := c.locker.TryAcquire(ctx, c.id)
	if errors.Is(err, sessionlock.ErrLocked) {
		return nil, ErrSubmissionInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	return release, nil
}

// processUpdate wraps the backend call with the composing indicator.
func (c *Controller) processUpdate(ctx context.Context, text string) (*backend.ProcessUpdateResponse, error) {
	c.listener.Composing(true)
	defer c.listener.Composing(false)
	return c.api.ProcessUpdate(ctx, text, c.id)
}

// chat wraps the backend call with the composing indicator.
func (c *Controller) chat(ctx context.Context, text string) (*backend.ChatResponse, error) {
	c.listener.Composing(true)
	defer c.listener.Composing(false)
	return c.api.Chat(ctx, text, c.id)
}

// reset starts a fresh conversation for a new update.
func (c *Controller) reset(ctx context.Context, text string) error {
	if err := c.store.ClearTurns(ctx, c.id); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}
	if err := c.materializer.Forget(ctx, c.id); err != nil {
		return err
	}
	c.mu.Lock()
	c.turns = nil
	c.result = nil
	c.session.UpdateText = text
	c.mu.Unlock()
	return nil
}

func (c *Controller) appendTurn(ctx context.Context, speaker models.Speaker, text string) models.Turn {
	c.mu.Lock()
	turn := models.Turn{
		ID:        c.newTurnID(),
		SessionID: c.id,
		Seq:       len(c.turns) + 1,
		Speaker:   speaker,
		Text:      text,
		CreatedAt: c.now().UTC(),
	}
	c.turns = append(c.turns, turn)
	c.mu.Unlock()

	if err := c.store.AppendTurn(ctx, turn); err != nil {
		slog.Error("Controller.appendTurn: failed to persist turn", "session_id", c.id, "seq", turn.Seq, "error", err)
	}
	c.listener.TurnAppended(turn)
	return turn
}

func (c *Controller) setState(ctx context.Context, to models.State) {
	c.mu.Lock()
	from := c.session.State
	c.session.State = to
	c.session.UpdatedAt = c.now().UTC()
	session := c.session
	c.mu.Unlock()

	if err := c.store.SaveSession(ctx, session); err != nil {
		slog.Error("Controller.setState: failed to persist session", "session_id", c.id, "state", to, "error", err)
	}
	slog.Debug("Controller.setState: transition", "session_id", c.id, "from", from, "to", to)
	c.listener.StateChanged(models.StateTransition{SessionID: c.id, FromState: from, ToState: to})
}

func ptr[T any](v T) *T {
	return &v
}
