package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/conversation"
	"github.com/BTreeMap/TaskPipe/internal/materializer"
	"github.com/BTreeMap/TaskPipe/internal/metrics"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/sessionid"
	"github.com/BTreeMap/TaskPipe/internal/sessionlock"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/transcript"
)

// Relay notices sent without a transcript turn.
const (
	NoticeBusy       = "Still working on your previous message. Please wait for the reply."
	NoticeInvalid    = "Your message is empty or too long. Please send your update as plain text."
	NoticeNewUsage   = "Send /new followed by your status update to start over."
	CommandNewUpdate = "/new"
)

// DefaultSendTimeout bounds every outbound message and typing update.
const DefaultSendTimeout = 15 * time.Second

// Relay routes inbound messages to one conversation controller per sender
// and sends the conversation back over the same channel.
type Relay struct {
	svc          Service
	api          backend.API
	store        store.Store
	dedup        store.DedupRepo
	locker       sessionlock.Locker
	materializer *materializer.Materializer
	listener     conversation.Listener
	sendTimeout  time.Duration

	mu          sync.Mutex
	controllers map[string]*conversation.Controller
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLocker shares a session locker, e.g. a Redis locker across instances.
func WithRelayLocker(l sessionlock.Locker) RelayOption {
	return func(r *Relay) {
		r.locker = l
	}
}

// WithRelayListener adds a listener to every controller the relay creates.
func WithRelayListener(l conversation.Listener) RelayOption {
	return func(r *Relay) {
		r.listener = l
	}
}

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		r.sendTimeout = d
	}
}

// NewRelay creates a Relay. Inbound messages are deduplicated by message id
// when st implements store.DedupRepo.
func NewRelay(svc Service, api backend.API, st store.Store, opts ...RelayOption) *Relay {
	r := &Relay{
		svc:          svc,
		api:          api,
		store:        st,
		locker:       sessionlock.NewLocalLocker(),
		materializer: materializer.New(api, st),
		sendTimeout:  DefaultSendTimeout,
		controllers:  make(map[string]*conversation.Controller),
	}
	if dedup, ok := st.(store.DedupRepo); ok {
		r.dedup = dedup
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the service and handles inbound messages until ctx is done or
// the service closes its channels. Each message is handled on its own
// goroutine; the session lock keeps one call in flight per sender.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s service: %w", r.svc.Name(), err)
	}
	slog.Info("Relay.Run: relay started", "channel", r.svc.Name())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case receipt, ok := <-r.svc.Receipts():
				if !ok {
					return nil
				}
				slog.Debug("Relay.Run: receipt", "to", receipt.To, "status", receipt.Status)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-r.svc.Responses():
				if !ok {
					return nil
				}
				g.Go(func() error {
					if err := r.Handle(gctx, msg); err != nil {
						slog.Warn("Relay.Run: message not handled", "channel", r.svc.Name(), "error", err)
					}
					return nil
				})
			}
		}
	})
	err := g.Wait()
	slog.Info("Relay.Run: relay stopped", "channel", r.svc.Name())
	return err
}

// Handle processes one inbound message. Outside Clarifying the text starts
// a new conversation; in Clarifying it answers the pending question. A
// leading /new always starts over.
func (r *Relay) Handle(ctx context.Context, msg models.InboundMessage) error {
	channel := r.svc.Name()
	phone, err := r.svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		metrics.InboundMessage(channel, metrics.InboundRejected)
		return fmt.Errorf("invalid sender: %w", err)
	}
	sessionID, err := sessionid.ForSender(phone)
	if err != nil {
		metrics.InboundMessage(channel, metrics.InboundRejected)
		return err
	}

	if r.dedup != nil && msg.MessageID != "" {
		inserted, err := r.dedup.RecordInbound(ctx, msg.MessageID, phone)
		if err != nil {
			slog.Error("Relay.Handle: dedup record failed", "message_id", msg.MessageID, "error", err)
		} else if !inserted {
			slog.Info("Relay.Handle: duplicate message ignored", "message_id", msg.MessageID, "session_id", sessionID)
			metrics.InboundMessage(channel, metrics.InboundDuplicate)
			return nil
		}
		defer func() {
			if err := r.dedup.MarkProcessed(ctx, msg.MessageID); err != nil {
				slog.Warn("Relay.Handle: mark processed failed", "message_id", msg.MessageID, "error", err)
			}
		}()
	}

	ctrl, err := r.Controller(ctx, sessionID)
	if err != nil {
		metrics.InboundMessage(channel, metrics.InboundFailed)
		return err
	}

	text := strings.TrimSpace(msg.Body)
	forceNew := false
	if rest, ok := cutCommand(text, CommandNewUpdate); ok {
		forceNew = true
		text = rest
		if text == "" {
			r.send(phone, NoticeNewUsage)
			metrics.InboundMessage(channel, metrics.InboundHandled)
			return nil
		}
	}

	slog.Debug("Relay.Handle: dispatching", "session_id", sessionID, "force_new", forceNew, "body_length", len(text))
	isUpdate, err := ctrl.Submit(ctx, text, forceNew)
	r.report(phone, sessionID, isUpdate, err)
	return nil
}

// report tells the sender about failures the transcript does not show.
func (r *Relay) report(phone, sessionID string, isUpdate bool, err error) {
	channel := r.svc.Name()
	var ve *conversation.ValidationError
	switch {
	case err == nil:
		metrics.InboundMessage(channel, metrics.InboundHandled)
	case errors.Is(err, conversation.ErrSubmissionInFlight):
		metrics.InboundMessage(channel, metrics.InboundBusy)
		r.send(phone, NoticeBusy)
	case errors.As(err, &ve):
		metrics.InboundMessage(channel, metrics.InboundRejected)
		r.send(phone, NoticeInvalid)
	case errors.Is(err, conversation.ErrAuthExpired):
		slog.Error("Relay.report: backend token expired", "session_id", sessionID)
		metrics.InboundMessage(channel, metrics.InboundFailed)
		if isUpdate {
			r.send(phone, conversation.TextSessionExpired)
		}
	default:
		slog.Warn("Relay.report: submission failed", "session_id", sessionID, "error", err)
		metrics.InboundMessage(channel, metrics.InboundFailed)
	}
}

// Controller returns the controller of sessionID, restoring a persisted
// session the first time it is requested. Each submission reloads the
// session if a relay sharing the store changed it since.
func (r *Relay) Controller(ctx context.Context, sessionID string) (*conversation.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[sessionID]; ok {
		return c, nil
	}
	phone, ok := sessionid.PhoneFromSessionID(sessionID)
	if !ok {
		return nil, fmt.Errorf("not a relay session id: %q", sessionID)
	}
	c, err := conversation.NewController(sessionID, r.api,
		conversation.WithStore(r.store),
		conversation.WithLocker(r.locker),
		conversation.WithMaterializer(r.materializer),
		conversation.WithListener(conversation.Listeners(&sink{relay: r, to: phone}, r.listener)),
	)
	if err != nil {
		return nil, err
	}
	if err := c.Restore(ctx); err != nil {
		slog.Warn("Relay.Controller: restore failed, starting fresh", "session_id", sessionID, "error", err)
	}
	r.controllers[sessionID] = c
	slog.Debug("Relay.Controller: controller created", "session_id", sessionID, "state", c.State())
	return c, nil
}

// Notify sends text to the sender of a relay session outside any conversation.
func (r *Relay) Notify(ctx context.Context, sessionID, text string) error {
	phone, ok := sessionid.PhoneFromSessionID(sessionID)
	if !ok {
		return fmt.Errorf("not a relay session id: %q", sessionID)
	}
	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if err := r.svc.SendMessage(ctx, phone, text); err != nil {
		return fmt.Errorf("failed to notify %s: %w", sessionID, err)
	}
	return nil
}

func (r *Relay) send(to, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()
	if err := r.svc.SendMessage(ctx, to, body); err != nil {
		slog.Error("Relay.send: failed to send message", "to", to, "error", err)
	}
}

func (r *Relay) typing(to string, on bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()
	if err := r.svc.SendTypingIndicator(ctx, to, on); err != nil {
		slog.Debug("Relay.typing: failed to update typing indicator", "to", to, "error", err)
	}
}

// sink forwards a controller's output to the sender.
type sink struct {
	conversation.NopListener
	relay *Relay
	to    string
}

func (s *sink) TurnAppended(turn models.Turn) {
	if turn.Speaker == models.SpeakerUser {
		return
	}
	s.relay.send(s.to, transcript.FormatTurn(turn))
}

func (s *sink) Composing(on bool) {
	s.relay.typing(s.to, on)
}

func (s *sink) ResultReady(sessionID string, result models.FinalResult) {
	s.relay.send(s.to, transcript.FormatResult(result))
}

func cutCommand(text, command string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(text), command) {
		return text, false
	}
	rest := text[len(command):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\n' {
		return text, false
	}
	return strings.TrimSpace(rest), true
}
