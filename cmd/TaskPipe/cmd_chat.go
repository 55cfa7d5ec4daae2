package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/TaskPipe/internal/conversation"
	"github.com/BTreeMap/TaskPipe/internal/materializer"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/sessionid"
	"github.com/BTreeMap/TaskPipe/internal/sessionlock"
	"github.com/BTreeMap/TaskPipe/internal/transcript"
)

const (
	promptUpdate = "What did you work on?"
	promptReply  = "Your reply"
)

func newChatCommand(a *app) *cobra.Command {
	var update string
	var fresh bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Submit a status update and answer clarification questions",
		Long: `Chat submits a free-text status update to the backend. When tasks are
missing required details the backend asks follow-up questions; answer them
until every task is complete. An unfinished conversation is resumed on the
next run unless --new is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), update, fresh)
		},
	}
	cmd.Flags().StringVarP(&update, "update", "u", "", "Submit this update instead of prompting for one")
	cmd.Flags().BoolVar(&fresh, "new", false, "Start a new update even if a conversation is unfinished")
	return cmd
}

type chatSession struct {
	ctrl   *conversation.Controller
	in     io.Reader
	out    io.Writer
	update string
}

func (a *app) runChat(ctx context.Context, in io.Reader, out io.Writer, update string, fresh bool) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := sessionid.NewAllocator(st).Get(ctx)
	if err != nil {
		return err
	}
	client, err := a.backendClient(st)
	if err != nil {
		return err
	}
	ctrl, err := conversation.NewController(id, client,
		conversation.WithStore(st),
		conversation.WithMaterializer(materializer.New(client, st)),
		conversation.WithLocker(sessionlock.NewLocalLocker()),
		conversation.WithListener(newTerminalListener(out)),
	)
	if err != nil {
		return err
	}
	if err := ctrl.Restore(ctx); err != nil {
		return err
	}
	slog.Debug("chat: session ready", "session_id", id, "state", ctrl.State())

	if ctrl.State() == models.StateClarifying && !fresh && update == "" {
		fmt.Fprintln(out, "Resuming your unfinished conversation:")
		opts := transcript.Options{Width: terminalWidth(out)}
		if err := transcript.RenderUpdate(out, ctrl.Session().UpdateText, opts); err != nil {
			return err
		}
		if err := transcript.RenderTurns(out, ctrl.Transcript(), opts); err != nil {
			return err
		}
	}

	s := &chatSession{ctrl: ctrl, in: in, out: out, update: update}
	if ctrl.State() == models.StateClarifying && (fresh || update != "") {
		return s.startUpdate(ctx)
	}
	return s.loop(ctx)
}

// loop runs until the conversation reaches a final state or input ends.
func (s *chatSession) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		switch s.ctrl.State() {
		case models.StateClarifying:
			done, err := s.reply(ctx)
			if done || err != nil {
				return err
			}
		default:
			return s.startUpdate(ctx)
		}
	}
	return nil
}

// startUpdate submits a new update and continues with its clarifications.
func (s *chatSession) startUpdate(ctx context.Context) error {
	for ctx.Err() == nil {
		text := s.update
		s.update = ""
		if text == "" {
			var err error
			if text, err = promptInput(s.in, s.out, promptMultiline, promptUpdate); err != nil {
				return ignoreEOF(err)
			}
		}
		outcome, err := s.ctrl.SubmitUpdate(ctx, text)
		if err := s.report(err); err != nil {
			return err
		}
		if err != nil {
			continue
		}
		if !outcome.NeedsClarification() {
			return nil
		}
		return s.loop(ctx)
	}
	return nil
}

// reply answers one clarification question. done is true once the
// conversation is complete or the user stops.
func (s *chatSession) reply(ctx context.Context) (done bool, err error) {
	text, err := promptInput(s.in, s.out, promptLine, promptReply)
	if err != nil {
		return true, ignoreEOF(err)
	}
	outcome, err := s.ctrl.SubmitReply(ctx, text)
	if err := s.report(err); err != nil {
		return true, err
	}
	return err == nil && !outcome.HasPendingTasks, nil
}

// report prints recoverable errors and returns the fatal ones.
func (s *chatSession) report(err error) error {
	var verr *conversation.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &verr):
		fmt.Fprintf(s.out, "%s. Please try again.\n", verr.Err)
		return nil
	case errors.Is(err, conversation.ErrAuthExpired):
		return fmt.Errorf("%w: set a new token with \"taskpipe token set\"", err)
	case errors.Is(err, conversation.ErrNotClarifying):
		return nil
	case conversation.IsRetryable(err):
		// The controller already appended an error turn.
		slog.Debug("chat: retryable failure", "error", err)
		return nil
	default:
		return err
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
