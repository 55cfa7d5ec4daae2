package main

import (
	"io"
	"log/slog"

	"github.com/BTreeMap/TaskPipe/internal/conversation"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/spinner"
	"github.com/BTreeMap/TaskPipe/internal/transcript"
)

// terminalListener prints the conversation as it happens. User turns are not
// echoed since the user just typed them.
type terminalListener struct {
	conversation.NopListener
	out     io.Writer
	opts    transcript.Options
	spinner *spinner.Toggle
}

var _ conversation.Listener = (*terminalListener)(nil)

func newTerminalListener(out io.Writer) *terminalListener {
	l := &terminalListener{out: out, opts: transcript.Options{Width: terminalWidth(out)}}
	if isTerminal(out) {
		l.spinner = spinner.NewToggle(out, "Thinking")
	}
	return l
}

func (l *terminalListener) TurnAppended(turn models.Turn) {
	if turn.Speaker == models.SpeakerUser {
		return
	}
	if err := transcript.RenderTurn(l.out, turn, l.opts); err != nil {
		slog.Warn("terminalListener.TurnAppended: render failed", "error", err)
	}
}

func (l *terminalListener) Composing(on bool) {
	l.spinner.Set(on)
}

func (l *terminalListener) ResultReady(sessionID string, result models.FinalResult) {
	if err := transcript.RenderResult(l.out, result); err != nil {
		slog.Warn("terminalListener.ResultReady: render failed", "error", err)
	}
}
