package main

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// promptKind selects the field used to collect input.
type promptKind int

const (
	promptLine promptKind = iota
	promptMultiline
	promptSecret
)

// promptInput is a test hook for replacing the interactive prompt in tests.
// It returns io.EOF when the user aborts.
var promptInput = defaultPromptInput

func defaultPromptInput(in io.Reader, out io.Writer, kind promptKind, title string) (string, error) {
	var value string

	var field huh.Field
	switch kind {
	case promptMultiline:
		field = huh.NewText().Title(title).Description("Alt+Enter for a new line").Value(&value)
	case promptSecret:
		field = huh.NewInput().Title(title).EchoMode(huh.EchoModePassword).Value(&value)
	default:
		field = huh.NewInput().Title(title).Value(&value)
	}

	form := huh.NewForm(huh.NewGroup(field)).
		WithInput(in).
		WithOutput(out).
		WithShowHelp(false)

	// Use accessible mode for non-TTY input (e.g., piped input).
	if !isTerminal(in) {
		form = form.WithAccessible(true)
	}

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) || errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the wrap width for out, or zero for the default.
func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}
